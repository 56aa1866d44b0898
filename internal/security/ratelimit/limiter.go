package ratelimit

import (
	"sync"
	"time"
)

// Limiter applies fixed-window request limits keyed by principal id.
// Unauthenticated requests pass the principal limit and are covered by the
// strict per-address limit on credential endpoints instead.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	maxReqs int
	span    time.Duration
	done    chan struct{}
}

// window counts requests since startedAt; a window older than its span is
// reset rather than trimmed, which keeps state at two words per key.
type window struct {
	startedAt time.Time
	count     int
	span      time.Duration
}

func NewLimiter(maxRequests int, span time.Duration) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		maxReqs: maxRequests,
		span:    span,
		done:    make(chan struct{}),
	}
	go l.reap()
	return l
}

func (l *Limiter) Allow(principalID string) bool {
	if principalID == "" {
		return true
	}
	return l.take(principalID, l.maxReqs, l.span)
}

// AllowStrict applies tighter limits for credential endpoints, keyed by
// caller address rather than principal.
func (l *Limiter) AllowStrict(identifier string, maxReqs int, span time.Duration) bool {
	return l.take("strict:"+identifier, maxReqs, span)
}

func (l *Limiter) take(key string, maxReqs int, span time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w := l.windows[key]
	if w == nil || now.Sub(w.startedAt) >= span {
		w = &window{startedAt: now, span: span}
		l.windows[key] = w
	}
	if w.count >= maxReqs {
		return false
	}
	w.count++
	return true
}

// reap drops windows that have been expired for a while so idle keys do not
// accumulate.
func (l *Limiter) reap() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for key, w := range l.windows {
				if now.Sub(w.startedAt) > w.span+10*time.Minute {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *Limiter) Stop() {
	close(l.done)
}
