// Package circuitbreaker guards calls to an unreliable upstream. Repeated
// failures open the breaker so callers fail fast instead of waiting on a
// dead dependency; after a cooldown a trial request probes for recovery.
package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker tracks consecutive failures against an upstream. A single mutex
// owns all state; the hot path is one lock per call outcome.
type Breaker struct {
	mu sync.Mutex

	state       State
	failures    int
	successes   int
	openedAt    time.Time
	maxFailures int
	trialWins   int
	cooldown    time.Duration
	onChange    func(from, to State)
}

// New creates a breaker that opens after maxFailures consecutive failures
// and closes again after trialWins consecutive successes in half-open.
func New(maxFailures, trialWins int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		trialWins:   trialWins,
		cooldown:    cooldown,
	}
}

// OnStateChange registers a transition callback. Called with the mutex held,
// so it must not call back into the breaker.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow reports whether a call may proceed. An open breaker past its
// cooldown moves to half-open and lets the request through as a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.openedAt) > b.cooldown {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful call. Enough half-open successes close
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.trialWins {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed call. A half-open failure reopens
// immediately; closed failures accumulate toward the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// CurrentState returns the breaker's state for observability.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
