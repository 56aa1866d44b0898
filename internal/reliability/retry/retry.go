// Package retry runs an operation with exponential backoff. Waits respect
// the caller's context, so a cancelled request never sits out a backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64 // fraction of the backoff randomized, 0..1
}

func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Jitter:         0.2,
	}
}

// Retryable is one attempt of the operation.
type Retryable[T any] func(ctx context.Context) (T, error)

// Do runs fn until it succeeds, the attempts are exhausted, or the context
// ends. The backoff doubles each attempt up to MaxBackoff.
func Do[T any](ctx context.Context, cfg *Config, log *slog.Logger, op string, fn Retryable[T]) (T, error) {
	var zero T
	if log == nil {
		log = slog.Default()
	}

	wait := cfg.InitialBackoff
	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt >= cfg.MaxAttempts {
			break
		}

		backoff := jittered(wait, cfg.Jitter)
		log.Warn("operation failed, retrying",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", cfg.MaxAttempts),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		wait *= 2
		if wait > cfg.MaxBackoff {
			wait = cfg.MaxBackoff
		}
	}

	return zero, fmt.Errorf("operation '%s' failed after %d attempts: %w", op, cfg.MaxAttempts, lastErr)
}

func jittered(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
