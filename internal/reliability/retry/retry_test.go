package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), testConfig(), nil, "flaky", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Fatalf("got result %q after %d calls", result, calls)
	}
}

func TestExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("down")
	calls := 0
	_, err := Do(context.Background(), testConfig(), nil, "dead", func(ctx context.Context) (int, error) {
		calls++
		return 0, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestContextCancelStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, cfg, nil, "slow", func(ctx context.Context) (int, error) {
			return 0, errors.New("fail")
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry did not stop on context cancel")
	}
}
