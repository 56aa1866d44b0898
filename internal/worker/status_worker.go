package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/observability/metrics"
	"github.com/yourorg/fedcoord/internal/presence"
)

// StatusWorker periodically refreshes the coarse gauges: how many runs are in
// flight and how many principals hold an open socket. Both are read fresh
// from their sources of truth on every tick.
type StatusWorker struct {
	runs     domain.RunRepository
	tracker  *presence.Tracker
	logger   *slog.Logger
	interval time.Duration
}

// NewStatusWorker creates a new status worker
func NewStatusWorker(runs domain.RunRepository, tracker *presence.Tracker, logger *slog.Logger, interval time.Duration) *StatusWorker {
	return &StatusWorker{
		runs:     runs,
		tracker:  tracker,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the status worker loop
func (w *StatusWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("status worker started", slog.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("status worker stopped")
			return
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

func (w *StatusWorker) refresh(ctx context.Context) {
	metrics.SetOnlinePrincipals(len(w.tracker.OnlineUsers()))

	count, err := w.runs.CountActive(ctx)
	if err != nil {
		w.logger.Error("failed to count active runs",
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.SetActiveRuns(count)
}
