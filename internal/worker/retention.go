package worker

import (
	"context"
	"log/slog"
	"time"
)

// PruneStore defines the operations required for the retention sweep.
type PruneStore interface {
	PruneSynced(ctx context.Context, olderThan time.Time) (int64, error)
}

// RetentionSweeper deletes synced writes older than the retention window.
// Drain passes prune too; the sweeper covers terminals that stay offline or
// idle for long stretches.
type RetentionSweeper struct {
	store     PruneStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRetentionSweeper creates a sweeper.
func NewRetentionSweeper(s PruneStore, retention, interval time.Duration, logger *slog.Logger) *RetentionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionSweeper{
		store:     s,
		retention: retention,
		interval:  interval,
		logger:    logger.With("component", "worker", "worker", "retention-sweeper"),
		now:       time.Now,
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
//
// The first sweep waits for the first tick so startup is not slowed by a
// table scan.
func (r *RetentionSweeper) Run(ctx context.Context) {
	r.logger.Info("retention sweeper started",
		"interval", r.interval.String(),
		"retention", r.retention.String(),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("retention sweeper stopped", "reason", "context_cancelled")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the number of rows removed.
func (r *RetentionSweeper) Sweep(ctx context.Context) int64 {
	start := r.now()
	pruned, err := r.store.PruneSynced(ctx, start.Add(-r.retention))
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		r.logger.Error("retention sweep failed", "action", "prune", "error", err)
		return 0
	}
	if pruned > 0 {
		r.logger.Info("retention sweep completed",
			"action", "prune",
			"pruned", pruned,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return pruned
}
