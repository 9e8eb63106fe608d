package worker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hyperengineering/possync/internal/fault"
	"github.com/hyperengineering/possync/internal/types"
)

// ReferenceSource lists reference tables from the backend.
type ReferenceSource interface {
	FetchReference(ctx context.Context, table string) ([]types.ReferenceEntry, error)
}

// RefreshStore is the cache side of a refresh.
type RefreshStore interface {
	ReplaceCache(ctx context.Context, table string, entries []types.ReferenceEntry) (int, error)
	Tables() []string
}

// CacheRefresher bulk-replaces cache tables from the backend.
type CacheRefresher struct {
	store    RefreshStore
	source   ReferenceSource
	interval time.Duration
	onDone   func(types.RefreshResult)
	logger   *slog.Logger
}

// NewCacheRefresher creates a refresher. onDone, when set, is called after
// every refresh that replaced at least one table.
func NewCacheRefresher(s RefreshStore, src ReferenceSource, interval time.Duration, onDone func(types.RefreshResult), logger *slog.Logger) *CacheRefresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheRefresher{
		store:    s,
		source:   src,
		interval: interval,
		onDone:   onDone,
		logger:   logger.With("component", "worker", "worker", "cache-refresher"),
	}
}

// Run refreshes every table on each tick until ctx is cancelled. A zero
// interval disables the loop.
func (r *CacheRefresher) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	r.logger.Info("cache refresher started", "interval", r.interval.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("cache refresher stopped", "reason", "context_cancelled")
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx, nil); err != nil && ctx.Err() == nil {
				r.logger.Warn("scheduled refresh failed", "error", err)
			}
		}
	}
}

// Refresh replaces the named tables, or all tables when names is empty.
// A table that fails keeps its previous contents and marks the result
// partial; the call fails only when no table could be refreshed.
func (r *CacheRefresher) Refresh(ctx context.Context, names []string) (types.RefreshResult, error) {
	known := r.store.Tables()
	if len(names) == 0 {
		names = known
	}
	for _, n := range names {
		if !slices.Contains(known, n) {
			return types.RefreshResult{}, fault.New(fault.KindValidation, "cache_refresh", fmt.Sprintf("unknown cache table %q", n))
		}
	}

	start := time.Now()
	res := types.RefreshResult{Tables: make(map[string]int, len(names))}
	var firstErr error
	for _, name := range names {
		if ctx.Err() != nil {
			return res, fault.Wrap(fault.KindTimeout, "cache_refresh", ctx.Err())
		}
		n, err := r.refreshTable(ctx, name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			res.Partial = true
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", name, err))
			r.logger.Warn("table refresh failed", "table", name, "error", err)
			continue
		}
		res.Tables[name] = n
	}
	res.AsOf = time.Now().UTC()

	if len(res.Tables) == 0 && firstErr != nil {
		return res, firstErr
	}

	r.logger.Info("cache refreshed",
		"action", "cache_refresh",
		"tables", len(res.Tables),
		"partial", res.Partial,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if r.onDone != nil {
		r.onDone(res)
	}
	return res, nil
}

func (r *CacheRefresher) refreshTable(ctx context.Context, name string) (int, error) {
	entries, err := r.source.FetchReference(ctx, name)
	if err != nil {
		return 0, err
	}
	n, err := r.store.ReplaceCache(ctx, name, entries)
	if err != nil {
		return 0, err
	}
	return n, nil
}
