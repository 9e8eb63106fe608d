// Package outbox drains the durable work queue to the backend so that each
// queued write becomes exactly one remote record.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/possync/internal/backend"
	"github.com/hyperengineering/possync/internal/fault"
	"github.com/hyperengineering/possync/internal/store"
	"github.com/hyperengineering/possync/internal/types"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxRetries = 3
	DefaultRetention  = 7 * 24 * time.Hour
	DefaultBatchSize  = 100
)

// Backend is the part of the remote API a drain needs.
type Backend interface {
	CheckSynced(ctx context.Context, offlineID string) (*backend.SyncStatus, error)
	Submit(ctx context.Context, kind types.WriteKind, offlineID string, doc json.RawMessage) (*backend.SubmitResult, error)
}

// Config tunes a Drainer.
type Config struct {
	MaxRetries int
	Retention  time.Duration
	BatchSize  int
	// SkipPreCheck disables the duplicate pre-check.
	SkipPreCheck bool
	// Observer, when set, is called once at the end of every pass, before
	// the result is handed to the callers that shared it.
	Observer func(types.DrainResult, error)
}

// Drainer runs drain passes. Overlapping Drain calls share one pass.
type Drainer struct {
	queue   store.Queue
	backend Backend
	cfg     Config
	group   singleflight.Group
	logger  *slog.Logger
	now     func() time.Time
}

// NewDrainer creates a Drainer. Zero config fields take defaults.
func NewDrainer(q store.Queue, b Backend, cfg Config, logger *slog.Logger) *Drainer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		queue:   q,
		backend: b,
		cfg:     cfg,
		logger:  logger.With("component", "outbox"),
		now:     time.Now,
	}
}

// Drain runs one pass over the queue. A call made while a pass is running
// waits for that pass and receives its result; shared reports whether the
// result came from another caller's pass.
func (d *Drainer) Drain(ctx context.Context) (result types.DrainResult, shared bool, err error) {
	v, err, shared := d.group.Do("drain", func() (any, error) {
		res, err := d.pass(ctx)
		if d.cfg.Observer != nil {
			d.cfg.Observer(res, err)
		}
		return res, err
	})
	if v != nil {
		result = v.(types.DrainResult)
	}
	return result, shared, err
}

func (d *Drainer) pass(ctx context.Context) (types.DrainResult, error) {
	start := time.Now()
	res := types.DrainResult{StartedAt: d.now().UTC()}

	requeued, err := d.queue.RequeueInterrupted(ctx)
	if err != nil {
		return res, fmt.Errorf("requeue interrupted: %w", err)
	}
	if requeued > 0 {
		d.logger.Info("requeued interrupted writes", "action", "requeue", "count", requeued)
	}

	// Rows are walked by ascending local id so each is taken at most once
	// per pass; a retryable failure waits for the next pass.
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return d.finish(ctx, res, start), err
		}
		batch, err := d.queue.ListWrites(ctx, types.QueueFilter{
			Status:  types.StatusPending,
			AfterID: cursor,
			Limit:   d.cfg.BatchSize,
		})
		if err != nil {
			return d.finish(ctx, res, start), fmt.Errorf("list pending: %w", err)
		}
		for _, w := range batch {
			cursor = w.LocalID
			d.process(ctx, w, &res)
		}
		if len(batch) < d.cfg.BatchSize {
			break
		}
	}

	return d.finish(ctx, res, start), nil
}

func (d *Drainer) finish(ctx context.Context, res types.DrainResult, start time.Time) types.DrainResult {
	pruned, err := d.queue.PruneSynced(ctx, d.now().Add(-d.cfg.Retention))
	if err != nil {
		d.logger.Warn("prune failed", "action", "prune", "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("prune: %v", err))
	}
	res.Pruned = pruned
	res.Duration = time.Since(start)

	d.logger.Info("drain complete",
		"action", "drain",
		"attempted", res.Attempted,
		"synced", res.Synced,
		"duplicates", res.Duplicates,
		"retrying", res.Retrying,
		"failed", res.Failed,
		"pruned", res.Pruned,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res
}

// process moves one write through syncing to synced, pending or failed.
func (d *Drainer) process(ctx context.Context, w types.QueuedWrite, res *types.DrainResult) {
	logger := d.logger.With("local_id", w.LocalID, "offline_id", w.OfflineID, "kind", w.Kind)

	if err := d.queue.MarkSyncing(ctx, w.LocalID); err != nil {
		// Deleted or claimed since listing.
		logger.Debug("skipping write", "error", err)
		return
	}
	res.Attempted++

	// The pre-check covers a crash between remote commit and the local
	// synced mark. It is best effort: when it fails the submission goes
	// ahead and the backend's own dedup answers instead.
	if !d.cfg.SkipPreCheck {
		status, err := d.backend.CheckSynced(ctx, w.OfflineID)
		switch {
		case err != nil:
			logger.Warn("pre-check failed, submitting anyway", "action", "precheck", "error", err)
		case status.Synced && status.RemoteID != "":
			d.markSynced(ctx, logger, w, status.RemoteID, true, res)
			return
		}
	}

	result, err := d.backend.Submit(ctx, w.Kind, w.OfflineID, w.Payload)
	if err != nil {
		d.recordFailure(ctx, logger, w, err, res)
		return
	}
	d.markSynced(ctx, logger, w, result.Name, result.Duplicate, res)
}

func (d *Drainer) markSynced(ctx context.Context, logger *slog.Logger, w types.QueuedWrite, remoteID string, duplicate bool, res *types.DrainResult) {
	if err := d.queue.MarkSynced(ctx, w.LocalID, remoteID, duplicate); err != nil {
		// The remote record exists; the next pass's pre-check will find it.
		logger.Error("mark synced failed", "action", "mark_synced", "remote_id", remoteID, "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("%s: mark synced: %v", w.OfflineID, err))
		return
	}
	res.Synced++
	if duplicate {
		res.Duplicates++
	}
	logger.Info("write synced", "action", "synced", "remote_id", remoteID, "duplicate", duplicate)
}

func (d *Drainer) recordFailure(ctx context.Context, logger *slog.Logger, w types.QueuedWrite, cause error, res *types.DrainResult) {
	// Only a rejected document fails at once; everything else counts
	// against the retry ceiling.
	permanent := fault.Is(cause, fault.KindValidation)
	status, err := d.queue.RecordFailure(ctx, w.LocalID, fault.Message(cause), permanent, d.cfg.MaxRetries)
	if err != nil {
		logger.Error("record failure failed", "action", "record_failure", "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("%s: record failure: %v", w.OfflineID, err))
		return
	}
	res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", w.OfflineID, cause))

	if status == types.StatusFailed {
		res.Failed++
		logger.Warn("write failed permanently",
			"action", "failed",
			"retry_count", w.RetryCount+1,
			"error_kind", fault.KindOf(cause),
			"error", cause,
		)
		return
	}
	res.Retrying++
	logger.Info("write will be retried",
		"action", "retry",
		"retry_count", w.RetryCount+1,
		"error", cause,
	)
}
