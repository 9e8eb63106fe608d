package store

import (
	"context"
	"time"

	"github.com/hyperengineering/possync/internal/types"
)

// Queue is the durable work queue of invoices and payments.
type Queue interface {
	Enqueue(ctx context.Context, w types.NewWrite) (*types.QueuedWrite, bool, error)
	GetWrite(ctx context.Context, localID int64) (*types.QueuedWrite, error)
	GetWriteByOfflineID(ctx context.Context, offlineID string) (*types.QueuedWrite, error)
	ListWrites(ctx context.Context, filter types.QueueFilter) ([]types.QueuedWrite, error)
	ListPending(ctx context.Context, limit int) ([]types.QueuedWrite, error)
	MarkSyncing(ctx context.Context, localID int64) error
	MarkSynced(ctx context.Context, localID int64, remoteID string, duplicate bool) error
	RecordFailure(ctx context.Context, localID int64, errText string, permanent bool, maxRetries int) (types.WriteStatus, error)
	RequeueInterrupted(ctx context.Context) (int64, error)
	RetryWrite(ctx context.Context, localID int64) (*types.QueuedWrite, error)
	DeleteWrite(ctx context.Context, localID int64) error
	PruneSynced(ctx context.Context, olderThan time.Time) (int64, error)
	QueueStats(ctx context.Context) (types.QueueStats, error)
}

// Cache holds bulk-replaceable reference data.
type Cache interface {
	ReplaceCache(ctx context.Context, table string, entries []types.ReferenceEntry) (int, error)
	GetCached(ctx context.Context, table, key string) (*types.CachedEntity, error)
	ListCached(ctx context.Context, table string, filter types.CacheFilter) ([]types.CachedEntity, error)
	CacheStatus(ctx context.Context) (types.CacheStatus, error)
	ClearCache(ctx context.Context, opts types.ClearOptions) error
}

// Settings is a key/value store for terminal preferences.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Store is the full persistent store owned by the background worker.
type Store interface {
	Queue
	Cache
	Settings
	HealthCheck(ctx context.Context) error
	Snapshot(ctx context.Context, dest string) error
	SchemaVersion() int
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
