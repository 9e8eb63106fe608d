package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hyperengineering/possync/internal/bridge"
	"github.com/hyperengineering/possync/internal/connectivity"
	"github.com/hyperengineering/possync/internal/fault"
	"github.com/hyperengineering/possync/internal/protocol"
	"github.com/hyperengineering/possync/internal/types"
)

// Status is the combined view of the terminal.
type Status struct {
	Version      string             `json:"version"`
	Terminal     string             `json:"terminal,omitempty"`
	Offline      bool               `json:"offline"`
	Connectivity connectivity.State `json:"connectivity"`
	Worker       types.WorkerStatus `json:"worker"`
	Bridge       bridge.Health      `json:"bridge"`
}

// Health reports liveness for the health endpoint. It never calls the
// worker.
func (a *Agent) Health() types.HealthResponse {
	h := a.bridge.Health()
	status := "healthy"
	if h.Degraded {
		status = "degraded"
	}
	return types.HealthResponse{Status: status, Version: a.version, Terminal: h.TerminalID}
}

// Status gathers connectivity, worker and bridge state.
func (a *Agent) Status(ctx context.Context) (*Status, error) {
	var ws types.WorkerStatus
	if err := a.bridge.CallInto(ctx, protocol.TypeStatus, nil, &ws); err != nil {
		return nil, err
	}
	snap := a.conn.Snapshot()
	h := a.bridge.Health()
	return &Status{
		Version:      a.version,
		Terminal:     h.TerminalID,
		Offline:      snap.Offline(),
		Connectivity: snap,
		Worker:       ws,
		Bridge:       h,
	}, nil
}

// Offline reports the effective offline flag.
func (a *Agent) Offline() bool { return a.conn.Offline() }

// Connectivity returns a copy of the connectivity state.
func (a *Agent) Connectivity() connectivity.State { return a.conn.Snapshot() }

// SetManualOverride forces the terminal offline while on.
func (a *Agent) SetManualOverride(on bool) { a.conn.SetManualOverride(on) }

// SetNetworkReachable records the host's view of the network.
func (a *Agent) SetNetworkReachable(up bool) { a.conn.SetNetworkReachable(up) }

// SetVisible switches the probe cadence between the visible and hidden
// intervals.
func (a *Agent) SetVisible(visible bool) { a.conn.SetVisible(visible) }

// Enqueue queues an invoice or payment. An empty offlineID is taken from
// the document, or generated. When the terminal is online a drain starts
// right away.
func (a *Agent) Enqueue(ctx context.Context, kind types.WriteKind, offlineID string, doc json.RawMessage) (*protocol.EnqueueResult, error) {
	if offlineID == "" {
		offlineID = documentOfflineID(doc)
	}
	if offlineID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "enqueue", err)
		}
		offlineID = id.String()
	}

	var res protocol.EnqueueResult
	req := protocol.EnqueueRequest{Kind: kind, OfflineID: offlineID, Document: doc}
	if err := a.bridge.CallInto(ctx, protocol.TypeQueueEnqueue, req, &res); err != nil {
		return nil, err
	}
	if res.Created && !a.conn.Offline() {
		a.drainInBackground(a.lifetime(), "enqueue")
	}
	return &res, nil
}

func documentOfflineID(doc json.RawMessage) string {
	var probe struct {
		OfflineID string `json:"offline_id"`
	}
	if json.Unmarshal(doc, &probe) != nil {
		return ""
	}
	return probe.OfflineID
}

// ListQueue lists queued writes.
func (a *Agent) ListQueue(ctx context.Context, filter types.QueueFilter) ([]types.QueuedWrite, error) {
	writes := []types.QueuedWrite{}
	if err := a.bridge.CallInto(ctx, protocol.TypeQueueList, filter, &writes); err != nil {
		return nil, err
	}
	return writes, nil
}

// QueueStats counts queued writes by status.
func (a *Agent) QueueStats(ctx context.Context) (types.QueueStats, error) {
	var stats types.QueueStats
	err := a.bridge.CallInto(ctx, protocol.TypeQueueStats, nil, &stats)
	return stats, err
}

// GetWrite returns one queued write.
func (a *Agent) GetWrite(ctx context.Context, localID int64) (*types.QueuedWrite, error) {
	var w *types.QueuedWrite
	if err := a.bridge.CallInto(ctx, protocol.TypeQueueGet, protocol.IDRequest{LocalID: localID}, &w); err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fault.New(fault.KindNotFound, "queue_get", fmt.Sprintf("write %d not found", localID))
	}
	return w, nil
}

// RetryWrite puts a failed write back in the queue and drains when online.
func (a *Agent) RetryWrite(ctx context.Context, localID int64) (*types.QueuedWrite, error) {
	var w types.QueuedWrite
	if err := a.bridge.CallInto(ctx, protocol.TypeQueueRetry, protocol.IDRequest{LocalID: localID}, &w); err != nil {
		return nil, err
	}
	if !a.conn.Offline() {
		a.drainInBackground(a.lifetime(), "manual_retry")
	}
	return &w, nil
}

// DeleteWrite removes a write that has not been synced.
func (a *Agent) DeleteWrite(ctx context.Context, localID int64) error {
	_, err := a.bridge.Call(ctx, protocol.TypeQueueDelete, protocol.IDRequest{LocalID: localID})
	return err
}

// Sync runs one drain pass now. Overlapping calls share the pass.
func (a *Agent) Sync(ctx context.Context) (types.DrainResult, error) {
	var res types.DrainResult
	err := a.bridge.CallInto(ctx, protocol.TypeSyncDrain, nil, &res)
	return res, err
}

// CacheList lists a reference table. Unfiltered listings are served from
// memory, loading the table on first use.
func (a *Agent) CacheList(ctx context.Context, table string, filter types.CacheFilter) ([]types.CachedEntity, error) {
	if filter == (types.CacheFilter{}) {
		if entities, ok := a.memory.List(table); ok {
			return entities, nil
		}
		return a.loadTable(ctx, table)
	}
	entities := []types.CachedEntity{}
	err := a.bridge.CallInto(ctx, protocol.TypeCacheList, protocol.CacheListRequest{Table: table, Filter: filter}, &entities)
	return entities, err
}

// CacheGet returns one reference entity.
func (a *Agent) CacheGet(ctx context.Context, table, key string) (*types.CachedEntity, error) {
	if _, err := a.CacheList(ctx, table, types.CacheFilter{}); err != nil {
		return nil, err
	}
	if e, found, loaded := a.memory.Get(table, key); loaded {
		if !found {
			return nil, fault.New(fault.KindNotFound, "cache_get", fmt.Sprintf("%s/%s not found", table, key))
		}
		return &e, nil
	}

	// Not kept in memory (degraded, or reset meanwhile): ask the worker.
	var e *types.CachedEntity
	if err := a.bridge.CallInto(ctx, protocol.TypeCacheGet, protocol.CacheGetRequest{Table: table, Key: key}, &e); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fault.New(fault.KindNotFound, "cache_get", fmt.Sprintf("%s/%s not found", table, key))
	}
	return e, nil
}

func (a *Agent) loadTable(ctx context.Context, table string) ([]types.CachedEntity, error) {
	gen := a.memory.Generation()
	entities := []types.CachedEntity{}
	err := a.bridge.CallInto(ctx, protocol.TypeCacheList, protocol.CacheListRequest{Table: table}, &entities)
	if err != nil {
		return nil, err
	}
	// Degraded defaults are not data.
	if !a.bridge.Health().Degraded {
		a.memory.Put(gen, table, entities)
	}
	return entities, nil
}

// CacheStatus reports freshness per reference table.
func (a *Agent) CacheStatus(ctx context.Context) (types.CacheStatus, error) {
	var status types.CacheStatus
	err := a.bridge.CallInto(ctx, protocol.TypeCacheStatus, nil, &status)
	return status, err
}

// RefreshCache reloads reference tables from the backend; no tables means
// all of them.
func (a *Agent) RefreshCache(ctx context.Context, tables []string) (types.RefreshResult, error) {
	var res types.RefreshResult
	err := a.bridge.CallInto(ctx, protocol.TypeCacheRefresh, protocol.CacheRefreshRequest{Tables: tables}, &res)
	a.memory.Reset()
	return res, err
}

// ClearCache empties reference tables, and the queue or settings when
// asked.
func (a *Agent) ClearCache(ctx context.Context, opts types.ClearOptions) error {
	_, err := a.bridge.Call(ctx, protocol.TypeCacheClear, opts)
	a.memory.Reset()
	return err
}

// Snapshot exports a support copy of the database, uploading it when
// asked and configured.
func (a *Agent) Snapshot(ctx context.Context, upload bool) (protocol.SnapshotResult, error) {
	var res protocol.SnapshotResult
	err := a.bridge.CallInto(ctx, protocol.TypeSnapshotExport, protocol.SnapshotRequest{Upload: upload}, &res)
	return res, err
}

// Setting reads a persistent setting. ok is false when it is not set.
func (a *Agent) Setting(ctx context.Context, key string) (value string, ok bool, err error) {
	var res *protocol.SettingResult
	if err := a.bridge.CallInto(ctx, protocol.TypeSettingGet, protocol.SettingRequest{Key: key}, &res); err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.Value, true, nil
}

// SetSetting writes a persistent setting.
func (a *Agent) SetSetting(ctx context.Context, key, value string) error {
	_, err := a.bridge.Call(ctx, protocol.TypeSettingSet, protocol.SettingRequest{Key: key, Value: value})
	return err
}
