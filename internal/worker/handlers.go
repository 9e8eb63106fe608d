package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/possync/internal/fault"
	"github.com/hyperengineering/possync/internal/protocol"
	"github.com/hyperengineering/possync/internal/store"
	"github.com/hyperengineering/possync/internal/types"
	"github.com/hyperengineering/possync/internal/validation"
)

func (sess *session) dispatch(ctx context.Context, msg protocol.Message) (any, error) {
	switch msg.Type {
	case protocol.TypePing:
		return map[string]string{"message": "pong"}, nil
	case protocol.TypeStatus:
		return sess.status(ctx)
	case protocol.TypeQueueEnqueue:
		return sess.enqueue(ctx, msg)
	case protocol.TypeQueueGet:
		return sess.queueGet(ctx, msg)
	case protocol.TypeQueueList:
		return sess.queueList(ctx, msg)
	case protocol.TypeQueueStats:
		stats, err := sess.store.QueueStats(ctx)
		return stats, store.Fault("queue_stats", err)
	case protocol.TypeQueueRetry:
		return sess.queueRetry(ctx, msg)
	case protocol.TypeQueueDelete:
		return sess.queueDelete(ctx, msg)
	case protocol.TypeSyncDrain:
		return sess.drain(ctx)
	case protocol.TypeCacheRefresh:
		return sess.cacheRefresh(ctx, msg)
	case protocol.TypeCacheGet:
		return sess.cacheGet(ctx, msg)
	case protocol.TypeCacheList:
		return sess.cacheList(ctx, msg)
	case protocol.TypeCacheStatus:
		status, err := sess.store.CacheStatus(ctx)
		return status, store.Fault("cache_status", err)
	case protocol.TypeCacheClear:
		return sess.cacheClear(ctx, msg)
	case protocol.TypeSettingGet:
		return sess.settingGet(ctx, msg)
	case protocol.TypeSettingSet:
		return sess.settingSet(ctx, msg)
	case protocol.TypeSnapshotExport:
		return sess.snapshotExport(ctx, msg)
	}
	return nil, fault.New(fault.KindValidation, "dispatch", fmt.Sprintf("unknown message type %q", msg.Type))
}

// decode unmarshals a request payload, classifying failures as validation.
func decode(msg protocol.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return fault.Wrap(fault.KindValidation, string(msg.Type), err)
	}
	return nil
}

func (sess *session) status(ctx context.Context) (types.WorkerStatus, error) {
	stats, err := sess.store.QueueStats(ctx)
	if err != nil {
		return types.WorkerStatus{}, store.Fault("status", err)
	}
	return types.WorkerStatus{
		Ready:         true,
		SchemaVersion: sess.store.SchemaVersion(),
		Queue:         stats,
		Draining:      sess.draining.Load(),
		LastDrain:     sess.lastDrain.Load(),
	}, nil
}

func (sess *session) enqueue(ctx context.Context, msg protocol.Message) (protocol.EnqueueResult, error) {
	var req protocol.EnqueueRequest
	if err := decode(msg, &req); err != nil {
		return protocol.EnqueueResult{}, err
	}

	var c validation.Collector
	c.Add(validation.ValidateEnum("kind", string(req.Kind), []string{string(types.KindInvoice), string(types.KindPayment)}))
	c.Add(validation.ValidateUUID("offline_id", req.OfflineID))
	if c.HasErrors() {
		return protocol.EnqueueResult{}, fault.New(fault.KindValidation, "enqueue", validation.Summary(c.Errors()))
	}
	if errs := sess.srv.validator.Validate(req.Kind, req.Document); len(errs) > 0 {
		return protocol.EnqueueResult{}, fault.New(fault.KindValidation, "enqueue", validation.Summary(errs))
	}

	w, created, err := sess.store.Enqueue(ctx, req)
	if err != nil {
		return protocol.EnqueueResult{}, store.Fault("enqueue", err)
	}
	if created {
		sess.logger.Info("write queued",
			"action", "enqueue",
			"local_id", w.LocalID,
			"offline_id", w.OfflineID,
			"kind", w.Kind,
		)
	}
	return protocol.EnqueueResult{Write: w, Created: created}, nil
}

func (sess *session) queueGet(ctx context.Context, msg protocol.Message) (*types.QueuedWrite, error) {
	var req protocol.IDRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	w, err := sess.store.GetWrite(ctx, req.LocalID)
	return w, store.Fault("queue_get", err)
}

func (sess *session) queueList(ctx context.Context, msg protocol.Message) ([]types.QueuedWrite, error) {
	var filter types.QueueFilter
	if len(msg.Payload) > 0 {
		if err := decode(msg, &filter); err != nil {
			return nil, err
		}
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fault.New(fault.KindValidation, "queue_list", fmt.Sprintf("unknown status %q", filter.Status))
	}
	writes, err := sess.store.ListWrites(ctx, filter)
	if err != nil {
		return nil, store.Fault("queue_list", err)
	}
	if writes == nil {
		writes = []types.QueuedWrite{}
	}
	return writes, nil
}

func (sess *session) queueRetry(ctx context.Context, msg protocol.Message) (*types.QueuedWrite, error) {
	var req protocol.IDRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	w, err := sess.store.RetryWrite(ctx, req.LocalID)
	if err != nil {
		return nil, store.Fault("queue_retry", err)
	}
	sess.logger.Info("write requeued by user", "action", "manual_retry", "local_id", w.LocalID)
	return w, nil
}

func (sess *session) queueDelete(ctx context.Context, msg protocol.Message) (any, error) {
	var req protocol.IDRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if err := sess.store.DeleteWrite(ctx, req.LocalID); err != nil {
		return nil, store.Fault("queue_delete", err)
	}
	sess.logger.Info("write deleted by user", "action", "delete", "local_id", req.LocalID)
	return req, nil
}

func (sess *session) drain(ctx context.Context) (types.DrainResult, error) {
	sess.draining.Store(true)
	defer sess.draining.Store(false)

	res, shared, err := sess.drainer.Drain(ctx)
	if err != nil {
		return res, store.Fault("sync_drain", err)
	}
	if shared {
		sess.logger.Debug("drain request joined a running pass")
	}
	return res, nil
}

func (sess *session) cacheRefresh(ctx context.Context, msg protocol.Message) (types.RefreshResult, error) {
	var req protocol.CacheRefreshRequest
	if len(msg.Payload) > 0 {
		if err := decode(msg, &req); err != nil {
			return types.RefreshResult{}, err
		}
	}
	res, err := sess.refresher.Refresh(ctx, req.Tables)
	return res, store.Fault("cache_refresh", err)
}

func (sess *session) cacheGet(ctx context.Context, msg protocol.Message) (*types.CachedEntity, error) {
	var req protocol.CacheGetRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	e, err := sess.store.GetCached(ctx, req.Table, req.Key)
	return e, store.Fault("cache_get", err)
}

func (sess *session) cacheList(ctx context.Context, msg protocol.Message) ([]types.CachedEntity, error) {
	var req protocol.CacheListRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	entities, err := sess.store.ListCached(ctx, req.Table, req.Filter)
	return entities, store.Fault("cache_list", err)
}

func (sess *session) cacheClear(ctx context.Context, msg protocol.Message) (types.ClearOptions, error) {
	var opts types.ClearOptions
	if len(msg.Payload) > 0 {
		if err := decode(msg, &opts); err != nil {
			return opts, err
		}
	}
	if err := sess.store.ClearCache(ctx, opts); err != nil {
		return opts, store.Fault("cache_clear", err)
	}
	sess.logger.Info("cache cleared",
		"action", "cache_clear",
		"tables", opts.Tables,
		"include_queue", opts.IncludeQueue,
		"include_settings", opts.IncludeSettings,
	)
	return opts, nil
}

func (sess *session) settingGet(ctx context.Context, msg protocol.Message) (*protocol.SettingResult, error) {
	var req protocol.SettingRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	value, err := sess.store.GetSetting(ctx, req.Key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Fault("setting_get", err)
	}
	return &protocol.SettingResult{Key: req.Key, Value: value}, nil
}

func (sess *session) settingSet(ctx context.Context, msg protocol.Message) (protocol.SettingResult, error) {
	var req protocol.SettingRequest
	if err := decode(msg, &req); err != nil {
		return protocol.SettingResult{}, err
	}
	if req.Key == "" || req.Key == store.HealthKey {
		return protocol.SettingResult{}, fault.New(fault.KindValidation, "setting_set", fmt.Sprintf("invalid setting key %q", req.Key))
	}
	if err := sess.store.SetSetting(ctx, req.Key, req.Value); err != nil {
		return protocol.SettingResult{}, store.Fault("setting_set", err)
	}
	return protocol.SettingResult{Key: req.Key, Value: req.Value}, nil
}

func (sess *session) snapshotExport(ctx context.Context, msg protocol.Message) (protocol.SnapshotResult, error) {
	var req protocol.SnapshotRequest
	if len(msg.Payload) > 0 {
		if err := decode(msg, &req); err != nil {
			return protocol.SnapshotResult{}, err
		}
	}
	res, err := sess.exporter.Export(ctx, req.Upload)
	return res, store.Fault("snapshot_export", err)
}
