package bridge

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/hyperengineering/possync/internal/backend"
	"github.com/hyperengineering/possync/internal/protocol"
	"github.com/hyperengineering/possync/internal/store"
	"github.com/hyperengineering/possync/internal/types"
	"github.com/hyperengineering/possync/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acceptAll struct{}

func (acceptAll) CheckSynced(ctx context.Context, offlineID string) (*backend.SyncStatus, error) {
	return &backend.SyncStatus{}, nil
}

func (acceptAll) Submit(ctx context.Context, kind types.WriteKind, offlineID string, doc json.RawMessage) (*backend.SubmitResult, error) {
	return &backend.SubmitResult{Name: "ACC-" + offlineID[:8], OfflineID: offlineID}, nil
}

func (acceptAll) FetchReference(ctx context.Context, table string) ([]types.ReferenceEntry, error) {
	return nil, nil
}

func TestInprocLauncher_RoundTripAndRestart(t *testing.T) {
	srv, err := worker.New(worker.Config{
		Store:   store.Options{Path: filepath.Join(t.TempDir(), "pos.db")},
		Backend: acceptAll{},
	})
	require.NoError(t, err)

	l := &InprocLauncher{Server: srv}
	b := New(l, testConfig())
	defer b.Close()

	ctx := context.Background()
	id, err := uuid.NewV7()
	require.NoError(t, err)

	var enq protocol.EnqueueResult
	require.NoError(t, b.CallInto(ctx, protocol.TypeQueueEnqueue, protocol.EnqueueRequest{
		Kind:      types.KindInvoice,
		OfflineID: id.String(),
		Document:  json.RawMessage(`{"customer":"Walk-in","posting_date":"2026-10-18","items":[{"item_code":"SKU-1","qty":1,"rate":5}],"grand_total":5}`),
	}, &enq))
	assert.True(t, enq.Created)

	// Given: the worker connection is torn down
	b.mu.Lock()
	cur := b.cur
	b.mu.Unlock()
	require.NotNil(t, cur)
	b.crash(cur, "test teardown")

	// When: the next call arrives
	var stats types.QueueStats
	require.NoError(t, b.CallInto(ctx, protocol.TypeQueueStats, nil, &stats))

	// Then: a fresh session reopened the same store
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, 1, b.Health().Restarts)
}
