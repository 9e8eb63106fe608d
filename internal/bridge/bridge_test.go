package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/possync/internal/fault"
	"github.com/hyperengineering/possync/internal/protocol"
	"github.com/hyperengineering/possync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorkers launches scripted workers over in-memory pipes.
type fakeWorkers struct {
	mu       sync.Mutex
	launches int
	requests []protocol.Message

	// silent reports whether the nth launch withholds READY.
	silent func(n int) bool
	// handle answers a request; returning without replying leaves the
	// call waiting.
	handle func(n int, conn *protocol.Conn, msg protocol.Message)
}

func (f *fakeWorkers) Launch(ctx context.Context) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	f.launches++
	n := f.launches
	f.mu.Unlock()

	agentEnd, workerEnd := net.Pipe()
	conn := protocol.NewConn(workerEnd)
	go func() {
		defer conn.Close()
		if f.silent == nil || !f.silent(n) {
			if err := conn.Emit(protocol.TypeReady, protocol.ReadyPayload{SchemaVersion: 1}); err != nil {
				return
			}
		}
		for {
			msg, err := conn.Receive()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.requests = append(f.requests, msg)
			f.mu.Unlock()
			if f.handle != nil {
				f.handle(n, conn, msg)
			}
		}
	}()
	return agentEnd, nil
}

func (f *fakeWorkers) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

func (f *fakeWorkers) received() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.requests...)
}

func pong(n int, conn *protocol.Conn, msg protocol.Message) {
	_ = conn.Reply(msg.ID, map[string]string{"message": "pong"})
}

func testConfig() Config {
	return Config{
		HandshakeTimeout: time.Second,
		CallTimeout:      time.Second,
		HangTimeout:      time.Minute,
		LivenessInterval: time.Hour,
		MaxRestarts:      3,
		RestartDelay:     10 * time.Millisecond,
		RetryDelay:       5 * time.Millisecond,
	}
}

func newBridge(t *testing.T, f *fakeWorkers, cfg Config) *Bridge {
	t.Helper()
	b := New(f, cfg)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBridge_LazyStart(t *testing.T) {
	f := &fakeWorkers{handle: pong}
	b := newBridge(t, f, testConfig())

	assert.Equal(t, 0, f.launchCount(), "worker must not start before the first call")

	raw, err := b.Call(context.Background(), protocol.TypePing, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"pong"}`, string(raw))
	assert.Equal(t, 1, f.launchCount())

	h := b.Health()
	assert.True(t, h.Running)
	assert.Equal(t, 1, h.SchemaVersion)
}

func TestBridge_RetryResendsOriginalPayload(t *testing.T) {
	f := &fakeWorkers{}
	var tries int
	f.handle = func(n int, conn *protocol.Conn, msg protocol.Message) {
		tries++
		if tries < 3 {
			_ = conn.ReplyError(msg.ID, fault.New(fault.KindTransientNetwork, "submit", "connection refused"))
			return
		}
		_ = conn.Reply(msg.ID, map[string]bool{"created": true})
	}
	b := newBridge(t, f, testConfig())

	req := protocol.EnqueueRequest{Kind: types.KindInvoice, OfflineID: "0192a4c8-0000-7000-8000-000000000001", Document: json.RawMessage(`{"customer":"C"}`)}
	raw, err := b.Call(context.Background(), protocol.TypeQueueEnqueue, req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"created":true}`, string(raw))

	got := f.received()
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, string(got[0].Payload), string(got[i].Payload), "resend must carry the original payload")
		assert.Greater(t, got[i].ID, got[i-1].ID, "resends use fresh ids")
	}
}

func TestBridge_NonRetryableFailsImmediately(t *testing.T) {
	tests := []struct {
		name string
		kind fault.Kind
	}{
		{"validation", fault.KindValidation},
		{"storage quota", fault.KindStorageQuota},
		{"not found", fault.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeWorkers{handle: func(n int, conn *protocol.Conn, msg protocol.Message) {
				_ = conn.ReplyError(msg.ID, fault.New(tt.kind, "op", "rejected"))
			}}
			b := newBridge(t, f, testConfig())

			_, err := b.Call(context.Background(), protocol.TypeQueueEnqueue, map[string]string{"x": "y"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, fault.KindOf(err))
			assert.Len(t, f.received(), 1)
		})
	}
}

func TestBridge_RetryCeilingPerType(t *testing.T) {
	tests := []struct {
		typ          protocol.Type
		wantAttempts int
	}{
		{protocol.TypeSyncDrain, 2},
		{protocol.TypeCacheRefresh, 3},
		{protocol.TypeQueueStats, 4},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			f := &fakeWorkers{handle: func(n int, conn *protocol.Conn, msg protocol.Message) {
				_ = conn.ReplyError(msg.ID, fault.New(fault.KindTransientNetwork, "op", "backend down"))
			}}
			b := newBridge(t, f, testConfig())

			_, err := b.Call(context.Background(), tt.typ, nil)
			require.Error(t, err)
			assert.Equal(t, fault.KindTransientNetwork, fault.KindOf(err))
			assert.Contains(t, err.Error(), "gave up")
			assert.Len(t, f.received(), tt.wantAttempts)
		})
	}
}

func TestBridge_TimeoutIsRetried(t *testing.T) {
	f := &fakeWorkers{}
	var tries int
	f.handle = func(n int, conn *protocol.Conn, msg protocol.Message) {
		tries++
		if tries == 1 {
			return
		}
		pong(n, conn, msg)
	}
	cfg := testConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	b := newBridge(t, f, cfg)

	_, err := b.Call(context.Background(), protocol.TypePing, nil)
	require.NoError(t, err)
	assert.Len(t, f.received(), 2)
}

func TestBridge_CrashRestartsAndRetries(t *testing.T) {
	f := &fakeWorkers{handle: func(n int, conn *protocol.Conn, msg protocol.Message) {
		if n == 1 {
			_ = conn.Emit(protocol.TypeCrash, protocol.CrashPayload{Reason: "boom"})
			return
		}
		pong(n, conn, msg)
	}}
	b := newBridge(t, f, testConfig())
	events, stop := b.Subscribe(16)
	defer stop()

	_, err := b.Call(context.Background(), protocol.TypePing, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.launchCount())

	h := b.Health()
	assert.Equal(t, 1, h.Restarts)
	assert.Contains(t, h.LastCrash, "boom")

	sawCrash := false
	for !sawCrash {
		select {
		case msg := <-events:
			sawCrash = msg.Type == protocol.TypeCrash
		case <-time.After(time.Second):
			t.Fatal("CRASH event not delivered")
		}
	}
}

func TestBridge_IsolatedCrashesDoNotDegrade(t *testing.T) {
	// Each worker answers one call and crashes on the next
	var mu sync.Mutex
	answered := map[int]bool{}
	f := &fakeWorkers{handle: func(n int, conn *protocol.Conn, msg protocol.Message) {
		mu.Lock()
		first := !answered[n]
		answered[n] = true
		mu.Unlock()
		if first {
			pong(n, conn, msg)
			return
		}
		_ = conn.Emit(protocol.TypeCrash, protocol.CrashPayload{Reason: "isolated"})
	}}
	cfg := testConfig()
	cfg.MaxRestarts = 3
	b := newBridge(t, f, cfg)

	// When: more crashes happen over time than the restart budget allows
	for i := 0; i < 8; i++ {
		_, err := b.Call(context.Background(), protocol.TypePing, nil)
		require.NoError(t, err, "call %d", i)
	}

	// Then: every crash was followed by a healthy worker, so none degrade
	h := b.Health()
	assert.False(t, h.Degraded)
	assert.Equal(t, 7, h.Restarts)
	assert.Equal(t, 8, f.launchCount())
}

func TestBridge_CrashLoopStillDegrades(t *testing.T) {
	// Workers reach READY but crash before answering anything
	f := &fakeWorkers{handle: func(n int, conn *protocol.Conn, msg protocol.Message) {
		_ = conn.Emit(protocol.TypeCrash, protocol.CrashPayload{Reason: "init"})
	}}
	cfg := testConfig()
	cfg.MaxRestarts = 2
	b := newBridge(t, f, cfg)

	_, err := b.Call(context.Background(), protocol.TypeQueueEnqueue, map[string]string{"kind": "invoice"})
	require.Error(t, err)

	require.Eventually(t, func() bool { return b.Health().Degraded }, 2*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, f.launchCount(), 3)
}

func TestBridge_HandshakeTimeoutDegrades(t *testing.T) {
	f := &fakeWorkers{silent: func(int) bool { return true }}
	cfg := testConfig()
	cfg.HandshakeTimeout = 30 * time.Millisecond
	cfg.MaxRestarts = 1
	b := newBridge(t, f, cfg)

	// Read-style calls get their defaults
	raw, err := b.Call(context.Background(), protocol.TypeQueueList, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
	assert.Equal(t, 2, f.launchCount(), "one start plus one restart")

	var status types.WorkerStatus
	require.NoError(t, b.CallInto(context.Background(), protocol.TypeStatus, nil, &status))
	assert.False(t, status.Ready)

	// Write-style calls fail distinguishably
	_, err = b.Call(context.Background(), protocol.TypeQueueEnqueue, map[string]string{"kind": "invoice"})
	require.Error(t, err)
	assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))

	_, err = b.Call(context.Background(), protocol.TypePing, nil)
	assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))

	assert.True(t, b.Health().Degraded)
	assert.Equal(t, 2, f.launchCount(), "degraded bridge never restarts again")
}

func TestBridge_LivenessDetectsHungWorker(t *testing.T) {
	f := &fakeWorkers{handle: func(int, *protocol.Conn, protocol.Message) {}}
	cfg := testConfig()
	cfg.CallTimeout = 5 * time.Second
	cfg.HangTimeout = 50 * time.Millisecond
	cfg.LivenessInterval = 10 * time.Millisecond
	cfg.MaxRestarts = 0
	b := newBridge(t, f, cfg)

	start := time.Now()
	var status types.WorkerStatus
	require.NoError(t, b.CallInto(context.Background(), protocol.TypeStatus, nil, &status))

	assert.False(t, status.Ready)
	assert.Less(t, time.Since(start), cfg.CallTimeout, "hang must be detected before the call timeout")
	assert.True(t, b.Health().Degraded)
	assert.Contains(t, b.Health().LastCrash, "silent")
}

func TestBridge_EventsFanOut(t *testing.T) {
	f := &fakeWorkers{handle: func(n int, conn *protocol.Conn, msg protocol.Message) {
		_ = conn.Emit(protocol.TypeSyncCompleted, types.DrainResult{Synced: 2})
		_ = conn.Reply(msg.ID, types.DrainResult{Synced: 2})
	}}
	b := newBridge(t, f, testConfig())

	first, stopFirst := b.Subscribe(8)
	defer stopFirst()
	second, stopSecond := b.Subscribe(8)
	defer stopSecond()

	_, err := b.Call(context.Background(), protocol.TypeSyncDrain, nil)
	require.NoError(t, err)

	for _, ch := range []<-chan protocol.Message{first, second} {
		deadline := time.After(time.Second)
		for found := false; !found; {
			select {
			case msg := <-ch:
				found = msg.Type == protocol.TypeSyncCompleted
			case <-deadline:
				t.Fatal("SYNC_COMPLETED not delivered to every subscriber")
			}
		}
	}
}

func TestBridge_CallerDeadline(t *testing.T) {
	f := &fakeWorkers{handle: func(int, *protocol.Conn, protocol.Message) {}}
	b := newBridge(t, f, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := b.Call(ctx, protocol.TypeQueueStats, nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBridge_Close(t *testing.T) {
	f := &fakeWorkers{handle: pong}
	b := New(f, testConfig())
	_, err := b.Call(context.Background(), protocol.TypePing, nil)
	require.NoError(t, err)

	events, stop := b.Subscribe(1)
	require.NoError(t, b.Close())
	stop()

	_, err = b.Call(context.Background(), protocol.TypePing, nil)
	assert.ErrorIs(t, err, ErrClosed)

	_, open := <-events
	assert.False(t, open, "subscriptions end on close")
	assert.NoError(t, b.Close(), "second close is a no-op")
}

func TestRetryCeiling(t *testing.T) {
	assert.Equal(t, 1, RetryCeiling(protocol.TypeSyncDrain))
	assert.Equal(t, 2, RetryCeiling(protocol.TypeCacheRefresh))
	assert.Equal(t, DefaultRetryCeiling, RetryCeiling(protocol.TypeQueueEnqueue))
}
