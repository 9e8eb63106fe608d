package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hyperengineering/possync/internal/agent"
	"github.com/hyperengineering/possync/internal/connectivity"
	"github.com/hyperengineering/possync/internal/fault"
	"github.com/hyperengineering/possync/internal/protocol"
	"github.com/hyperengineering/possync/internal/types"
)

// fakeTerminal records calls and returns canned results.
type fakeTerminal struct {
	mu sync.Mutex

	state    connectivity.State
	writes   map[int64]*types.QueuedWrite
	nextID   int64
	settings map[string]string
	cache    map[string][]types.CachedEntity

	lastFilter      types.QueueFilter
	lastCacheFilter types.CacheFilter
	lastClear       types.ClearOptions
	refreshed       []string
	syncErr         error
	events          chan agent.Event
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		state:    connectivity.State{NetworkReachable: true, ServerReachable: true, Visible: true},
		writes:   make(map[int64]*types.QueuedWrite),
		settings: make(map[string]string),
		cache: map[string][]types.CachedEntity{
			"items": {
				{Table: "items", Key: "SKU-1", Data: json.RawMessage(`{"item_code":"SKU-1"}`)},
				{Table: "items", Key: "SKU-2", Data: json.RawMessage(`{"item_code":"SKU-2"}`)},
			},
		},
		events: make(chan agent.Event, 8),
	}
}

func (f *fakeTerminal) Health() types.HealthResponse {
	return types.HealthResponse{Status: "healthy", Terminal: "T-1"}
}

func (f *fakeTerminal) Status(ctx context.Context) (*agent.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &agent.Status{Terminal: "T-1", Offline: f.state.Offline(), Connectivity: f.state}, nil
}

func (f *fakeTerminal) Connectivity() connectivity.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTerminal) SetManualOverride(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.ManualOverride = on
}

func (f *fakeTerminal) SetNetworkReachable(up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.NetworkReachable = up
}

func (f *fakeTerminal) SetVisible(visible bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Visible = visible
}

func (f *fakeTerminal) Enqueue(ctx context.Context, kind types.WriteKind, offlineID string, doc json.RawMessage) (*protocol.EnqueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.writes {
		if w.OfflineID == offlineID {
			return &protocol.EnqueueResult{Write: w, Created: false}, nil
		}
	}
	if strings.Contains(string(doc), `"bad"`) {
		return nil, fault.New(fault.KindValidation, "enqueue", "document: missing items")
	}
	f.nextID++
	w := &types.QueuedWrite{LocalID: f.nextID, Kind: kind, OfflineID: offlineID, Payload: doc, Status: types.StatusPending}
	f.writes[w.LocalID] = w
	return &protocol.EnqueueResult{Write: w, Created: true}, nil
}

func (f *fakeTerminal) ListQueue(ctx context.Context, filter types.QueueFilter) ([]types.QueuedWrite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	var out []types.QueuedWrite
	for _, w := range f.writes {
		out = append(out, *w)
	}
	return out, nil
}

func (f *fakeTerminal) QueueStats(ctx context.Context) (types.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.QueueStats{Pending: int64(len(f.writes))}, nil
}

func (f *fakeTerminal) GetWrite(ctx context.Context, localID int64) (*types.QueuedWrite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.writes[localID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "queue_get", "write not found")
	}
	return w, nil
}

func (f *fakeTerminal) RetryWrite(ctx context.Context, localID int64) (*types.QueuedWrite, error) {
	w, err := f.GetWrite(ctx, localID)
	if err != nil {
		return nil, err
	}
	if w.Status != types.StatusFailed {
		return nil, fault.New(fault.KindValidation, "queue_retry", "write is not failed")
	}
	w.Status = types.StatusPending
	return w, nil
}

func (f *fakeTerminal) DeleteWrite(ctx context.Context, localID int64) error {
	if _, err := f.GetWrite(ctx, localID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.writes, localID)
	return nil
}

func (f *fakeTerminal) Sync(ctx context.Context) (types.DrainResult, error) {
	if f.syncErr != nil {
		return types.DrainResult{}, f.syncErr
	}
	return types.DrainResult{Attempted: 1, Synced: 1}, nil
}

func (f *fakeTerminal) CacheList(ctx context.Context, table string, filter types.CacheFilter) ([]types.CachedEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCacheFilter = filter
	entities, ok := f.cache[table]
	if !ok {
		return nil, fault.New(fault.KindValidation, "cache_list", "unknown table "+table)
	}
	return entities, nil
}

func (f *fakeTerminal) CacheGet(ctx context.Context, table, key string) (*types.CachedEntity, error) {
	entities, err := f.CacheList(ctx, table, types.CacheFilter{})
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if e.Key == key {
			return &e, nil
		}
	}
	return nil, fault.New(fault.KindNotFound, "cache_get", table+"/"+key+" not found")
}

func (f *fakeTerminal) CacheStatus(ctx context.Context) (types.CacheStatus, error) {
	return types.CacheStatus{}, nil
}

func (f *fakeTerminal) RefreshCache(ctx context.Context, tables []string) (types.RefreshResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = tables
	return types.RefreshResult{Tables: map[string]int{"items": 2}}, nil
}

func (f *fakeTerminal) ClearCache(ctx context.Context, opts types.ClearOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastClear = opts
	return nil
}

func (f *fakeTerminal) Snapshot(ctx context.Context, upload bool) (protocol.SnapshotResult, error) {
	res := protocol.SnapshotResult{Path: "/tmp/snap.db", Bytes: 4096}
	if upload {
		expires := time.Date(2026, 10, 18, 10, 30, 0, 0, time.UTC)
		res.Uploaded = true
		res.Key = "T1/support/snap.db"
		res.DownloadURL = "https://snapshots.example.com/T1/support/snap.db"
		res.URLExpiresAt = &expires
	}
	return res, nil
}

func (f *fakeTerminal) Setting(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.settings[key]
	return v, ok, nil
}

func (f *fakeTerminal) SetSetting(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}

func (f *fakeTerminal) Subscribe(buffer int) (<-chan agent.Event, func()) {
	return f.events, func() {}
}

var _ Terminal = (*agent.Agent)(nil)

func newTestRouter(t *testing.T, f *fakeTerminal, apiKey string) http.Handler {
	t.Helper()
	captureLogs(t)
	return NewRouter(NewHandler(f, apiKey, "1.2.3"))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth_PublicWithAuthEnabled(t *testing.T) {
	h := newTestRouter(t, newFakeTerminal(), testAPIKey)

	w := do(t, h, http.MethodGet, "/api/v1/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[types.HealthResponse](t, w)
	if resp.Status != "healthy" || resp.Version != "1.2.3" || resp.Terminal != "T-1" {
		t.Errorf("health = %+v", resp)
	}

	// Everything else needs the key
	if w := do(t, h, http.MethodGet, "/api/v1/status", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want 401", w.Code)
	}
}

func TestSubmit(t *testing.T) {
	f := newFakeTerminal()
	h := newTestRouter(t, f, "")

	// Given: a new invoice
	body := `{"offline_id":"0190-aaaa","document":{"customer":"Walk-in","items":[]}}`

	// When: submitted twice
	first := do(t, h, http.MethodPost, "/api/v1/invoices", body)
	second := do(t, h, http.MethodPost, "/api/v1/invoices", body)

	// Then: the first creates and the second returns the same write
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201: %s", first.Code, first.Body)
	}
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d, want 200", second.Code)
	}
	a := decode[protocol.EnqueueResult](t, first)
	b := decode[protocol.EnqueueResult](t, second)
	if a.Write.LocalID != b.Write.LocalID || b.Created {
		t.Errorf("duplicate submit created a new write: %+v vs %+v", a.Write, b.Write)
	}
	if a.Write.Kind != types.KindInvoice {
		t.Errorf("kind = %s, want invoice", a.Write.Kind)
	}

	pay := do(t, h, http.MethodPost, "/api/v1/payments", `{"document":{"amount":5}}`)
	if pay.Code != http.StatusCreated {
		t.Fatalf("payment status = %d", pay.Code)
	}
	if got := decode[protocol.EnqueueResult](t, pay); got.Write.Kind != types.KindPayment {
		t.Errorf("kind = %s, want payment", got.Write.Kind)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"empty body", "", http.StatusBadRequest, ""},
		{"malformed json", `{"document":`, http.StatusBadRequest, ""},
		{"missing document", `{"offline_id":"x"}`, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"null document", `{"document":null}`, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"document rejected by worker", `{"document":{"bad":true}}`, http.StatusUnprocessableEntity, "validation_failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, newFakeTerminal(), "")

			w := do(t, h, http.MethodPost, "/api/v1/invoices", tt.body)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body)
			}
			if p := decode[Problem](t, w); p.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", p.Code, tt.wantCode)
			}
		})
	}
}

func TestQueue_ListFilterParsing(t *testing.T) {
	f := newFakeTerminal()
	h := newTestRouter(t, f, "")

	w := do(t, h, http.MethodGet, "/api/v1/queue?status=failed&kind=payment&after_id=10&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("empty queue body = %s, want []", body)
	}
	want := types.QueueFilter{Status: types.StatusFailed, Kind: types.KindPayment, AfterID: 10, Limit: 5}
	if f.lastFilter != want {
		t.Errorf("filter = %+v, want %+v", f.lastFilter, want)
	}

	bad := do(t, h, http.MethodGet, "/api/v1/queue?status=lost&limit=-1", "")
	if bad.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad filter status = %d, want 422", bad.Code)
	}
	if p := decode[ProblemWithErrors](t, bad); len(p.Errors) != 2 {
		t.Errorf("errors = %+v, want 2", p.Errors)
	}
}

func TestQueue_GetRetryDelete(t *testing.T) {
	f := newFakeTerminal()
	h := newTestRouter(t, f, "")
	do(t, h, http.MethodPost, "/api/v1/invoices", `{"offline_id":"a","document":{}}`)

	if w := do(t, h, http.MethodGet, "/api/v1/queue/1", ""); w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/queue/99", ""); w.Code != http.StatusNotFound {
		t.Errorf("get missing status = %d, want 404", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/queue/abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("get bad id status = %d, want 400", w.Code)
	}

	// Retrying a pending write is refused
	if w := do(t, h, http.MethodPost, "/api/v1/queue/1/retry", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("retry pending status = %d, want 422", w.Code)
	}
	f.writes[1].Status = types.StatusFailed
	w := do(t, h, http.MethodPost, "/api/v1/queue/1/retry", "")
	if w.Code != http.StatusOK {
		t.Fatalf("retry status = %d", w.Code)
	}
	if got := decode[types.QueuedWrite](t, w); got.Status != types.StatusPending {
		t.Errorf("retried status = %s, want pending", got.Status)
	}

	if w := do(t, h, http.MethodDelete, "/api/v1/queue/1", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/api/v1/queue/1", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestSync(t *testing.T) {
	f := newFakeTerminal()
	h := newTestRouter(t, f, "")

	w := do(t, h, http.MethodPost, "/api/v1/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if res := decode[types.DrainResult](t, w); res.Synced != 1 {
		t.Errorf("result = %+v", res)
	}

	// When the worker is gone the caller sees 503
	f.syncErr = fault.New(fault.KindUnavailable, "bridge", "worker unavailable")
	if w := do(t, h, http.MethodPost, "/api/v1/sync", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unavailable status = %d, want 503", w.Code)
	}
}

func TestConnectivityToggles(t *testing.T) {
	tests := []struct {
		path        string
		body        string
		check       func(connectivity.State) bool
		wantOffline bool
	}{
		{"/api/v1/connectivity/override", `{"on":true}`, func(s connectivity.State) bool { return s.ManualOverride }, true},
		{"/api/v1/connectivity/network", `{"reachable":false}`, func(s connectivity.State) bool { return !s.NetworkReachable }, true},
		{"/api/v1/connectivity/visibility", `{"visible":false}`, func(s connectivity.State) bool { return !s.Visible }, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			f := newFakeTerminal()
			h := newTestRouter(t, f, "")

			w := do(t, h, http.MethodPost, tt.path, tt.body)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", w.Code, w.Body)
			}
			if !tt.check(f.Connectivity()) {
				t.Errorf("state not applied: %+v", f.Connectivity())
			}
			resp := decode[map[string]any](t, w)
			if resp["offline"] != tt.wantOffline {
				t.Errorf("offline = %v, want %v", resp["offline"], tt.wantOffline)
			}

			// The flag is required
			if w := do(t, h, http.MethodPost, tt.path, `{}`); w.Code != http.StatusUnprocessableEntity {
				t.Errorf("empty toggle status = %d, want 422", w.Code)
			}
		})
	}
}

func TestCache(t *testing.T) {
	f := newFakeTerminal()
	h := newTestRouter(t, f, "")

	w := do(t, h, http.MethodGet, "/api/v1/cache/items?field=item_group&value=Beverages&limit=10&offset=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	want := types.CacheFilter{Field: "item_group", Value: "Beverages", Limit: 10, Offset: 2}
	if f.lastCacheFilter != want {
		t.Errorf("filter = %+v, want %+v", f.lastCacheFilter, want)
	}

	if w := do(t, h, http.MethodGet, "/api/v1/cache/items?value=x", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("value without field status = %d, want 422", w.Code)
	}

	w = do(t, h, http.MethodGet, "/api/v1/cache/items/SKU-2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if e := decode[types.CachedEntity](t, w); e.Key != "SKU-2" {
		t.Errorf("key = %s", e.Key)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/cache/items/SKU-404", ""); w.Code != http.StatusNotFound {
		t.Errorf("miss status = %d, want 404", w.Code)
	}

	if w := do(t, h, http.MethodPost, "/api/v1/cache/refresh", ""); w.Code != http.StatusOK {
		t.Errorf("refresh all status = %d", w.Code)
	}
	if f.refreshed != nil {
		t.Errorf("refresh with empty body asked for %v", f.refreshed)
	}
	do(t, h, http.MethodPost, "/api/v1/cache/refresh", `{"tables":["items"]}`)
	if len(f.refreshed) != 1 || f.refreshed[0] != "items" {
		t.Errorf("refreshed = %v", f.refreshed)
	}

	if w := do(t, h, http.MethodPost, "/api/v1/cache/clear", `{"include_queue":true}`); w.Code != http.StatusNoContent {
		t.Errorf("clear status = %d", w.Code)
	}
	if !f.lastClear.IncludeQueue {
		t.Error("include_queue not passed through")
	}
}

func TestSettingsAndSnapshot(t *testing.T) {
	h := newTestRouter(t, newFakeTerminal(), "")

	if w := do(t, h, http.MethodGet, "/api/v1/settings/receipt_footer", ""); w.Code != http.StatusNotFound {
		t.Errorf("unset setting status = %d, want 404", w.Code)
	}
	if w := do(t, h, http.MethodPut, "/api/v1/settings/receipt_footer", `{"value":"Thanks"}`); w.Code != http.StatusOK {
		t.Fatalf("put status = %d", w.Code)
	}
	w := do(t, h, http.MethodGet, "/api/v1/settings/receipt_footer", "")
	if got := decode[settingBody](t, w); got.Value != "Thanks" || got.Key != "receipt_footer" {
		t.Errorf("setting = %+v", got)
	}

	w = do(t, h, http.MethodPost, "/api/v1/support/snapshot", `{"upload":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d", w.Code)
	}
	res := decode[protocol.SnapshotResult](t, w)
	if !res.Uploaded || res.Path == "" {
		t.Errorf("snapshot = %+v", res)
	}
	if res.DownloadURL == "" || res.URLExpiresAt == nil {
		t.Errorf("snapshot link missing: %+v", res)
	}
}

func TestEvents_StreamsOverWebsocket(t *testing.T) {
	f := newFakeTerminal()
	srv := httptest.NewServer(newTestRouter(t, f, testAPIKey))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"

	// Without the key the upgrade is refused
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("dial without API key succeeded")
	}

	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testAPIKey}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	f.events <- agent.Event{Type: "SYNC_COMPLETED", At: time.Now().UTC(), Payload: json.RawMessage(`{"synced":3}`)}

	var got agent.Event
	if err := wsjson.Read(ctx, c, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != "SYNC_COMPLETED" || string(got.Payload) != `{"synced":3}` {
		t.Errorf("event = %+v", got)
	}

	// Closing the subscription ends the stream
	close(f.events)
	_, _, err = c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", websocket.CloseStatus(err))
	}
}
