package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hyperengineering/possync/internal/agent"
	"github.com/hyperengineering/possync/internal/connectivity"
	"github.com/hyperengineering/possync/internal/protocol"
	"github.com/hyperengineering/possync/internal/types"
	"github.com/hyperengineering/possync/internal/validation"
)

// maxBody bounds request bodies on the local API.
const maxBody = 4 << 20

// Terminal is the agent surface the API serves. *agent.Agent satisfies it.
type Terminal interface {
	Health() types.HealthResponse
	Status(ctx context.Context) (*agent.Status, error)
	Connectivity() connectivity.State
	SetManualOverride(on bool)
	SetNetworkReachable(up bool)
	SetVisible(visible bool)

	Enqueue(ctx context.Context, kind types.WriteKind, offlineID string, doc json.RawMessage) (*protocol.EnqueueResult, error)
	ListQueue(ctx context.Context, filter types.QueueFilter) ([]types.QueuedWrite, error)
	QueueStats(ctx context.Context) (types.QueueStats, error)
	GetWrite(ctx context.Context, localID int64) (*types.QueuedWrite, error)
	RetryWrite(ctx context.Context, localID int64) (*types.QueuedWrite, error)
	DeleteWrite(ctx context.Context, localID int64) error
	Sync(ctx context.Context) (types.DrainResult, error)

	CacheList(ctx context.Context, table string, filter types.CacheFilter) ([]types.CachedEntity, error)
	CacheGet(ctx context.Context, table, key string) (*types.CachedEntity, error)
	CacheStatus(ctx context.Context) (types.CacheStatus, error)
	RefreshCache(ctx context.Context, tables []string) (types.RefreshResult, error)
	ClearCache(ctx context.Context, opts types.ClearOptions) error
	Snapshot(ctx context.Context, upload bool) (protocol.SnapshotResult, error)
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	Subscribe(buffer int) (<-chan agent.Event, func())
}

// Handler implements the local agent API.
type Handler struct {
	terminal Terminal
	apiKey   string
	version  string
}

// NewHandler creates a Handler. An empty apiKey disables authentication.
func NewHandler(t Terminal, apiKey, version string) *Handler {
	return &Handler{
		terminal: t,
		apiKey:   apiKey,
		version:  version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched
// unless required is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, required bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err == nil || (errors.Is(err, io.EOF) && !required) {
		return true
	}
	if errors.Is(err, io.EOF) {
		WriteProblem(w, r, http.StatusBadRequest, "Request body is required")
		return false
	}
	WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
	return false
}

// Health handles GET /api/v1/health. It never waits on the worker.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := h.terminal.Health()
	resp.Version = h.version
	writeJSON(w, http.StatusOK, resp)
}

// Status handles GET /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.terminal.Status(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type submitRequest struct {
	OfflineID string          `json:"offline_id,omitempty"`
	Document  json.RawMessage `json:"document"`
}

// SubmitInvoice handles POST /api/v1/invoices
func (h *Handler) SubmitInvoice(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, types.KindInvoice)
}

// SubmitPayment handles POST /api/v1/payments
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, types.KindPayment)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, kind types.WriteKind) {
	var req submitRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if len(req.Document) == 0 || string(req.Document) == "null" {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{
			{Field: "document", Message: "is required"},
		})
		return
	}

	res, err := h.terminal.Enqueue(r.Context(), kind, req.OfflineID, req.Document)
	if err != nil {
		MapError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
		slog.Info("write queued",
			"component", "api",
			"action", "enqueue",
			"kind", kind,
			"local_id", res.Write.LocalID,
			"offline_id", res.Write.OfflineID,
			"request_id", GetRequestID(r.Context()),
		)
	}
	writeJSON(w, status, res)
}

func parseQueueFilter(r *http.Request) (types.QueueFilter, []validation.ValidationError) {
	q := r.URL.Query()
	var f types.QueueFilter
	var errs []validation.ValidationError

	if s := q.Get("status"); s != "" {
		f.Status = types.WriteStatus(s)
		if !f.Status.Valid() {
			errs = append(errs, validation.ValidationError{Field: "status", Message: "must be one of pending, syncing, synced, failed"})
		}
	}
	if k := q.Get("kind"); k != "" {
		f.Kind = types.WriteKind(k)
		if !f.Kind.Valid() {
			errs = append(errs, validation.ValidationError{Field: "kind", Message: "must be invoice or payment"})
		}
	}
	if s := q.Get("after_id"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			errs = append(errs, validation.ValidationError{Field: "after_id", Message: "must be a non-negative integer"})
		}
		f.AfterID = n
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			errs = append(errs, validation.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
		}
		f.Limit = n
	}
	return f, errs
}

// ListQueue handles GET /api/v1/queue
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	filter, errs := parseQueueFilter(r)
	if len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Invalid query parameters", errs)
		return
	}
	writes, err := h.terminal.ListQueue(r.Context(), filter)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if writes == nil {
		writes = []types.QueuedWrite{}
	}
	writeJSON(w, http.StatusOK, writes)
}

// QueueStats handles GET /api/v1/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.terminal.QueueStats(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetWrite handles GET /api/v1/queue/{id}
func (h *Handler) GetWrite(w http.ResponseWriter, r *http.Request) {
	write, err := h.terminal.GetWrite(r.Context(), LocalIDFromContext(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, write)
}

// RetryWrite handles POST /api/v1/queue/{id}/retry
func (h *Handler) RetryWrite(w http.ResponseWriter, r *http.Request) {
	write, err := h.terminal.RetryWrite(r.Context(), LocalIDFromContext(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, write)
}

// DeleteWrite handles DELETE /api/v1/queue/{id}
func (h *Handler) DeleteWrite(w http.ResponseWriter, r *http.Request) {
	id := LocalIDFromContext(r.Context())
	if err := h.terminal.DeleteWrite(r.Context(), id); err != nil {
		MapError(w, r, err)
		return
	}
	slog.Info("write deleted",
		"component", "api",
		"action", "delete",
		"local_id", id,
		"request_id", GetRequestID(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

// Sync handles POST /api/v1/sync. It returns when the drain pass ends.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.terminal.Sync(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Connectivity handles GET /api/v1/connectivity
func (h *Handler) Connectivity(w http.ResponseWriter, r *http.Request) {
	state := h.terminal.Connectivity()
	writeJSON(w, http.StatusOK, connectivityResponse{State: state, Offline: state.Offline()})
}

type connectivityResponse struct {
	connectivity.State
	Offline bool `json:"offline"`
}

type toggleRequest struct {
	On        *bool `json:"on,omitempty"`
	Reachable *bool `json:"reachable,omitempty"`
	Visible   *bool `json:"visible,omitempty"`
}

// toggle decodes a one-flag body and applies it.
func (h *Handler) toggle(w http.ResponseWriter, r *http.Request, pick func(toggleRequest) *bool, field string, apply func(bool)) {
	var req toggleRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	v := pick(req)
	if v == nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{
			{Field: field, Message: "is required"},
		})
		return
	}
	apply(*v)
	h.Connectivity(w, r)
}

// SetOverride handles POST /api/v1/connectivity/override
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, func(t toggleRequest) *bool { return t.On }, "on", h.terminal.SetManualOverride)
}

// SetNetwork handles POST /api/v1/connectivity/network
func (h *Handler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, func(t toggleRequest) *bool { return t.Reachable }, "reachable", h.terminal.SetNetworkReachable)
}

// SetVisibility handles POST /api/v1/connectivity/visibility
func (h *Handler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, func(t toggleRequest) *bool { return t.Visible }, "visible", h.terminal.SetVisible)
}
