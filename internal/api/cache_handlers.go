package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/possync/internal/types"
	"github.com/hyperengineering/possync/internal/validation"
)

// CacheStatus handles GET /api/v1/cache
func (h *Handler) CacheStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.terminal.CacheStatus(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// CacheList handles GET /api/v1/cache/{table}
func (h *Handler) CacheList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.CacheFilter{Field: q.Get("field"), Value: q.Get("value")}

	var errs []validation.ValidationError
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
		s := q.Get(p.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			errs = append(errs, validation.ValidationError{Field: p.name, Message: "must be a non-negative integer"})
			continue
		}
		*p.dst = n
	}
	if filter.Value != "" && filter.Field == "" {
		errs = append(errs, validation.ValidationError{Field: "field", Message: "is required with value"})
	}
	if len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Invalid query parameters", errs)
		return
	}

	entities, err := h.terminal.CacheList(r.Context(), chi.URLParam(r, "table"), filter)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if entities == nil {
		entities = []types.CachedEntity{}
	}
	writeJSON(w, http.StatusOK, entities)
}

// CacheGet handles GET /api/v1/cache/{table}/{key}
func (h *Handler) CacheGet(w http.ResponseWriter, r *http.Request) {
	e, err := h.terminal.CacheGet(r.Context(), chi.URLParam(r, "table"), chi.URLParam(r, "key"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type refreshRequest struct {
	Tables []string `json:"tables,omitempty"`
}

// RefreshCache handles POST /api/v1/cache/refresh. An empty body refreshes
// every table.
func (h *Handler) RefreshCache(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	res, err := h.terminal.RefreshCache(r.Context(), req.Tables)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ClearCache handles POST /api/v1/cache/clear
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	var opts types.ClearOptions
	if !decodeBody(w, r, &opts, false) {
		return
	}
	if err := h.terminal.ClearCache(r.Context(), opts); err != nil {
		MapError(w, r, err)
		return
	}
	slog.Info("cache cleared",
		"component", "api",
		"action", "cache_clear",
		"tables", opts.Tables,
		"include_queue", opts.IncludeQueue,
		"include_settings", opts.IncludeSettings,
	)
	w.WriteHeader(http.StatusNoContent)
}

// GetSetting handles GET /api/v1/settings/{key}
func (h *Handler) GetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok, err := h.terminal.Setting(r.Context(), key)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if !ok {
		WriteProblemCode(w, r, http.StatusNotFound, "not_found", "Setting not found")
		return
	}
	writeJSON(w, http.StatusOK, settingBody{Key: key, Value: value})
}

type settingBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PutSetting handles PUT /api/v1/settings/{key}
func (h *Handler) PutSetting(w http.ResponseWriter, r *http.Request) {
	var body settingBody
	if !decodeBody(w, r, &body, true) {
		return
	}
	body.Key = chi.URLParam(r, "key")
	if err := h.terminal.SetSetting(r.Context(), body.Key, body.Value); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type snapshotRequest struct {
	Upload bool `json:"upload"`
}

// Snapshot handles POST /api/v1/support/snapshot
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	res, err := h.terminal.Snapshot(r.Context(), req.Upload)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
