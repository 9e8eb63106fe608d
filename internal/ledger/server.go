package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/possync/internal/api"
	"github.com/hyperengineering/possync/internal/backend"
	"github.com/hyperengineering/possync/internal/types"
)

const maxSubmitBody = 4 << 20

// NewRouter serves the ledger over the backend HTTP contract. An empty
// apiKey leaves every route open.
func NewRouter(l *Ledger, apiKey string) http.Handler {
	h := &handler{ledger: l}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.LoggingMiddleware)
	r.Use(api.RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", h.ping)

		r.Group(func(r chi.Router) {
			if apiKey != "" {
				r.Use(api.AuthMiddleware(apiKey))
			}
			r.Post("/invoices/submit", h.submit(types.KindInvoice))
			r.Post("/payments/submit", h.submit(types.KindPayment))
			r.Get("/offline-sync/{offline_id}", h.checkSynced)
			r.Get("/reference", h.tables)
			r.Get("/reference/{table}", h.reference)
		})
	})
	return r
}

type handler struct {
	ledger *Ledger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *handler) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, backend.PingResponse{Message: "pong"})
}

func (h *handler) submit(kind types.WriteKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req backend.SubmitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
			api.WriteProblemCode(w, r, http.StatusUnprocessableEntity, backend.CodeValidation,
				fmt.Sprintf("Invalid JSON: %s", err.Error()))
			return
		}

		result, err := h.ledger.Submit(r.Context(), kind, req.OfflineID, req.Document)
		var invalid *InvalidDocumentError
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, result)
		case errors.Is(err, ErrSyncInProgress):
			api.WriteProblemCode(w, r, http.StatusConflict, backend.CodeSyncInProgress,
				"A submission for this offline id is already in progress")
		case errors.As(err, &invalid):
			api.WriteProblemWithErrors(w, r, "Document failed validation", invalid.Errors)
		default:
			api.WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		}
	}
}

func (h *handler) checkSynced(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.CheckSynced(chi.URLParam(r, "offline_id")))
}

func (h *handler) tables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tables": h.ledger.Tables()})
}

func (h *handler) reference(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Reference(chi.URLParam(r, "table"))
	if err != nil {
		api.WriteProblemCode(w, r, http.StatusNotFound, backend.CodeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, backend.ReferenceResponse{Entries: entries})
}
