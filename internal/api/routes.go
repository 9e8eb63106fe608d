package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}
			r.Get("/status", h.Status)

			r.Post("/invoices", h.SubmitInvoice)
			r.Post("/payments", h.SubmitPayment)

			r.Get("/queue", h.ListQueue)
			r.Get("/queue/stats", h.QueueStats)
			r.Route("/queue/{id}", func(r chi.Router) {
				r.Use(LocalIDMiddleware)
				r.Get("/", h.GetWrite)
				r.Delete("/", h.DeleteWrite)
				r.Post("/retry", h.RetryWrite)
			})
			r.Post("/sync", h.Sync)

			r.Get("/connectivity", h.Connectivity)
			r.Post("/connectivity/override", h.SetOverride)
			r.Post("/connectivity/network", h.SetNetwork)
			r.Post("/connectivity/visibility", h.SetVisibility)

			r.Get("/cache", h.CacheStatus)
			r.Post("/cache/refresh", h.RefreshCache)
			r.Post("/cache/clear", h.ClearCache)
			r.Get("/cache/{table}", h.CacheList)
			r.Get("/cache/{table}/{key}", h.CacheGet)

			r.Get("/settings/{key}", h.GetSetting)
			r.Put("/settings/{key}", h.PutSetting)

			r.Post("/support/snapshot", h.Snapshot)
			r.Get("/events", h.Events)
		})
	})

	return r
}
