package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// localIDContextKey is the context key for the queued write addressed by
// the route.
type localIDContextKey struct{}

// WithLocalID returns a new context carrying a queue local id.
func WithLocalID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, localIDContextKey{}, id)
}

// LocalIDFromContext extracts the queue local id, or 0 if absent.
func LocalIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(localIDContextKey{}).(int64)
	return id
}

// LocalIDMiddleware parses the {id} URL parameter into the request
// context. Non-numeric or non-positive ids are rejected with 400.
func LocalIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "id")
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			WriteProblem(w, r, http.StatusBadRequest, "Invalid queue id: "+raw)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithLocalID(r.Context(), id)))
	})
}
