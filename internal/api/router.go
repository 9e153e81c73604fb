package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/raido/internal/coordinator"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(coord *coordinator.Coordinator, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(coord)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Records CRUD.
	r.Get("/records", h.ListRecords)
	r.Post("/records", h.CreateRecord)
	r.Get("/records/{id}", h.GetRecord)
	r.Put("/records/{id}", h.UpdateRecord)
	r.Delete("/records/{id}", h.DeleteRecord)

	// Conflict surface.
	r.Get("/conflicts", h.ListConflicts)
	r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
