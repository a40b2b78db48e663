// Package api builds the HTTP surface for the murmur server.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/nightjarhq/murmur/internal/api/middleware"
	"github.com/nightjarhq/murmur/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler         http.HandlerFunc
	SubmitMetadataHandler http.HandlerFunc
	ForceRunHandler       http.HandlerFunc
	GetSessionHandler     http.HandlerFunc
	ListWhispersHandler   http.HandlerFunc
	CreateKeyHandler      http.HandlerFunc
	ListKeysHandler       http.HandlerFunc
	RevokeKeyHandler      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/metadata", orNotImplemented(deps.SubmitMetadataHandler))

		r.Get("/api/v1/sessions/{sessionID}", orNotImplemented(deps.GetSessionHandler))
		r.Get("/api/v1/whispers", orNotImplemented(deps.ListWhispersHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/runs", orNotImplemented(deps.ForceRunHandler))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
