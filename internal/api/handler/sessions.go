package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/nightjarhq/murmur/internal/api/middleware"
	"github.com/nightjarhq/murmur/internal/api/response"
	"github.com/nightjarhq/murmur/internal/store"
	"github.com/nightjarhq/murmur/pkg/models"
)

// SessionGetter defines the interface the session handler depends on.
type SessionGetter interface {
	GetSession(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.AgentSession, error)
}

// NewGetSessionHandler returns an http.HandlerFunc for
// GET /api/v1/sessions/{sessionID}. The response includes the full per-stage
// trace for the run.
func NewGetSessionHandler(st SessionGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"sessionID must be a valid UUID", nil)
			return
		}

		session, err := st.GetSession(r.Context(), sessionID, tenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND",
					"Session not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, session)
	}
}
