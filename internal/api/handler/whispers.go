package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	mw "github.com/nightjarhq/murmur/internal/api/middleware"
	"github.com/nightjarhq/murmur/internal/api/response"
	"github.com/nightjarhq/murmur/internal/store"
	"github.com/nightjarhq/murmur/pkg/models"
)

const (
	defaultWhisperLimit = 20
	maxWhisperLimit     = 100
)

var validWhisperStatuses = map[string]bool{
	models.WhisperStatusPending:   true,
	models.WhisperStatusDelivered: true,
	models.WhisperStatusFailed:    true,
}

// WhisperLister defines the interface the whisper list handler depends on.
type WhisperLister interface {
	ListWhispers(ctx context.Context, filter store.WhisperFilter) ([]*models.Whisper, int, error)
}

// NewListWhispersHandler returns an http.HandlerFunc for GET /api/v1/whispers.
func NewListWhispersHandler(st WhisperLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		q := r.URL.Query()

		filter := store.WhisperFilter{
			TenantID: tenantID,
			Status:   q.Get("status"),
			Category: q.Get("category"),
			Page:     1,
			Limit:    defaultWhisperLimit,
		}

		if filter.Status != "" && !validWhisperStatuses[filter.Status] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be one of pending, delivered, failed", nil)
			return
		}

		if since := q.Get("since"); since != "" {
			ts, err := time.Parse(time.RFC3339, since)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"since must be a valid RFC3339 timestamp", nil)
				return
			}
			filter.Since = ts.UTC()
		}

		if page, err := strconv.Atoi(q.Get("page")); err == nil && page > 0 {
			filter.Page = page
		}
		if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
			filter.Limit = limit
		}
		if filter.Limit > maxWhisperLimit {
			filter.Limit = maxWhisperLimit
		}

		whispers, total, err := st.ListWhispers(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		if whispers == nil {
			whispers = []*models.Whisper{}
		}

		response.Collection(w, whispers, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}
