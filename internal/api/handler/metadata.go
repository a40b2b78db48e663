// Package handler contains the HTTP handlers for the murmur API. Handlers
// depend on narrow interfaces so tests exercise them with func-field mocks.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	mw "github.com/nightjarhq/murmur/internal/api/middleware"
	"github.com/nightjarhq/murmur/internal/api/response"
	"github.com/nightjarhq/murmur/internal/ingest"
	"github.com/nightjarhq/murmur/pkg/models"
)

// MetadataSubmitter defines the interface the handler depends on.
type MetadataSubmitter interface {
	Submit(ctx context.Context, rec *models.MetadataRecord) error
}

type metadataRequest struct {
	SourceIntegration string         `json:"source_integration"`
	EventType         string         `json:"event_type"`
	MetadataType      string         `json:"metadata_type"`
	Timestamp         string         `json:"timestamp"`
	Payload           map[string]any `json:"payload"`
}

// NewSubmitMetadataHandler returns an http.HandlerFunc for POST /api/v1/metadata.
func NewSubmitMetadataHandler(svc MetadataSubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req metadataRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		rec := &models.MetadataRecord{
			TenantID:          tenantID,
			SourceIntegration: req.SourceIntegration,
			EventType:         req.EventType,
			MetadataType:      req.MetadataType,
			Payload:           req.Payload,
		}

		if req.Timestamp != "" {
			ts, err := time.Parse(time.RFC3339, req.Timestamp)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"timestamp must be a valid RFC3339 timestamp", nil)
				return
			}
			rec.Timestamp = ts.UTC()
		}

		if err := svc.Submit(r.Context(), rec); err != nil {
			switch {
			case errors.Is(err, ingest.ErrContentPayload):
				response.Error(w, http.StatusUnprocessableEntity, "CONTENT_REJECTED",
					"Payload contains content-bearing fields; metadata must be scrubbed", nil)
			case errors.Is(err, ingest.ErrMissingEventType),
				errors.Is(err, ingest.ErrMissingSource),
				errors.Is(err, ingest.ErrUnknownMetadataType):
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Created(w, map[string]any{
			"id":                rec.ID,
			"processing_status": rec.ProcessingStatus,
			"timestamp":         rec.Timestamp.UTC().Format(time.RFC3339),
		})
	}
}
