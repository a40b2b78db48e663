package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	mw "github.com/nightjarhq/murmur/internal/api/middleware"
	"github.com/nightjarhq/murmur/internal/api/response"
	"github.com/nightjarhq/murmur/internal/pipeline"
	"github.com/nightjarhq/murmur/pkg/models"
)

const maxForcedBatch = 500

// Runner defines the interface the force-run handler depends on.
type Runner interface {
	RunBatch(ctx context.Context, tenantID uuid.UUID, records []*models.MetadataRecord) (*pipeline.Result, error)
}

type forceRunRequest struct {
	Records []metadataRequest `json:"records"`
}

// NewForceRunHandler returns an http.HandlerFunc for POST /api/v1/admin/runs.
// It runs the pipeline synchronously over an explicit batch, bypassing the
// trigger coordinator.
func NewForceRunHandler(runner Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req forceRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.Records) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "records is required", nil)
			return
		}
		if len(req.Records) > maxForcedBatch {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"records exceeds the maximum batch size", nil)
			return
		}

		now := time.Now().UTC()
		records := make([]*models.MetadataRecord, 0, len(req.Records))
		for _, in := range req.Records {
			rec := &models.MetadataRecord{
				ID:                uuid.New(),
				TenantID:          tenantID,
				SourceIntegration: in.SourceIntegration,
				EventType:         in.EventType,
				MetadataType:      in.MetadataType,
				Timestamp:         now,
				ProcessingStatus:  models.MetadataStatusPending,
				Payload:           in.Payload,
			}
			if in.Timestamp != "" {
				ts, err := time.Parse(time.RFC3339, in.Timestamp)
				if err != nil {
					response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
						"timestamp must be a valid RFC3339 timestamp", nil)
					return
				}
				rec.Timestamp = ts.UTC()
			}
			records = append(records, rec)
		}

		result, err := runner.RunBatch(r.Context(), tenantID, records)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Pipeline run failed", nil)
			return
		}

		response.JSON(w, map[string]any{
			"session_id":    result.SessionID,
			"status":        result.Status,
			"whisper_count": result.WhisperCount,
		})
	}
}
