// Package ingest accepts privacy-scrubbed metadata records from integration
// adapters and notifies the trigger coordinator about each arrival.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nightjarhq/murmur/pkg/models"
)

// Validation errors surfaced to the ingestion API.
var (
	ErrMissingEventType    = errors.New("event_type is required")
	ErrMissingSource       = errors.New("source_integration is required")
	ErrUnknownMetadataType = errors.New("unknown metadata_type")
	ErrContentPayload      = errors.New("payload contains content-bearing fields")
)

// contentKeys are payload fields that would carry raw user content. Adapters
// scrub before submitting; the core rejects rather than trusts.
var contentKeys = map[string]bool{
	"content":  true,
	"text":     true,
	"body":     true,
	"message":  true,
	"subject":  true,
	"diff":     true,
	"snippet":  true,
	"filename": true,
}

var knownMetadataTypes = map[string]bool{
	models.MetadataTypeCommunication: true,
	models.MetadataTypeDevelopment:   true,
}

// recordStore is the slice of the data store the service needs.
type recordStore interface {
	CreateMetadataRecord(ctx context.Context, rec *models.MetadataRecord) error
}

// Notifier receives one notification per stored record.
type Notifier interface {
	RecordArrived(ctx context.Context, tenantID uuid.UUID) error
}

// Service stores inbound metadata records. Storage is the source of truth;
// trigger notification is best-effort and never fails an ingestion.
type Service struct {
	store   recordStore
	trigger Notifier
	logger  *slog.Logger
}

// NewService creates an ingestion Service.
func NewService(st recordStore, trigger Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		trigger: trigger,
		logger:  logger,
	}
}

// Submit validates and stores one metadata record, then notifies the trigger
// coordinator. The returned record has its server-assigned fields populated.
func (s *Service) Submit(ctx context.Context, rec *models.MetadataRecord) error {
	if err := validate(rec); err != nil {
		return err
	}

	rec.ID = uuid.New()
	rec.ProcessingStatus = models.MetadataStatusPending
	rec.CreatedAt = time.Now().UTC()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = rec.CreatedAt
	}

	if err := s.store.CreateMetadataRecord(ctx, rec); err != nil {
		return fmt.Errorf("store metadata record: %w", err)
	}

	// The record is durable; a trigger hiccup only delays its analysis until
	// the next arrival or timer.
	if err := s.trigger.RecordArrived(ctx, rec.TenantID); err != nil {
		s.logger.Warn("trigger notification failed",
			"tenant_id", rec.TenantID, "record_id", rec.ID, "error", err)
	}

	return nil
}

func validate(rec *models.MetadataRecord) error {
	if rec.EventType == "" {
		return ErrMissingEventType
	}
	if rec.SourceIntegration == "" {
		return ErrMissingSource
	}
	if !knownMetadataTypes[rec.MetadataType] {
		return fmt.Errorf("%w: %q", ErrUnknownMetadataType, rec.MetadataType)
	}
	for key := range rec.Payload {
		if contentKeys[key] {
			return fmt.Errorf("%w: %q", ErrContentPayload, key)
		}
	}
	return nil
}
