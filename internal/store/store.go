package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nightjarhq/murmur/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	CreateMetadataRecord(ctx context.Context, rec *models.MetadataRecord) error
	ListPendingMetadata(ctx context.Context, tenantID uuid.UUID) ([]*models.MetadataRecord, error)
	PendingMetadataTypes(ctx context.Context, tenantID uuid.UUID) ([]string, error)
	// MarkMetadataProcessed flips pending records to processed, filtered by the
	// exact id set consumed by a run. Re-running with the same ids is a no-op;
	// the returned count is the number of rows actually transitioned.
	MarkMetadataProcessed(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (int64, error)

	CreateWhisper(ctx context.Context, w *models.Whisper) error
	GetWhisper(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Whisper, error)
	ListWhispers(ctx context.Context, filter WhisperFilter) ([]*models.Whisper, int, error)
	UpdateWhisperDelivery(ctx context.Context, id uuid.UUID, status string, opts ...WhisperUpdateOption) error

	CreateSession(ctx context.Context, s *models.AgentSession) error
	GetSession(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.AgentSession, error)
	UpdateSessionProgress(ctx context.Context, id uuid.UUID, stageLogs []models.StageLog, errs []string) error
	// FinalizeSession moves a running session to its terminal status and stamps
	// ended_at. Finalized sessions are immutable; a second call returns
	// ErrNotFound because no running row matches.
	FinalizeSession(ctx context.Context, id uuid.UUID, status string, stageLogs []models.StageLog, errs []string, whisperCount int) error
}

// WhisperFilter narrows ListWhispers. Zero values are ignored.
type WhisperFilter struct {
	TenantID uuid.UUID
	Status   string
	Category string
	Since    time.Time
	Page     int
	Limit    int
}

type whisperUpdateParams struct {
	ChannelUsed *string
	MessageRef  *string
	LastError   *string
	DeliveredAt *time.Time
}

type WhisperUpdateOption func(*whisperUpdateParams)

func WithChannelUsed(channel string) WhisperUpdateOption {
	return func(p *whisperUpdateParams) {
		p.ChannelUsed = &channel
	}
}

func WithMessageRef(ref string) WhisperUpdateOption {
	return func(p *whisperUpdateParams) {
		p.MessageRef = &ref
	}
}

func WithDeliveryError(msg string) WhisperUpdateOption {
	return func(p *whisperUpdateParams) {
		p.LastError = &msg
	}
}

func WithDeliveredAt(t time.Time) WhisperUpdateOption {
	return func(p *whisperUpdateParams) {
		p.DeliveredAt = &t
	}
}
