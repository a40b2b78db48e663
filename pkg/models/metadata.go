// Package models contains shared data models used across the murmur codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Processing statuses for a MetadataRecord. A record moves pending -> processed
// exactly once; skipped marks records excluded from analysis by an adapter.
const (
	MetadataStatusPending   = "pending"
	MetadataStatusProcessed = "processed"
	MetadataStatusSkipped   = "skipped"
)

// Well-known metadata types emitted by integration adapters. Stage
// compatibility in the agent registry is computed over these.
const (
	MetadataTypeCommunication = "communication"
	MetadataTypeDevelopment   = "development"
)

// MetadataRecord is a privacy-scrubbed, content-free description of one
// activity event (timing, counts, type). Adapters create records; the core
// only ever flips ProcessingStatus.
type MetadataRecord struct {
	ID                uuid.UUID      `db:"id"                 json:"id"`
	TenantID          uuid.UUID      `db:"tenant_id"          json:"tenant_id"`
	SourceIntegration string         `db:"source_integration" json:"source_integration"`
	EventType         string         `db:"event_type"         json:"event_type"`
	MetadataType      string         `db:"metadata_type"      json:"metadata_type"`
	Timestamp         time.Time      `db:"timestamp"          json:"timestamp"`
	ProcessingStatus  string         `db:"processing_status"  json:"processing_status"`
	Payload           map[string]any `db:"payload"            json:"payload"`
	CreatedAt         time.Time      `db:"created_at"         json:"created_at"`
}
