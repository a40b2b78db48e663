package models

import (
	"time"

	"github.com/google/uuid"
)

// Delivery statuses for a Whisper. A whisper is never left pending after a
// delivery attempt has been made.
const (
	WhisperStatusPending   = "pending"
	WhisperStatusDelivered = "delivered"
	WhisperStatusFailed    = "failed"
)

// WhisperContent is the human-facing body of a whisper.
type WhisperContent struct {
	Message          string   `json:"message"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
	Rationale        string   `json:"rationale,omitempty"`
}

// Whisper is a short, actionable insight produced by the terminal pipeline
// stage and delivered to a human recipient. Priority runs 1 (urgent) to 5.
type Whisper struct {
	ID          uuid.UUID      `db:"id"           json:"id"`
	TenantID    uuid.UUID      `db:"tenant_id"    json:"tenant_id"`
	SessionID   uuid.UUID      `db:"session_id"   json:"session_id"`
	Title       string         `db:"title"        json:"title"`
	Category    string         `db:"category"     json:"category"`
	Priority    int            `db:"priority"     json:"priority"`
	Content     WhisperContent `db:"content"      json:"content"`
	Status      string         `db:"status"       json:"status"`
	ScopeInfo   *string        `db:"scope_info"   json:"scope_info,omitempty"`
	ChannelUsed *string        `db:"channel_used" json:"channel_used,omitempty"`
	MessageRef  *string        `db:"message_ref"  json:"message_ref,omitempty"`
	LastError   *string        `db:"last_error"   json:"last_error,omitempty"`
	GeneratedAt time.Time      `db:"generated_at" json:"generated_at"`
	DeliveredAt *time.Time     `db:"delivered_at" json:"delivered_at,omitempty"`
	CreatedAt   time.Time      `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"   json:"updated_at"`
}
