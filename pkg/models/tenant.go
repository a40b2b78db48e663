package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents an isolated customer workspace. Every other entity
// belongs to a tenant. RecipientRef identifies the designated human recipient
// for whisper delivery; FallbackChannel is the channel used when a direct
// message fails. SigningSecret verifies inbound webhook payloads.
type Tenant struct {
	ID              uuid.UUID `db:"id"               json:"id"`
	Name            string    `db:"name"             json:"name"`
	RecipientRef    string    `db:"recipient_ref"    json:"recipient_ref"`
	FallbackChannel string    `db:"fallback_channel" json:"fallback_channel"`
	SigningSecret   string    `db:"signing_secret"   json:"-"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"       json:"updated_at"`
}
