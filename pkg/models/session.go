package models

import (
	"time"

	"github.com/google/uuid"
)

// Terminal and in-flight statuses for an AgentSession.
const (
	SessionStatusPending             = "pending"
	SessionStatusRunning             = "running"
	SessionStatusCompleted           = "completed"
	SessionStatusCompletedWithErrors = "completed_with_errors"
	SessionStatusFailed              = "failed"
)

// StageLog records the outcome of one pipeline stage within a session.
// Preview holds a truncated slice of the stage output for debugging.
type StageLog struct {
	StageID    string `json:"stage_id"`
	Status     string `json:"status"` // "completed", "skipped", "fallback"
	DurationMs int64  `json:"duration_ms"`
	Preview    string `json:"preview,omitempty"`
	Error      string `json:"error,omitempty"`
}

// AgentSession is the audit record of one end-to-end pipeline run for one
// tenant. It is appended to while the run executes and immutable once
// finalized.
type AgentSession struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	TenantID     uuid.UUID  `db:"tenant_id"     json:"tenant_id"`
	Status       string     `db:"status"        json:"status"`
	StageLogs    []StageLog `db:"stage_logs"    json:"stage_logs"`
	Errors       []string   `db:"errors"        json:"errors"`
	WhisperCount int        `db:"whisper_count" json:"whisper_count"`
	StartedAt    time.Time  `db:"started_at"    json:"started_at"`
	EndedAt      *time.Time `db:"ended_at"      json:"ended_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
}
