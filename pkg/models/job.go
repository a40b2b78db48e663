package models

import (
	"time"

	"github.com/google/uuid"
)

// Statuses for an AnalysisJob. At most one pending-or-running job exists per
// tenant; the queue enforces this with a partial unique index. Jobs that
// exhaust their retries land in dead and stay visible.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusDead      = "dead"
)

// AnalysisJob is one queued pipeline run for a tenant. The tenant ID doubles
// as the dedupe key: re-enqueueing while a job is pending adjusts that job's
// run_at instead of creating a second one.
type AnalysisJob struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	TenantID    uuid.UUID  `db:"tenant_id"    json:"tenant_id"`
	Status      string     `db:"status"       json:"status"`
	RunAt       time.Time  `db:"run_at"       json:"run_at"`
	Attempts    int        `db:"attempts"     json:"attempts"`
	LockedUntil *time.Time `db:"locked_until" json:"locked_until,omitempty"`
	LastError   *string    `db:"last_error"   json:"last_error,omitempty"`
	SessionID   *uuid.UUID `db:"session_id"   json:"session_id,omitempty"`
	EnqueuedAt  time.Time  `db:"enqueued_at"  json:"enqueued_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
}
