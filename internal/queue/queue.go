// Package queue implements the durable per-tenant analysis job queue on
// Postgres. The tenant ID is the dedupe key: a partial unique index keeps at
// most one pending-or-running job per tenant, and re-enqueueing adjusts the
// existing job's run_at instead of inserting a second row.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nightjarhq/murmur/pkg/models"
)

var ErrJobNotFound = errors.New("job not found")

// Queue enqueues and claims analysis jobs.
type Queue struct {
	pool *pgxpool.Pool
}

// New creates a Queue backed by the given pool.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Enqueue submits a job for the tenant, due after the given delay. If an
// unresolved job already exists, the earlier run_at wins: a zero-delay
// enqueue therefore promotes a pending delayed job to run now (the threshold
// path cancelling the timer path), while a delayed enqueue behind an earlier
// one is a no-op that still counts as covered.
//
// Returns false when the tenant's job is mid-run: the running row is left
// untouched and no new row can insert past the dedupe index, so nothing is
// scheduled for records arriving during the run. The worker covers that gap
// by re-enqueueing on completion when pending metadata remains.
func (q *Queue) Enqueue(ctx context.Context, tenantID uuid.UUID, delay time.Duration) (bool, error) {
	runAt := time.Now().UTC().Add(delay)
	tag, err := q.pool.Exec(ctx,
		`INSERT INTO analysis_jobs (id, tenant_id, status, run_at, enqueued_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (tenant_id) WHERE status IN ('pending', 'running')
		 DO UPDATE SET run_at = LEAST(analysis_jobs.run_at, EXCLUDED.run_at), updated_at = NOW()
		 WHERE analysis_jobs.status = 'pending'`,
		uuid.New(), tenantID, models.JobStatusPending, runAt)
	if err != nil {
		return false, fmt.Errorf("enqueue analysis job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Claim leases the next due job for a worker, marking it running and bumping
// its attempt count. Jobs whose lease expired (worker crash mid-run) become
// claimable again, which is what makes delivery at-least-once. Returns
// ErrJobNotFound when nothing is due.
func (q *Queue) Claim(ctx context.Context, lease time.Duration) (*models.AnalysisJob, error) {
	row := q.pool.QueryRow(ctx,
		`UPDATE analysis_jobs
		 SET status = $1, attempts = attempts + 1, locked_until = NOW() + $2::interval, updated_at = NOW()
		 WHERE id = (
		     SELECT id FROM analysis_jobs
		     WHERE (status = 'pending' AND run_at <= NOW())
		        OR (status = 'running' AND locked_until < NOW())
		     ORDER BY run_at ASC
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, tenant_id, status, run_at, attempts, locked_until, last_error, session_id, enqueued_at, completed_at, updated_at`,
		models.JobStatusRunning, lease.String())

	var j models.AnalysisJob
	err := row.Scan(&j.ID, &j.TenantID, &j.Status, &j.RunAt, &j.Attempts, &j.LockedUntil,
		&j.LastError, &j.SessionID, &j.EnqueuedAt, &j.CompletedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim analysis job: %w", err)
	}
	return &j, nil
}

// Complete marks a claimed job done and links the session it produced.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID, sessionID uuid.UUID) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE analysis_jobs
		 SET status = $2, session_id = $3, completed_at = NOW(), locked_until = NULL, updated_at = NOW()
		 WHERE id = $1`,
		jobID, models.JobStatusCompleted, sessionID)
	if err != nil {
		return fmt.Errorf("complete analysis job: %w", err)
	}
	return nil
}

// Fail records a failed attempt. Below maxAttempts the job goes back to
// pending with the given backoff; at or past it the job moves to dead, where
// it stays visible for operators instead of being dropped.
func (q *Queue) Fail(ctx context.Context, job *models.AnalysisJob, runErr error, maxAttempts int, backoff time.Duration) error {
	if job.Attempts >= maxAttempts {
		_, err := q.pool.Exec(ctx,
			`UPDATE analysis_jobs
			 SET status = $2, last_error = $3, locked_until = NULL, updated_at = NOW()
			 WHERE id = $1`,
			job.ID, models.JobStatusDead, runErr.Error())
		if err != nil {
			return fmt.Errorf("dead-letter analysis job: %w", err)
		}
		return nil
	}

	_, err := q.pool.Exec(ctx,
		`UPDATE analysis_jobs
		 SET status = $2, last_error = $3, run_at = NOW() + $4::interval, locked_until = NULL, updated_at = NOW()
		 WHERE id = $1`,
		job.ID, models.JobStatusPending, runErr.Error(), backoff.String())
	if err != nil {
		return fmt.Errorf("retry analysis job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id, mainly for tests and operator queries.
func (q *Queue) GetJob(ctx context.Context, id uuid.UUID) (*models.AnalysisJob, error) {
	var j models.AnalysisJob
	err := q.pool.QueryRow(ctx,
		`SELECT id, tenant_id, status, run_at, attempts, locked_until, last_error, session_id, enqueued_at, completed_at, updated_at
		 FROM analysis_jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.TenantID, &j.Status, &j.RunAt, &j.Attempts, &j.LockedUntil,
		&j.LastError, &j.SessionID, &j.EnqueuedAt, &j.CompletedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis job: %w", err)
	}
	return &j, nil
}
