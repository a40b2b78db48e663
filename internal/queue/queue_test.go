package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nightjarhq/murmur/internal/queue"
	"github.com/nightjarhq/murmur/internal/store"
	"github.com/nightjarhq/murmur/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("murmur_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func createTenant(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO tenants (id, name, recipient_ref, fallback_channel, signing_secret)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, "tenant-"+id.String()[:8], "lead@example.test", "#team-updates", "whsec_"+id.String()[:8])
	require.NoError(t, err)
	return id
}

func mustEnqueue(t *testing.T, q *queue.Queue, tenantID uuid.UUID, delay time.Duration) {
	t.Helper()
	enqueued, err := q.Enqueue(context.Background(), tenantID, delay)
	require.NoError(t, err)
	require.True(t, enqueued)
}

func countJobs(t *testing.T, pool *pgxpool.Pool, tenantID uuid.UUID) int {
	t.Helper()
	var n int
	err := pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM analysis_jobs WHERE tenant_id = $1`, tenantID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestEnqueueAndClaim(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := queue.New(pool)
	tenantID := createTenant(t, pool)
	ctx := context.Background()

	mustEnqueue(t, q, tenantID, 0)

	job, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, tenantID, job.TenantID)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LockedUntil)

	// Nothing else due while the lease holds.
	_, err = q.Claim(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestEnqueue_DedupePerTenant(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := queue.New(pool)
	tenantID := createTenant(t, pool)

	mustEnqueue(t, q, tenantID, time.Hour)
	mustEnqueue(t, q, tenantID, 2*time.Hour)

	assert.Equal(t, 1, countJobs(t, pool, tenantID))
}

func TestEnqueue_WhileRunningReportsNoEffect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := queue.New(pool)
	tenantID := createTenant(t, pool)
	ctx := context.Background()

	mustEnqueue(t, q, tenantID, 0)
	job, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)

	// The running row swallows the enqueue: no update, no new row. Callers
	// see false and know nothing is scheduled for the arriving records.
	enqueued, err := q.Enqueue(ctx, tenantID, 0)
	require.NoError(t, err)
	assert.False(t, enqueued)
	assert.Equal(t, 1, countJobs(t, pool, tenantID))

	// Once the job resolves, enqueueing takes effect again.
	require.NoError(t, q.Complete(ctx, job.ID, uuid.New()))
	enqueued, err = q.Enqueue(ctx, tenantID, 0)
	require.NoError(t, err)
	assert.True(t, enqueued)
	assert.Equal(t, 2, countJobs(t, pool, tenantID))
}

func TestEnqueue_EarlierRunAtWins(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := queue.New(pool)
	tenantID := createTenant(t, pool)
	ctx := context.Background()

	// A delayed timer-path job exists; the threshold path enqueues with zero
	// delay and the job becomes due immediately.
	mustEnqueue(t, q, tenantID, time.Hour)

	_, err := q.Claim(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	mustEnqueue(t, q, tenantID, 0)

	job, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, tenantID, job.TenantID)
	assert.Equal(t, 1, countJobs(t, pool, tenantID))
}

func TestClaim_DelayedJobNotDue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := queue.New(pool)
	tenantID := createTenant(t, pool)
	ctx := context.Background()

	mustEnqueue(t, q, tenantID, time.Hour)

	_, err := q.Claim(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestClaim_ExpiredLeaseIsReclaimed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := queue.New(pool)
	tenantID := createTenant(t, pool)
	ctx := context.Background()

	mustEnqueue(t, q, tenantID, 0)

	first, err := q.Claim(ctx, 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	// Worker crashed mid-run; the job is claimable again with a bumped attempt.
	second, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
}

func TestComplete_AllowsNewEnqueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := queue.New(pool)
	tenantID := createTenant(t, pool)
	ctx := context.Background()

	mustEnqueue(t, q, tenantID, 0)
	job, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)

	sessionID := uuid.New()
	require.NoError(t, q.Complete(ctx, job.ID, sessionID))

	done, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	require.NotNil(t, done.SessionID)
	assert.Equal(t, sessionID, *done.SessionID)
	require.NotNil(t, done.CompletedAt)

	// The dedupe index only covers unresolved jobs, so a fresh one can queue up.
	mustEnqueue(t, q, tenantID, 0)
	assert.Equal(t, 2, countJobs(t, pool, tenantID))
}

func TestFail_RetriesWithBackoffThenDead(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := queue.New(pool)
	tenantID := createTenant(t, pool)
	ctx := context.Background()

	mustEnqueue(t, q, tenantID, 0)

	job, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)

	// First failure goes back to pending with a future run_at.
	require.NoError(t, q.Fail(ctx, job, errors.New("provider unavailable"), 2, time.Hour))

	retried, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, retried.Status)
	require.NotNil(t, retried.LastError)
	assert.Equal(t, "provider unavailable", *retried.LastError)
	assert.True(t, retried.RunAt.After(time.Now().Add(30*time.Minute)))

	_, err = q.Claim(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	// Force the retry due, claim it, and fail again at the attempt ceiling.
	_, err = pool.Exec(ctx, `UPDATE analysis_jobs SET run_at = NOW() WHERE id = $1`, job.ID)
	require.NoError(t, err)

	job, err = q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)

	require.NoError(t, q.Fail(ctx, job, errors.New("provider unavailable"), 2, time.Hour))

	dead, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, dead.Status)

	_, err = q.Claim(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestGetJob_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := queue.New(pool)

	_, err := q.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}
