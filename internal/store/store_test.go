package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nightjarhq/murmur/internal/store"
	"github.com/nightjarhq/murmur/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
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

// createTenant inserts a tenant row and returns its id.
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

func createPendingRecord(t *testing.T, s store.Store, tenantID uuid.UUID, metadataType string) *models.MetadataRecord {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &models.MetadataRecord{
		ID:                uuid.New(),
		TenantID:          tenantID,
		SourceIntegration: "slack",
		EventType:         "message_sent",
		MetadataType:      metadataType,
		Timestamp:         now,
		ProcessingStatus:  models.MetadataStatusPending,
		Payload:           map[string]any{"thread_depth": float64(3)},
		CreatedAt:         now,
	}
	require.NoError(t, s.CreateMetadataRecord(context.Background(), rec))
	return rec
}

func createSession(t *testing.T, s store.Store, tenantID uuid.UUID) *models.AgentSession {
	t.Helper()
	now := time.Now().UTC()
	sess := &models.AgentSession{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Status:    models.SessionStatusRunning,
		StartedAt: now,
		CreatedAt: now,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func createWhisper(t *testing.T, s store.Store, tenantID, sessionID uuid.UUID) *models.Whisper {
	t.Helper()
	now := time.Now().UTC()
	w := &models.Whisper{
		ID:        uuid.New(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Title:     "Review backlog building",
		Category:  "development",
		Priority:  2,
		Content: models.WhisperContent{
			Message:          "Reviews are stalling before weekends.",
			SuggestedActions: []string{"rotate reviewers"},
		},
		Status:      models.WhisperStatusPending,
		GeneratedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateWhisper(context.Background(), w))
	return w
}

// --- tenant tests ---

func TestGetTenant(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	tenantID := createTenant(t, pool)

	tenant, err := s.GetTenant(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, tenantID, tenant.ID)
	assert.Equal(t, "lead@example.test", tenant.RecipientRef)
	assert.Equal(t, "#team-updates", tenant.FallbackChannel)

	_, err = s.GetTenant(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- API key tests ---

func TestAPIKeyLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	tenantID := createTenant(t, pool)
	ctx := context.Background()

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      "slack adapter",
		KeyHash:   "$2a$10$abcdefghijklmnopqrstuv",
		KeyPrefix: "mur_1234",
		Scopes:    []string{"ingest"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	found, err := s.GetAPIKeyByPrefix(ctx, "mur_1234")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, key.ID, found[0].ID)
	assert.Equal(t, []string{"ingest"}, found[0].Scopes)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	listed, err := s.ListAPIKeys(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.NotNil(t, listed[0].LastUsedAt)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, tenantID))

	// Revoked keys disappear from prefix lookup and listing.
	found, err = s.GetAPIKeyByPrefix(ctx, "mur_1234")
	require.NoError(t, err)
	assert.Empty(t, found)

	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID, tenantID), store.ErrNotFound)
}

func TestRevokeAPIKey_WrongTenant(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	tenantID := createTenant(t, pool)
	otherTenant := createTenant(t, pool)
	ctx := context.Background()

	now := time.Now().UTC()
	key := &models.APIKey{
		ID: uuid.New(), TenantID: tenantID, Name: "k",
		KeyHash: "h", KeyPrefix: "mur_wxyz",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID, otherTenant), store.ErrNotFound)
}

// --- metadata tests ---

func TestMetadataLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	tenantID := createTenant(t, pool)
	ctx := context.Background()

	r1 := createPendingRecord(t, s, tenantID, models.MetadataTypeCommunication)
	r2 := createPendingRecord(t, s, tenantID, models.MetadataTypeDevelopment)
	otherTenant := createTenant(t, pool)
	createPendingRecord(t, s, otherTenant, models.MetadataTypeCommunication)

	pending, err := s.ListPendingMetadata(ctx, tenantID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Equal(t, map[string]any{"thread_depth": float64(3)}, pending[0].Payload)

	types, err := s.PendingMetadataTypes(ctx, tenantID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{models.MetadataTypeCommunication, models.MetadataTypeDevelopment}, types)

	n, err := s.MarkMetadataProcessed(ctx, tenantID, []uuid.UUID{r1.ID, r2.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// Re-running the same flip affects zero rows.
	n, err = s.MarkMetadataProcessed(ctx, tenantID, []uuid.UUID{r1.ID, r2.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	pending, err = s.ListPendingMetadata(ctx, tenantID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The other tenant's record is untouched.
	pending, err = s.ListPendingMetadata(ctx, otherTenant)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestMarkMetadataProcessed_EmptyIDs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	tenantID := createTenant(t, pool)

	n, err := s.MarkMetadataProcessed(context.Background(), tenantID, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

// --- whisper tests ---

func TestWhisperLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	tenantID := createTenant(t, pool)
	sess := createSession(t, s, tenantID)
	ctx := context.Background()

	w := createWhisper(t, s, tenantID, sess.ID)

	got, err := s.GetWhisper(ctx, w.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, w.Title, got.Title)
	assert.Equal(t, w.Content, got.Content)
	assert.Equal(t, models.WhisperStatusPending, got.Status)

	// Tenant isolation.
	_, err = s.GetWhisper(ctx, w.ID, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	deliveredAt := time.Now().UTC().Truncate(time.Millisecond)
	err = s.UpdateWhisperDelivery(ctx, w.ID, models.WhisperStatusDelivered,
		store.WithChannelUsed("direct"),
		store.WithMessageRef("1724680923.000100"),
		store.WithDeliveredAt(deliveredAt),
	)
	require.NoError(t, err)

	got, err = s.GetWhisper(ctx, w.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.WhisperStatusDelivered, got.Status)
	require.NotNil(t, got.ChannelUsed)
	assert.Equal(t, "direct", *got.ChannelUsed)
	require.NotNil(t, got.MessageRef)
	require.NotNil(t, got.DeliveredAt)
}

func TestUpdateWhisperDelivery_Failure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	tenantID := createTenant(t, pool)
	sess := createSession(t, s, tenantID)
	ctx := context.Background()

	w := createWhisper(t, s, tenantID, sess.ID)

	err := s.UpdateWhisperDelivery(ctx, w.ID, models.WhisperStatusFailed,
		store.WithDeliveryError("direct: channel_not_found; fallback: slack down"))
	require.NoError(t, err)

	got, err := s.GetWhisper(ctx, w.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.WhisperStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Nil(t, got.DeliveredAt)

	assert.ErrorIs(t,
		s.UpdateWhisperDelivery(ctx, uuid.New(), models.WhisperStatusFailed),
		store.ErrNotFound)
}

func TestListWhispers_Filters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	tenantID := createTenant(t, pool)
	sess := createSession(t, s, tenantID)
	ctx := context.Background()

	w1 := createWhisper(t, s, tenantID, sess.ID)
	w2 := createWhisper(t, s, tenantID, sess.ID)
	require.NoError(t, s.UpdateWhisperDelivery(ctx, w1.ID, models.WhisperStatusDelivered))

	all, total, err := s.ListWhispers(ctx, store.WhisperFilter{TenantID: tenantID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)

	delivered, total, err := s.ListWhispers(ctx, store.WhisperFilter{
		TenantID: tenantID,
		Status:   models.WhisperStatusDelivered,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, delivered, 1)
	assert.Equal(t, w1.ID, delivered[0].ID)

	paged, total, err := s.ListWhispers(ctx, store.WhisperFilter{
		TenantID: tenantID,
		Page:     2,
		Limit:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, paged, 1)

	_ = w2
}

// --- session tests ---

func TestSessionLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	tenantID := createTenant(t, pool)
	ctx := context.Background()

	sess := createSession(t, s, tenantID)

	logs := []models.StageLog{
		{StageID: "communication_patterns", Status: "completed", DurationMs: 812, Preview: "{...}"},
	}
	require.NoError(t, s.UpdateSessionProgress(ctx, sess.ID, logs, nil))

	got, err := s.GetSession(ctx, sess.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, got.Status)
	require.Len(t, got.StageLogs, 1)
	assert.Equal(t, "communication_patterns", got.StageLogs[0].StageID)

	logs = append(logs, models.StageLog{StageID: "whisper_generation", Status: "completed", DurationMs: 1430})
	err = s.FinalizeSession(ctx, sess.ID, models.SessionStatusCompleted, logs, []string{}, 2)
	require.NoError(t, err)

	got, err = s.GetSession(ctx, sess.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	assert.Equal(t, 2, got.WhisperCount)
	assert.Len(t, got.StageLogs, 2)
	require.NotNil(t, got.EndedAt)
}

func TestFinalizeSession_Immutable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	tenantID := createTenant(t, pool)
	ctx := context.Background()

	sess := createSession(t, s, tenantID)
	require.NoError(t, s.FinalizeSession(ctx, sess.ID, models.SessionStatusCompleted, nil, nil, 0))

	// A finalized session cannot be finalized again or receive progress.
	assert.ErrorIs(t,
		s.FinalizeSession(ctx, sess.ID, models.SessionStatusFailed, nil, nil, 0),
		store.ErrNotFound)
	assert.ErrorIs(t,
		s.UpdateSessionProgress(ctx, sess.ID, nil, nil),
		store.ErrNotFound)

	got, err := s.GetSession(ctx, sess.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
}
