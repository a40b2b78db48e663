package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nightjarhq/murmur/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, recipient_ref, fallback_channel, signing_secret, created_at, updated_at
		 FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.RecipientRef, &t.FallbackChannel, &t.SigningSecret, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Metadata records ---

func (s *PostgresStore) CreateMetadataRecord(ctx context.Context, rec *models.MetadataRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal metadata payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO metadata_records (id, tenant_id, source_integration, event_type, metadata_type, timestamp, processing_status, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.TenantID, rec.SourceIntegration, rec.EventType, rec.MetadataType,
		rec.Timestamp, rec.ProcessingStatus, payload, rec.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create metadata record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPendingMetadata(ctx context.Context, tenantID uuid.UUID) ([]*models.MetadataRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, source_integration, event_type, metadata_type, timestamp, processing_status, payload, created_at
		 FROM metadata_records
		 WHERE tenant_id = $1 AND processing_status = $2
		 ORDER BY timestamp ASC`, tenantID, models.MetadataStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending metadata: %w", err)
	}
	defer rows.Close()

	var records []*models.MetadataRecord
	for rows.Next() {
		rec, err := scanMetadataRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) PendingMetadataTypes(ctx context.Context, tenantID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT metadata_type FROM metadata_records
		 WHERE tenant_id = $1 AND processing_status = $2`, tenantID, models.MetadataStatusPending)
	if err != nil {
		return nil, fmt.Errorf("pending metadata types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan metadata type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (s *PostgresStore) MarkMetadataProcessed(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	// The status filter makes the update re-entrant: a retried run that
	// already flipped these rows affects zero of them.
	tag, err := s.pool.Exec(ctx,
		`UPDATE metadata_records SET processing_status = $1
		 WHERE tenant_id = $2 AND id = ANY($3) AND processing_status = $4`,
		models.MetadataStatusProcessed, tenantID, ids, models.MetadataStatusPending)
	if err != nil {
		return 0, fmt.Errorf("mark metadata processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMetadataRecord(rows pgx.Rows) (*models.MetadataRecord, error) {
	var rec models.MetadataRecord
	var payload []byte
	if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.SourceIntegration, &rec.EventType,
		&rec.MetadataType, &rec.Timestamp, &rec.ProcessingStatus, &payload, &rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan metadata record: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal metadata payload: %w", err)
		}
	}
	return &rec, nil
}

// --- Whispers ---

func (s *PostgresStore) CreateWhisper(ctx context.Context, w *models.Whisper) error {
	content, err := json.Marshal(w.Content)
	if err != nil {
		return fmt.Errorf("marshal whisper content: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO whispers (id, tenant_id, session_id, title, category, priority, content, status, scope_info, generated_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		w.ID, w.TenantID, w.SessionID, w.Title, w.Category, w.Priority, content,
		w.Status, w.ScopeInfo, w.GeneratedAt, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create whisper: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWhisper(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Whisper, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, session_id, title, category, priority, content, status, scope_info,
		        channel_used, message_ref, last_error, generated_at, delivered_at, created_at, updated_at
		 FROM whispers WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	w, err := scanWhisper(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get whisper: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) ListWhispers(ctx context.Context, filter WhisperFilter) ([]*models.Whisper, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", argIdx))
		args = append(args, filter.Category)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("generated_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM whispers WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count whispers: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT id, tenant_id, session_id, title, category, priority, content, status, scope_info,
		        channel_used, message_ref, last_error, generated_at, delivered_at, created_at, updated_at
		 FROM whispers WHERE %s ORDER BY generated_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list whispers: %w", err)
	}
	defer rows.Close()

	var whispers []*models.Whisper
	for rows.Next() {
		w, err := scanWhisper(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan whisper: %w", err)
		}
		whispers = append(whispers, w)
	}
	return whispers, total, rows.Err()
}

func (s *PostgresStore) UpdateWhisperDelivery(ctx context.Context, id uuid.UUID, status string, opts ...WhisperUpdateOption) error {
	params := &whisperUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := time.Now().UTC()
	query := `UPDATE whispers SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if params.ChannelUsed != nil {
		query += fmt.Sprintf(", channel_used = $%d", argIdx)
		args = append(args, *params.ChannelUsed)
		argIdx++
	}
	if params.MessageRef != nil {
		query += fmt.Sprintf(", message_ref = $%d", argIdx)
		args = append(args, *params.MessageRef)
		argIdx++
	}
	if params.LastError != nil {
		query += fmt.Sprintf(", last_error = $%d", argIdx)
		args = append(args, *params.LastError)
		argIdx++
	}
	if params.DeliveredAt != nil {
		query += fmt.Sprintf(", delivered_at = $%d", argIdx)
		args = append(args, *params.DeliveredAt)
		argIdx++
	}

	query += " WHERE id = $1"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update whisper delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWhisper(row rowScanner) (*models.Whisper, error) {
	var w models.Whisper
	var content []byte
	if err := row.Scan(&w.ID, &w.TenantID, &w.SessionID, &w.Title, &w.Category, &w.Priority,
		&content, &w.Status, &w.ScopeInfo, &w.ChannelUsed, &w.MessageRef, &w.LastError,
		&w.GeneratedAt, &w.DeliveredAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &w.Content); err != nil {
			return nil, fmt.Errorf("unmarshal whisper content: %w", err)
		}
	}
	return &w, nil
}

// --- Agent sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.AgentSession) error {
	stageLogs, errs, err := marshalSessionLogs(sess.StageLogs, sess.Errors)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_sessions (id, tenant_id, status, stage_logs, errors, whisper_count, started_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.TenantID, sess.Status, stageLogs, errs, sess.WhisperCount,
		sess.StartedAt, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.AgentSession, error) {
	var sess models.AgentSession
	var stageLogs, errs []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, status, stage_logs, errors, whisper_count, started_at, ended_at, created_at
		 FROM agent_sessions WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&sess.ID, &sess.TenantID, &sess.Status, &stageLogs, &errs, &sess.WhisperCount,
		&sess.StartedAt, &sess.EndedAt, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(stageLogs) > 0 {
		if err := json.Unmarshal(stageLogs, &sess.StageLogs); err != nil {
			return nil, fmt.Errorf("unmarshal stage logs: %w", err)
		}
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &sess.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal session errors: %w", err)
		}
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateSessionProgress(ctx context.Context, id uuid.UUID, logs []models.StageLog, errList []string) error {
	stageLogs, errs, err := marshalSessionLogs(logs, errList)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET stage_logs = $2, errors = $3
		 WHERE id = $1 AND status = $4`,
		id, stageLogs, errs, models.SessionStatusRunning)
	if err != nil {
		return fmt.Errorf("update session progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FinalizeSession(ctx context.Context, id uuid.UUID, status string, logs []models.StageLog, errList []string, whisperCount int) error {
	stageLogs, errs, err := marshalSessionLogs(logs, errList)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET status = $2, stage_logs = $3, errors = $4, whisper_count = $5, ended_at = NOW()
		 WHERE id = $1 AND status = $6`,
		id, status, stageLogs, errs, whisperCount, models.SessionStatusRunning)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalSessionLogs(logs []models.StageLog, errList []string) ([]byte, []byte, error) {
	if logs == nil {
		logs = []models.StageLog{}
	}
	if errList == nil {
		errList = []string{}
	}
	stageLogs, err := json.Marshal(logs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal stage logs: %w", err)
	}
	errs, err := json.Marshal(errList)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal session errors: %w", err)
	}
	return stageLogs, errs, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
