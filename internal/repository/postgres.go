// Package repository persists fee records as key/value metadata and hands out
// API key hashes for bearer authentication. Postgres writes announce
// themselves over LISTEN/NOTIFY so service caches can reload.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultNotifyChannel = "fee_rule_events"

	EventTypeUpdated = "updated"
	EventTypeDeleted = "deleted"

	uniqueViolation = "23505"
)

// ErrFeeRecordExists is returned when a record is created with an ID that is
// already stored.
var ErrFeeRecordExists = errors.New("fee record already exists")

// FeeRecord is one fee rule as the store sees it: an id, a title, and opaque
// JSON meta values keyed by meta key.
type FeeRecord struct {
	ID        string                     `json:"id"`
	Title     string                     `json:"title"`
	Meta      map[string]json.RawMessage `json:"meta"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// PostgresRepository stores fee records in fee_rules and fee_rule_meta.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

type PostgresOption func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel used for cache
// invalidation.
func WithNotifyChannel(channel string) PostgresOption {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

func NewPostgresRepository(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresRepository {
	r := &PostgresRepository{
		pool:          pool,
		notifyChannel: defaultNotifyChannel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateFeeRecord inserts a record and all of its meta in one transaction.
// An empty ID is replaced by a new UUID.
func (r *PostgresRepository) CreateFeeRecord(ctx context.Context, record FeeRecord) (FeeRecord, error) {
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return FeeRecord{}, fmt.Errorf("begin create fee rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created := FeeRecord{Meta: record.Meta}
	if err := tx.QueryRow(ctx, `
		INSERT INTO fee_rules (id, title)
		VALUES ($1, $2)
		RETURNING id, title, created_at, updated_at
	`, record.ID, record.Title).Scan(
		&created.ID,
		&created.Title,
		&created.CreatedAt,
		&created.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return FeeRecord{}, fmt.Errorf("create fee rule %q: %w", record.ID, ErrFeeRecordExists)
		}
		return FeeRecord{}, fmt.Errorf("create fee rule: %w", err)
	}

	if err := writeMeta(ctx, tx, created.ID, record.Meta); err != nil {
		return FeeRecord{}, err
	}
	if err := r.notify(ctx, tx, created.ID, EventTypeUpdated); err != nil {
		return FeeRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FeeRecord{}, fmt.Errorf("commit create fee rule tx: %w", err)
	}

	return created, nil
}

// UpdateFeeRecord replaces the title and every meta value of an existing
// record. Returns pgx.ErrNoRows (wrapped) if the record does not exist.
func (r *PostgresRepository) UpdateFeeRecord(ctx context.Context, record FeeRecord) (FeeRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return FeeRecord{}, fmt.Errorf("begin update fee rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated := FeeRecord{Meta: record.Meta}
	if err := tx.QueryRow(ctx, `
		UPDATE fee_rules
		SET title = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, title, created_at, updated_at
	`, record.ID, record.Title).Scan(
		&updated.ID,
		&updated.Title,
		&updated.CreatedAt,
		&updated.UpdatedAt,
	); err != nil {
		return FeeRecord{}, fmt.Errorf("update fee rule: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM fee_rule_meta WHERE fee_rule_id = $1`, record.ID); err != nil {
		return FeeRecord{}, fmt.Errorf("clear fee rule meta: %w", err)
	}
	if err := writeMeta(ctx, tx, updated.ID, record.Meta); err != nil {
		return FeeRecord{}, err
	}
	if err := r.notify(ctx, tx, updated.ID, EventTypeUpdated); err != nil {
		return FeeRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FeeRecord{}, fmt.Errorf("commit update fee rule tx: %w", err)
	}

	return updated, nil
}

// GetFeeRecord returns a record with all of its meta. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetFeeRecord(ctx context.Context, id string) (FeeRecord, error) {
	var record FeeRecord
	err := r.pool.QueryRow(ctx, selectFeeRecords+`
		WHERE r.id = $1
		GROUP BY r.id
	`, id).Scan(
		&record.ID,
		&record.Title,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.Meta,
	)
	if err != nil {
		return FeeRecord{}, fmt.Errorf("get fee rule: %w", err)
	}

	return record, nil
}

// ListFeeRecords returns every record in creation order.
func (r *PostgresRepository) ListFeeRecords(ctx context.Context) ([]FeeRecord, error) {
	rows, err := r.pool.Query(ctx, selectFeeRecords+`
		GROUP BY r.id
		ORDER BY r.created_at, r.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list fee rules: %w", err)
	}
	defer rows.Close()

	records := make([]FeeRecord, 0)
	for rows.Next() {
		var record FeeRecord
		if err := rows.Scan(
			&record.ID,
			&record.Title,
			&record.CreatedAt,
			&record.UpdatedAt,
			&record.Meta,
		); err != nil {
			return nil, fmt.Errorf("scan fee rule: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list fee rules rows: %w", err)
	}

	return records, nil
}

// GetMeta returns one meta value of a record. Returns pgx.ErrNoRows (wrapped)
// if the record or key does not exist.
func (r *PostgresRepository) GetMeta(ctx context.Context, id, key string) (json.RawMessage, error) {
	var value json.RawMessage
	if err := r.pool.QueryRow(ctx, `
		SELECT meta_value
		FROM fee_rule_meta
		WHERE fee_rule_id = $1 AND meta_key = $2
	`, id, key).Scan(&value); err != nil {
		return nil, fmt.Errorf("get fee rule meta %s: %w", key, err)
	}

	return value, nil
}

// DeleteFeeRecord removes a record and its meta. Returns pgx.ErrNoRows
// (wrapped) if the record does not exist.
func (r *PostgresRepository) DeleteFeeRecord(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete fee rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, `DELETE FROM fee_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete fee rule: %w", err)
	}
	if err := deleteNoRows(commandTag); err != nil {
		return err
	}
	if err := r.notify(ctx, tx, id, EventTypeDeleted); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete fee rule tx: %w", err)
	}

	return nil
}

// ValidateAPIKey returns the stored hash for a non-revoked key id.
// Callers compare the secret outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// CreateAPIKey generates a key id and secret, storing a bcrypt hash of the
// secret. The raw secret is returned exactly once.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash)); err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// RevokeAPIKey marks a key revoked. Returns pgx.ErrNoRows (wrapped) if the key
// does not exist or is already revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}
	return nil
}

// SubscribeFeeRuleInvalidation returns a channel that receives a signal
// whenever a fee rule notification arrives. The channel is closed once ctx is
// done.
func (r *PostgresRepository) SubscribeFeeRuleInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for fee rule notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

const selectFeeRecords = `
	SELECT r.id, r.title, r.created_at, r.updated_at,
	       COALESCE(jsonb_object_agg(m.meta_key, m.meta_value) FILTER (WHERE m.meta_key IS NOT NULL), '{}'::jsonb)
	FROM fee_rules r
	LEFT JOIN fee_rule_meta m ON m.fee_rule_id = r.id
`

func writeMeta(ctx context.Context, tx pgx.Tx, id string, meta map[string]json.RawMessage) error {
	if len(meta) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for key, value := range meta {
		batch.Queue(`
			INSERT INTO fee_rule_meta (fee_rule_id, meta_key, meta_value)
			VALUES ($1, $2, $3)
		`, id, key, ensureJSON(value, "null"))
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write fee rule meta: %w", err)
	}
	return nil
}

func (r *PostgresRepository) notify(ctx context.Context, tx pgx.Tx, id, eventType string) error {
	payload, err := marshalNotifyPayload(id, eventType)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
		return fmt.Errorf("notify fee rule event: %w", err)
	}
	return nil
}

func deleteNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete fee rule: %w", pgx.ErrNoRows)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(id, eventType string) (string, error) {
	serialized, err := json.Marshal(struct {
		FeeRuleID string `json:"fee_rule_id"`
		EventType string `json:"event_type"`
	}{
		FeeRuleID: id,
		EventType: eventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
