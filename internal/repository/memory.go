package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MemoryRepository keeps fee records in a map guarded by an RWMutex. It
// suits development, tests, and single-instance deployments seeded from a
// rules file. Misses are reported as pgx.ErrNoRows so callers treat both
// stores alike.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]FeeRecord
	apiKeys map[string]string
	now     func() time.Time
}

type MemoryOption func(*MemoryRepository)

// WithAPIKeyHashes registers bcrypt hashes by key id.
func WithAPIKeyHashes(hashes map[string]string) MemoryOption {
	return func(m *MemoryRepository) {
		maps.Copy(m.apiKeys, hashes)
	}
}

func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	m := &MemoryRepository{
		records: make(map[string]FeeRecord),
		apiKeys: make(map[string]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryRepository) CreateFeeRecord(_ context.Context, record FeeRecord) (FeeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if _, exists := m.records[record.ID]; exists {
		return FeeRecord{}, fmt.Errorf("create fee rule %q: %w", record.ID, ErrFeeRecordExists)
	}

	now := m.now()
	record.CreatedAt = now
	record.UpdatedAt = now
	record.Meta = cloneMeta(record.Meta)
	m.records[record.ID] = record

	return cloneRecord(record), nil
}

func (m *MemoryRepository) UpdateFeeRecord(_ context.Context, record FeeRecord) (FeeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[record.ID]
	if !ok {
		return FeeRecord{}, fmt.Errorf("update fee rule: %w", pgx.ErrNoRows)
	}

	record.CreatedAt = existing.CreatedAt
	record.UpdatedAt = m.now()
	record.Meta = cloneMeta(record.Meta)
	m.records[record.ID] = record

	return cloneRecord(record), nil
}

func (m *MemoryRepository) GetFeeRecord(_ context.Context, id string) (FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return FeeRecord{}, fmt.Errorf("get fee rule: %w", pgx.ErrNoRows)
	}
	return cloneRecord(record), nil
}

func (m *MemoryRepository) ListFeeRecords(_ context.Context) ([]FeeRecord, error) {
	m.mu.RLock()
	records := make([]FeeRecord, 0, len(m.records))
	for _, record := range m.records {
		records = append(records, cloneRecord(record))
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (m *MemoryRepository) GetMeta(_ context.Context, id, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("get fee rule meta %s: %w", key, pgx.ErrNoRows)
	}
	value, ok := record.Meta[key]
	if !ok {
		return nil, fmt.Errorf("get fee rule meta %s: %w", key, pgx.ErrNoRows)
	}
	return append(json.RawMessage(nil), value...), nil
}

func (m *MemoryRepository) DeleteFeeRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("delete fee rule: %w", pgx.ErrNoRows)
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryRepository) ValidateAPIKey(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, ok := m.apiKeys[id]
	if !ok {
		return "", fmt.Errorf("validate api key: %w", pgx.ErrNoRows)
	}
	return hash, nil
}

func cloneRecord(record FeeRecord) FeeRecord {
	record.Meta = cloneMeta(record.Meta)
	return record
}

func cloneMeta(meta map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(meta))
	for key, value := range meta {
		out[key] = append(json.RawMessage(nil), value...)
	}
	return out
}
