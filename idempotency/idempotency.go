// Package idempotency provides the two dedup surfaces spec §4.2/§4.3
// require: a command-result cache keyed by command id (the pipeline's
// idempotency gate) and a processed-event ledger keyed by event id (used
// by consumers that must not double-apply a redelivered message).
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"orderflow/apperr"
)

// CommandGate records the outcome of a command by CommandID so a retried
// or redelivered command with the same id returns the original result
// instead of re-executing, per spec §4.2 step 2.
type CommandGate interface {
	// Check returns found=true and the stored result if commandID was
	// already recorded and has not expired.
	Check(ctx context.Context, commandID string) (result json.RawMessage, found bool, err error)
	Record(ctx context.Context, commandID string, result json.RawMessage, ttl time.Duration) error
}

// EventDeduper tracks which event ids a given consumer has already applied.
type EventDeduper interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, aggregateID, eventType, processedBy string) error
}

// ProcessedEvent is one row of the processed-event ledger, kept for audit.
type ProcessedEvent struct {
	EventID     string
	AggregateID string
	EventType   string
	ProcessedBy string
	ProcessedAt time.Time
}

// PostgresStore is the durable backing for both CommandGate and
// EventDeduper, sharing one *sql.DB with the rest of the write side.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates both tables this store needs.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS processed_events (
			event_id     TEXT PRIMARY KEY,
			aggregate_id TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			processed_by TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`); err != nil {
		return apperr.Wrap(apperr.Storage, "migrate processed_events", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS command_results (
			command_id TEXT PRIMARY KEY,
			result     JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at  TIMESTAMPTZ NOT NULL
		);
	`); err != nil {
		return apperr.Wrap(apperr.Storage, "migrate command_results", err)
	}
	return nil
}

// IsProcessed reports whether eventID has already been recorded.
func (s *PostgresStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "check processed event", err)
	}
	return exists, nil
}

// MarkProcessed records eventID as processed by processedBy. Duplicate
// marks are no-ops, so concurrent redeliveries never conflict.
func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID, aggregateID, eventType, processedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, aggregate_id, event_type, processed_by, processed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, aggregateID, eventType, processedBy)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "mark event processed", err)
	}
	return nil
}

// Check returns the recorded result for commandID if present and unexpired.
func (s *PostgresStore) Check(ctx context.Context, commandID string) (json.RawMessage, bool, error) {
	var result json.RawMessage
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM command_results
		WHERE command_id = $1 AND expires_at > now()
	`, commandID).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Storage, "check command result", err)
	}
	return result, true, nil
}

// Record upserts commandID's result with a TTL-based expiry.
func (s *PostgresStore) Record(ctx context.Context, commandID string, result json.RawMessage, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_results (command_id, result, recorded_at, expires_at)
		VALUES ($1, $2, now(), now() + $3::interval)
		ON CONFLICT (command_id) DO UPDATE
		SET result = EXCLUDED.result, recorded_at = now(), expires_at = EXCLUDED.expires_at
	`, commandID, result, ttl.String())
	if err != nil {
		return apperr.Wrap(apperr.Storage, "record command result", err)
	}
	return nil
}

// MemoryStore is an in-process CommandGate+EventDeduper for tests and
// local development.
type MemoryStore struct {
	mu        sync.Mutex
	processed map[string]ProcessedEvent
	results   map[string]memoryResult
	now       func() time.Time
}

type memoryResult struct {
	payload   json.RawMessage
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed: make(map[string]ProcessedEvent),
		results:   make(map[string]memoryResult),
		now:       time.Now,
	}
}

func (s *MemoryStore) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, eventID, aggregateID, eventType, processedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[eventID]; ok {
		return nil
	}
	s.processed[eventID] = ProcessedEvent{
		EventID:     eventID,
		AggregateID: aggregateID,
		EventType:   eventType,
		ProcessedBy: processedBy,
		ProcessedAt: s.now(),
	}
	return nil
}

func (s *MemoryStore) Check(_ context.Context, commandID string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[commandID]
	if !ok || s.now().After(r.expiresAt) {
		return nil, false, nil
	}
	return r.payload, true, nil
}

func (s *MemoryStore) Record(_ context.Context, commandID string, result json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[commandID] = memoryResult{payload: result, expiresAt: s.now().Add(ttl)}
	return nil
}

var _ CommandGate = (*PostgresStore)(nil)
var _ EventDeduper = (*PostgresStore)(nil)
var _ CommandGate = (*MemoryStore)(nil)
var _ EventDeduper = (*MemoryStore)(nil)
