package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Snapshot is the advisory per-aggregate optimization from spec §3: never
// authoritative, always reconcilable by replaying events after Version.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int
	State         json.RawMessage
	UpdatedAt     time.Time
	Found         bool
}

// SnapshotStore persists at most one Snapshot per aggregate.
type SnapshotStore interface {
	Save(ctx context.Context, aggregateID, aggregateType string, version int, state any) error
	Load(ctx context.Context, aggregateID string) (Snapshot, error)
}

// PostgresSnapshotStore is the durable SnapshotStore.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore wraps an existing *sql.DB.
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

// Migrate creates the snapshots table, per spec §6.
func (s *PostgresSnapshotStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			aggregate_id   TEXT PRIMARY KEY,
			aggregate_type TEXT NOT NULL,
			version        INTEGER NOT NULL,
			state          JSONB NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return &StorageError{Op: "migrate snapshots", Err: err}
	}
	return nil
}

// Save upserts the snapshot for aggregateID. Snapshots are advisory: a
// failure here must never be treated as a domain-consistency failure by
// callers (see spec §9 "Snapshots are advisory").
func (s *PostgresSnapshotStore) Save(ctx context.Context, aggregateID, aggregateType string, version int, state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return &StorageError{Op: "marshal snapshot", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, version, state, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (aggregate_id) DO UPDATE
		SET aggregate_type = EXCLUDED.aggregate_type,
		    version = EXCLUDED.version,
		    state = EXCLUDED.state,
		    updated_at = EXCLUDED.updated_at
	`, aggregateID, aggregateType, version, data)
	if err != nil {
		return &StorageError{Op: "save snapshot", Err: err}
	}
	return nil
}

// Load retrieves the latest snapshot, if any, for aggregateID.
func (s *PostgresSnapshotStore) Load(ctx context.Context, aggregateID string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, aggregate_type, version, state, updated_at
		FROM snapshots WHERE aggregate_id = $1
	`, aggregateID).Scan(&snap.AggregateID, &snap.AggregateType, &snap.Version, &snap.State, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{Found: false}, nil
	}
	if err != nil {
		return Snapshot{}, &StorageError{Op: "load snapshot", Err: err}
	}
	snap.Found = true
	return snap, nil
}

// MemorySnapshotStore is an in-process SnapshotStore for tests.
type MemorySnapshotStore struct {
	mu   sync.RWMutex
	byID map[string]Snapshot
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{byID: make(map[string]Snapshot)}
}

// Save upserts the snapshot for aggregateID.
func (s *MemorySnapshotStore) Save(_ context.Context, aggregateID, aggregateType string, version int, state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[aggregateID] = Snapshot{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       version,
		State:         data,
		UpdatedAt:     time.Now().UTC(),
		Found:         true,
	}
	return nil
}

// Load retrieves the latest snapshot, if any, for aggregateID.
func (s *MemorySnapshotStore) Load(_ context.Context, aggregateID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byID[aggregateID]
	if !ok {
		return Snapshot{Found: false}, nil
	}
	return snap, nil
}

var _ SnapshotStore = (*PostgresSnapshotStore)(nil)
var _ SnapshotStore = (*MemorySnapshotStore)(nil)
