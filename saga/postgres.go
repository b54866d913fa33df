package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"orderflow/apperr"
	"orderflow/pkg/idgen"
)

// PostgresStore is the durable saga Store, per spec §6 "Saga instance
// (table)": saga_id primary, saga_type, current_step, structured state,
// status, timestamps, plus a companion event-log table for per-saga audit.
type PostgresStore struct {
	db        *sql.DB
	retention time.Duration
}

// NewPostgresStore wraps an existing *sql.DB. retention governs how long
// terminal instances are kept before Prune removes them, per spec §6's
// saga_retention_days.
func NewPostgresStore(db *sql.DB, retention time.Duration) *PostgresStore {
	return &PostgresStore{db: db, retention: retention}
}

// Migrate creates the saga_instances and saga_audit_log tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS saga_instances (
			saga_id      TEXT PRIMARY KEY,
			saga_type    TEXT NOT NULL,
			current_step INTEGER NOT NULL,
			state        JSONB NOT NULL,
			status       TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS saga_audit_log (
			id          TEXT PRIMARY KEY,
			saga_id     TEXT NOT NULL REFERENCES saga_instances(saga_id),
			event_id    TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_saga_audit_saga ON saga_audit_log (saga_id, recorded_at);
	`)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "migrate saga tables", err)
	}
	return nil
}

// Save upserts the full Instance as one JSONB blob ("state"), matching the
// spec's "state (structured)" column.
func (s *PostgresStore) Save(ctx context.Context, inst Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return apperr.Wrap(apperr.Serialization, "marshal saga instance", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_instances (saga_id, saga_type, current_step, state, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (saga_id) DO UPDATE SET
			current_step = EXCLUDED.current_step,
			state = EXCLUDED.state,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, inst.SagaID, inst.SagaType, inst.CurrentStep, data, string(inst.Status), inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "save saga instance", err)
	}
	return nil
}

// Load fetches an Instance by id.
func (s *PostgresStore) Load(ctx context.Context, sagaID string) (Instance, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM saga_instances WHERE saga_id = $1`, sagaID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, false, nil
	}
	if err != nil {
		return Instance{}, false, apperr.Wrap(apperr.Storage, "load saga instance", err)
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return Instance{}, false, apperr.Wrap(apperr.Serialization, "unmarshal saga instance", err)
	}
	return inst, true, nil
}

// RecordProcessedEvent appends an audit-log row linking eventID to sagaID,
// so the companion audit table spec §6 describes can answer "which events
// drove this saga".
func (s *PostgresStore) RecordProcessedEvent(ctx context.Context, sagaID, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_audit_log (id, saga_id, event_id, recorded_at) VALUES ($1,$2,$3, now())
	`, idgen.NewULID(), sagaID, eventID)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "record saga audit entry", err)
	}
	return nil
}

// Prune deletes terminal instances older than the store's retention window.
func (s *PostgresStore) Prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM saga_instances
		WHERE status IN ('COMPLETED', 'COMPENSATED', 'FAILED')
		AND updated_at < now() - $1::interval
	`, s.retention.String())
	if err != nil {
		return apperr.Wrap(apperr.Storage, "prune saga instances", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
