package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresEventStore is the durable EventStore backed by PostgreSQL. It
// follows spec §4.1's append algorithm literally: read max(version) inside a
// serializable transaction, compare to expectedVersion, insert with computed
// versions, commit — and falls back to translating a unique-index violation
// into ConcurrencyConflictError so two racing appenders can't both win even
// if their version reads raced.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore wraps an already-connected *sql.DB. The caller owns
// the connection pool's lifecycle.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// DB exposes the underlying connection pool so callers (the command
// pipeline's unit of work) can open a transaction shared with AppendInTx.
func (s *PostgresEventStore) DB() *sql.DB {
	return s.db
}

// Migrate creates the events table and its indexes if they don't already
// exist, matching the columns in spec §6.
func (s *PostgresEventStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			event_id       TEXT PRIMARY KEY,
			aggregate_id   TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			event_version  INTEGER NOT NULL,
			payload        JSONB NOT NULL,
			metadata       JSONB NOT NULL,
			version        INTEGER NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (aggregate_id, version)
		);
		CREATE INDEX IF NOT EXISTS idx_events_aggregate_version ON events (aggregate_id, version);
		CREATE INDEX IF NOT EXISTS idx_events_event_type ON events (event_type);
		CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at);
	`)
	if err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}
	return nil
}

// Append implements EventStore.Append: one serializable transaction, one
// batch insert, all-or-nothing.
func (s *PostgresEventStore) Append(ctx context.Context, aggregateID string, expectedVersion int, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return &StorageError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.AppendInTx(ctx, tx, aggregateID, expectedVersion, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}
	return nil
}

// AppendInTx runs the same append algorithm as Append but inside a
// transaction the caller already owns, so a command handler can enlist the
// outbox row write in the same local transaction as the append — see
// orderflow/outbox for the relay that drains those rows. The caller is
// responsible for committing or rolling back tx.
func (s *PostgresEventStore) AppendInTx(ctx context.Context, tx *sql.Tx, aggregateID string, expectedVersion int, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	var currentVersion int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&currentVersion)
	if err != nil {
		return &StorageError{Op: "read current version", Err: err}
	}

	if currentVersion != expectedVersion {
		return &ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: currentVersion}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, event_version, payload, metadata, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return &StorageError{Op: "prepare insert", Err: err}
	}
	defer stmt.Close()

	now := time.Now().UTC()
	nextVersion := currentVersion
	for i := range events {
		nextVersion++
		events[i].Version = nextVersion
		events[i].CreatedAt = now

		metaJSON, err := marshalMetadata(events[i].Metadata)
		if err != nil {
			return &StorageError{Op: "marshal metadata", Err: err}
		}

		_, err = stmt.ExecContext(ctx,
			events[i].EventID,
			aggregateID,
			events[i].AggregateType,
			events[i].EventType,
			events[i].EventVersion,
			[]byte(events[i].Payload),
			metaJSON,
			nextVersion,
			now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				actual, verErr := s.CurrentVersion(ctx, aggregateID)
				if verErr != nil {
					actual = nextVersion
				}
				return &ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: actual}
			}
			return &StorageError{Op: "insert event", Err: err}
		}
	}
	return nil
}

// Load implements EventStore.Load.
func (s *PostgresEventStore) Load(ctx context.Context, aggregateID string) ([]Event, error) {
	return s.LoadFrom(ctx, aggregateID, 0)
}

// LoadFrom implements EventStore.LoadFrom.
func (s *PostgresEventStore) LoadFrom(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, event_version, payload, metadata, version, created_at
		FROM events
		WHERE aggregate_id = $1 AND version > $2
		ORDER BY version ASC
	`, aggregateID, fromVersion)
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, &StorageError{Op: "scan", Err: err}
	}
	return events, nil
}

// CurrentVersion implements EventStore.CurrentVersion.
func (s *PostgresEventStore) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, &StorageError{Op: "current version", Err: err}
	}
	return version, nil
}

// LoadRange implements RangeStore for the replay service: iterates events in
// natural (created_at, version) order matching the filter, feeding fn in
// batches.
func (s *PostgresEventStore) LoadRange(ctx context.Context, filter RangeFilter, batchSize int, fn func([]Event) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}

	var clauses []string
	var args []any
	argN := 1

	if !filter.From.IsZero() {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", argN))
		args = append(args, filter.From)
		argN++
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", argN))
		args = append(args, filter.To)
		argN++
	}
	if len(filter.AggregateIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("aggregate_id = ANY($%d)", argN))
		args = append(args, pq.Array(filter.AggregateIDs))
		argN++
	}
	if len(filter.EventTypes) > 0 {
		clauses = append(clauses, fmt.Sprintf("event_type = ANY($%d)", argN))
		args = append(args, pq.Array(filter.EventTypes))
		argN++
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT event_id, aggregate_id, aggregate_type, event_type, event_version, payload, metadata, version, created_at
		FROM events
		%s
		ORDER BY created_at ASC, version ASC
	`, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return &StorageError{Op: "load range", Err: err}
	}
	defer rows.Close()

	batch := make([]Event, 0, batchSize)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return &StorageError{Op: "scan range", Err: err}
		}
		batch = append(batch, evt)
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return &StorageError{Op: "range iteration", Err: err}
	}
	if len(batch) > 0 {
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var _ EventStore = (*PostgresEventStore)(nil)
var _ RangeStore = (*PostgresEventStore)(nil)
