// Package outbox implements the transactional outbox that satisfies spec
// §4.2 step 6: "If publish fails, the command still succeeds; the event is
// durably appended and publish failure doesn't roll back the append." The
// event append and the outbox row are written in one local transaction;
// a separate Relay drains outbox rows into the bus on its own schedule,
// exactly the shape of the teacher's infrastructure/outbox/publisher.go.
package outbox

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/lib/pq"

	"orderflow/apperr"
	"orderflow/bus"
	"orderflow/eventstore"
	"orderflow/pkg/idgen"
)

// Store persists outbox rows as part of the caller's transaction and lets
// the Relay scan for and mark rows published.
type Store interface {
	// EnqueueTx writes one outbox row inside tx, so it commits atomically
	// with whatever else tx is doing (typically an eventstore.Append).
	EnqueueTx(ctx context.Context, tx *sql.Tx, topic string, e eventstore.Event) error
	// Pending returns up to limit unpublished rows, oldest first.
	Pending(ctx context.Context, limit int) ([]Record, error)
	// MarkPublished flags the given outbox row ids as published.
	MarkPublished(ctx context.Context, ids []string) error
}

// Record is one outbox row.
type Record struct {
	ID        string
	Topic     string
	Event     eventstore.Event
	Published bool
	CreatedAt time.Time
}

// PostgresStore is the durable Store, sharing the event store's *sql.DB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the outbox table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS outbox (
			id           TEXT PRIMARY KEY,
			topic        TEXT NOT NULL,
			event_id     TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			event_data   JSONB NOT NULL,
			published    BOOLEAN NOT NULL DEFAULT false,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			published_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (created_at) WHERE NOT published;
	`)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "migrate outbox", err)
	}
	return nil
}

// EnqueueTx inserts e as a pending outbox row within tx.
func (s *PostgresStore) EnqueueTx(ctx context.Context, tx *sql.Tx, topic string, e eventstore.Event) error {
	data, err := eventJSON(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (id, topic, event_id, aggregate_id, event_type, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, idgen.NewULID(), topic, e.EventID, e.AggregateID, e.EventType, data)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "enqueue outbox row", err)
	}
	return nil
}

// Pending returns up to limit unpublished rows ordered oldest-first.
func (s *PostgresStore) Pending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, event_data, created_at
		FROM outbox
		WHERE NOT published
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "query pending outbox rows", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var data []byte
		if err := rows.Scan(&rec.ID, &rec.Topic, &data, &rec.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "scan outbox row", err)
		}
		e, err := decodeEvent(data)
		if err != nil {
			return nil, err
		}
		rec.Event = e
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkPublished flags ids as published in one statement.
func (s *PostgresStore) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET published = true, published_at = now()
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return apperr.Wrap(apperr.Storage, "mark outbox rows published", err)
	}
	return nil
}

// Relay polls Store for pending rows and publishes them through bus.Publisher,
// mirroring the teacher's OutboxPublisher poll loop.
type Relay struct {
	store     Store
	publisher bus.Publisher
	interval  time.Duration
	batch     int
}

// NewRelay builds a Relay with the teacher's 100ms poll interval and a
// 100-row batch size.
func NewRelay(store Store, publisher bus.Publisher) *Relay {
	return &Relay{store: store, publisher: publisher, interval: 100 * time.Millisecond, batch: 100}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Println("outbox relay started")
	for {
		select {
		case <-ticker.C:
			if err := r.relayOnce(ctx); err != nil {
				log.Printf("❌ outbox relay: %v", err)
			}
		case <-ctx.Done():
			log.Println("outbox relay stopped")
			return nil
		}
	}
}

func (r *Relay) relayOnce(ctx context.Context) error {
	rows, err := r.store.Pending(ctx, r.batch)
	if err != nil {
		return err
	}
	var published []string
	for _, row := range rows {
		if err := r.publisher.Publish(ctx, row.Topic, row.Event); err != nil {
			log.Printf("❌ failed to publish outbox row %s: %v", row.ID, err)
			continue
		}
		published = append(published, row.ID)
	}
	if len(published) == 0 {
		return nil
	}
	if err := r.store.MarkPublished(ctx, published); err != nil {
		return err
	}
	log.Printf("📤 relayed %d outbox rows", len(published))
	return nil
}
