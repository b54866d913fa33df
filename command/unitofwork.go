// Package command implements the write-side command pipeline from spec
// §4.2: validate, check the idempotency gate, load the aggregate, decide,
// append with retry-on-conflict, publish, then record the result.
package command

import (
	"context"
	"database/sql"

	"orderflow/apperr"
	"orderflow/bus"
	"orderflow/eventstore"
	"orderflow/outbox"
)

// UnitOfWork appends events and hands them to the publish path as one
// logical step. The Postgres implementation does this inside one local
// transaction (event append + outbox row); the in-memory implementation
// used for tests publishes directly since there is no transaction to
// enlist in.
type UnitOfWork interface {
	AppendAndPublish(ctx context.Context, aggregateID string, expectedVersion int, events []eventstore.Event, topic string) error
}

// PostgresUnitOfWork enlists the event append and the outbox row write in
// one serializable transaction, satisfying spec §4.2 step 6: "publish
// failure doesn't roll back the append" because publishing happens later,
// out of band, via outbox.Relay.
type PostgresUnitOfWork struct {
	Store  *eventstore.PostgresEventStore
	Outbox *outbox.PostgresStore
}

// AppendAndPublish implements UnitOfWork.
func (u *PostgresUnitOfWork) AppendAndPublish(ctx context.Context, aggregateID string, expectedVersion int, events []eventstore.Event, topic string) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := u.Store.DB().BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return apperr.Wrap(apperr.Storage, "begin unit of work", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := u.Store.AppendInTx(ctx, tx, aggregateID, expectedVersion, events); err != nil {
		return err
	}
	for _, e := range events {
		if err := u.Outbox.EnqueueTx(ctx, tx, topic, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Storage, "commit unit of work", err)
	}
	return nil
}

// MemoryUnitOfWork appends to an in-process EventStore and publishes
// directly to a bus.Publisher — adequate for tests and local development
// where there is no database transaction to enlist in.
type MemoryUnitOfWork struct {
	Store     eventstore.EventStore
	Publisher bus.Publisher
}

// AppendAndPublish implements UnitOfWork.
func (u *MemoryUnitOfWork) AppendAndPublish(ctx context.Context, aggregateID string, expectedVersion int, events []eventstore.Event, topic string) error {
	if err := u.Store.Append(ctx, aggregateID, expectedVersion, events); err != nil {
		return err
	}
	for _, e := range events {
		if err := u.Publisher.Publish(ctx, topic, e); err != nil {
			return apperr.Wrap(apperr.Bus, "publish event", err)
		}
	}
	return nil
}

var _ UnitOfWork = (*PostgresUnitOfWork)(nil)
var _ UnitOfWork = (*MemoryUnitOfWork)(nil)
