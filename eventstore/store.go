package eventstore

import (
	"context"
	"time"
)

// EventStore exposes the four operations from spec §4.1. Implementations
// must guarantee: append is all-or-nothing, per-aggregate versions are
// contiguous starting at 1, and a successful Append makes its events durable
// and visible to subsequent loads for that aggregate before returning.
type EventStore interface {
	// Append assigns versions expectedVersion+1..expectedVersion+len(events)
	// to events and persists them atomically. Returns *ConcurrencyConflictError
	// if the aggregate's current max version differs from expectedVersion.
	Append(ctx context.Context, aggregateID string, expectedVersion int, events []Event) error

	// Load returns all events for aggregateID in ascending version order.
	// Returns an empty slice, not an error, if the aggregate has no events.
	Load(ctx context.Context, aggregateID string) ([]Event, error)

	// LoadFrom returns events for aggregateID with version > fromVersion,
	// in ascending version order.
	LoadFrom(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error)

	// CurrentVersion returns the maximum stored version for aggregateID, or
	// 0 if the aggregate has no events.
	CurrentVersion(ctx context.Context, aggregateID string) (int, error)
}

// RangeFilter narrows a cross-aggregate scan for the replay service (spec
// §4.7). Zero values mean "unbounded" for that field.
type RangeFilter struct {
	From         time.Time
	To           time.Time
	AggregateIDs []string
	EventTypes   []string
}

// RangeStore is implemented by event stores that can serve the filtered,
// natural-order scan the replay service needs. The core EventStore interface
// stays per-aggregate; this is a separate, narrower capability.
type RangeStore interface {
	LoadRange(ctx context.Context, filter RangeFilter, batchSize int, fn func([]Event) error) error
}
