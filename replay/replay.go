// Package replay implements the event replay service from spec §4.7:
// filtered re-feeding of stored events into a Rebuildable sink, used to
// rebuild a view from scratch, fill gaps, or materialize a new shape.
package replay

import (
	"context"
	"log"
	"time"

	"orderflow/eventstore"
)

// Rebuildable is any sink that can clear its own state and then accept a
// re-feed of events in the store's natural order.
type Rebuildable interface {
	// Clear removes all existing state, used before a from-scratch rebuild.
	Clear(ctx context.Context) error
	// Apply processes one event the same way the live pipeline would.
	Apply(ctx context.Context, e eventstore.Event) error
}

// Stats summarizes one Run call.
type Stats struct {
	Scanned  int
	Applied  int
	Skipped  int
	Duration time.Duration
}

// Service drives a RangeStore scan into a Rebuildable sink.
type Service struct {
	Store eventstore.RangeStore
}

// NewService wraps a RangeStore.
func NewService(store eventstore.RangeStore) *Service {
	return &Service{Store: store}
}

// Run scans filter's matching events in natural order and feeds them to
// sink in batches of batchSize, optionally clearing sink first.
func (s *Service) Run(ctx context.Context, filter eventstore.RangeFilter, batchSize int, sink Rebuildable, clearFirst bool) (Stats, error) {
	start := time.Now()
	var stats Stats

	if clearFirst {
		if err := sink.Clear(ctx); err != nil {
			return stats, err
		}
	}

	err := s.Store.LoadRange(ctx, filter, batchSize, func(batch []eventstore.Event) error {
		for _, e := range batch {
			stats.Scanned++
			if err := sink.Apply(ctx, e); err != nil {
				stats.Skipped++
				log.Printf("⚠️ replay: skipping %s (aggregate %s): %v", e.EventType, e.AggregateID, err)
				continue
			}
			stats.Applied++
		}
		return nil
	})
	stats.Duration = time.Since(start)
	if err != nil {
		return stats, err
	}
	return stats, nil
}
