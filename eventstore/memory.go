package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryEventStore is an in-process EventStore, concurrency-safe, used by
// unit tests and local runs without a database. It implements the exact
// same append algorithm as PostgresEventStore: read max(version), compare
// to expectedVersion, append-or-conflict.
type MemoryEventStore struct {
	mu      sync.RWMutex
	streams map[string][]Event
}

// NewMemoryEventStore creates an empty in-memory store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{streams: make(map[string][]Event)}
}

// Append implements EventStore.Append.
func (s *MemoryEventStore) Append(_ context.Context, aggregateID string, expectedVersion int, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.streams[aggregateID]
	currentVersion := len(seq)
	if currentVersion != expectedVersion {
		return &ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: currentVersion}
	}
	if len(events) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, e := range events {
		currentVersion++
		e.Version = currentVersion
		e.CreatedAt = now
		e.AggregateID = aggregateID
		seq = append(seq, e)
	}
	s.streams[aggregateID] = seq
	return nil
}

// Load implements EventStore.Load.
func (s *MemoryEventStore) Load(ctx context.Context, aggregateID string) ([]Event, error) {
	return s.LoadFrom(ctx, aggregateID, 0)
}

// LoadFrom implements EventStore.LoadFrom.
func (s *MemoryEventStore) LoadFrom(_ context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.streams[aggregateID]
	out := make([]Event, 0, len(seq))
	for _, e := range seq {
		if e.Version > fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

// CurrentVersion implements EventStore.CurrentVersion.
func (s *MemoryEventStore) CurrentVersion(_ context.Context, aggregateID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[aggregateID]), nil
}

// LoadRange implements RangeStore for tests exercising the replay service
// without a database.
func (s *MemoryEventStore) LoadRange(_ context.Context, filter RangeFilter, batchSize int, fn func([]Event) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}

	s.mu.RLock()
	all := make([]Event, 0)
	for _, seq := range s.streams {
		all = append(all, seq...)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Version < all[j].Version
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	matches := func(e Event) bool {
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			return false
		}
		if !filter.To.IsZero() && e.CreatedAt.After(filter.To) {
			return false
		}
		if len(filter.AggregateIDs) > 0 && !contains(filter.AggregateIDs, e.AggregateID) {
			return false
		}
		if len(filter.EventTypes) > 0 && !contains(filter.EventTypes, e.EventType) {
			return false
		}
		return true
	}

	batch := make([]Event, 0, batchSize)
	for _, e := range all {
		if !matches(e) {
			continue
		}
		batch = append(batch, e)
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

var _ EventStore = (*MemoryEventStore)(nil)
var _ RangeStore = (*MemoryEventStore)(nil)
