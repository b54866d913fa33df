package eventstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/eventstore"
)

func newEvent(t *testing.T, eventType string, version int, payload any) eventstore.Event {
	t.Helper()
	e, err := eventstore.NewEvent("evt-"+eventType, "agg-1", "Order", eventType, 1, payload, eventstore.Metadata{})
	require.NoError(t, err)
	e.EventVersion = version
	return e
}

func TestMemoryEventStore_AppendLoadVersion(t *testing.T) {
	ctx := context.Background()
	s := eventstore.NewMemoryEventStore()

	err := s.Append(ctx, "agg-1", 0, []eventstore.Event{newEvent(t, "Created", 1, map[string]string{"a": "1"})})
	require.NoError(t, err)

	err = s.Append(ctx, "agg-1", 1, []eventstore.Event{newEvent(t, "Confirmed", 1, nil)})
	require.NoError(t, err)

	events, err := s.Load(ctx, "agg-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Version)
	assert.Equal(t, 2, events[1].Version)

	v, err := s.CurrentVersion(ctx, "agg-1")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestMemoryEventStore_NoGapsNoDuplicates(t *testing.T) {
	ctx := context.Background()
	s := eventstore.NewMemoryEventStore()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, "agg-2", i-1, []eventstore.Event{newEvent(t, "Tick", i, nil)}))
	}

	events, err := s.Load(ctx, "agg-2")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, i+1, e.Version)
	}
}

func TestMemoryEventStore_ConcurrencyConflict(t *testing.T) {
	ctx := context.Background()
	s := eventstore.NewMemoryEventStore()
	require.NoError(t, s.Append(ctx, "agg-3", 0, []eventstore.Event{newEvent(t, "Created", 1, nil)}))

	// Two concurrent appenders both read expectedVersion=1; exactly one wins.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = s.Append(ctx, "agg-3", 1, []eventstore.Event{newEvent(t, "Confirmed", 1, nil)})
		}(i)
	}
	wg.Wait()

	successes := 0
	conflicts := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		var conflictErr *eventstore.ConcurrencyConflictError
		if errors.As(err, &conflictErr) {
			conflicts++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
}

func TestMemoryEventStore_LoadFrom(t *testing.T) {
	ctx := context.Background()
	s := eventstore.NewMemoryEventStore()
	require.NoError(t, s.Append(ctx, "agg-4", 0, []eventstore.Event{
		newEvent(t, "Created", 1, nil),
		newEvent(t, "Confirmed", 1, nil),
		newEvent(t, "Shipped", 1, nil),
	}))

	events, err := s.LoadFrom(ctx, "agg-4", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[0].Version)
	assert.Equal(t, 3, events[1].Version)
}

func TestMemoryEventStore_LoadUnknownAggregateIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := eventstore.NewMemoryEventStore()
	events, err := s.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}
