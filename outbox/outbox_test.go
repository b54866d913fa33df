package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/bus"
	"orderflow/eventstore"
	"orderflow/outbox"
	"orderflow/pkg/idgen"
)

func sampleEvent(t *testing.T, aggregateID string) eventstore.Event {
	t.Helper()
	e, err := eventstore.NewEvent(idgen.NewUUID(), aggregateID, "Order", "OrderCreated", 1, map[string]any{"ok": true}, eventstore.Metadata{})
	require.NoError(t, err)
	return e
}

func TestMemoryStore_PendingOnlyReturnsUnpublished(t *testing.T) {
	store := outbox.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.EnqueueTx(ctx, nil, "order-events", sampleEvent(t, "order-1")))
	require.NoError(t, store.EnqueueTx(ctx, nil, "order-events", sampleEvent(t, "order-2")))

	pending, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, store.MarkPublished(ctx, []string{pending[0].ID}))

	remaining, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, pending[1].ID, remaining[0].ID)
}

func TestMemoryStore_PendingRespectsLimit(t *testing.T) {
	store := outbox.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.EnqueueTx(ctx, nil, "order-events", sampleEvent(t, "order-1")))
	}

	pending, err := store.Pending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRelay_PublishesAndMarksPending(t *testing.T) {
	store := outbox.NewMemoryStore()
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan bus.Delivery, 1)
	require.NoError(t, b.Subscribe(ctx, "relay-test", []string{"order-events"}, func(_ context.Context, d bus.Delivery) error {
		received <- d
		return d.Ack()
	}))

	require.NoError(t, store.EnqueueTx(ctx, nil, "order-events", sampleEvent(t, "order-1")))

	relay := outbox.NewRelay(store, b)
	relayCtx, relayCancel := context.WithTimeout(ctx, 2*time.Second)
	defer relayCancel()
	go relay.Run(relayCtx)

	select {
	case d := <-received:
		assert.Equal(t, "order-1", d.Event.AggregateID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed event")
	}

	require.Eventually(t, func() bool {
		pending, err := store.Pending(ctx, 10)
		return err == nil && len(pending) == 0
	}, time.Second, 10*time.Millisecond)
}
