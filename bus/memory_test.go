package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/bus"
	"orderflow/eventstore"
	"orderflow/pkg/idgen"
)

func sampleEvent(aggregateID string) eventstore.Event {
	e, err := eventstore.NewEvent(idgen.NewUUID(), aggregateID, "Order", "OrderCreated", 1, map[string]any{"ok": true}, eventstore.Metadata{})
	if err != nil {
		panic(err)
	}
	return e
}

func TestMemoryBus_DeliversToSingleSubscriber(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan bus.Delivery, 1)
	require.NoError(t, b.Subscribe(ctx, "group-a", []string{"order-events"}, func(_ context.Context, d bus.Delivery) error {
		received <- d
		return d.Ack()
	}))

	evt := sampleEvent("order-1")
	require.NoError(t, b.Publish(ctx, "order-events", evt))

	select {
	case d := <-received:
		assert.Equal(t, evt.AggregateID, d.Event.AggregateID)
		assert.Equal(t, "order-events", d.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryBus_EachConsumerGroupGetsItsOwnCopy(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	groupACount, groupBCount := 0, 0

	require.NoError(t, b.Subscribe(ctx, "group-a", []string{"order-events"}, func(_ context.Context, d bus.Delivery) error {
		mu.Lock()
		groupACount++
		mu.Unlock()
		return d.Ack()
	}))
	require.NoError(t, b.Subscribe(ctx, "group-b", []string{"order-events"}, func(_ context.Context, d bus.Delivery) error {
		mu.Lock()
		groupBCount++
		mu.Unlock()
		return d.Ack()
	}))

	require.NoError(t, b.Publish(ctx, "order-events", sampleEvent("order-1")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return groupACount == 1 && groupBCount == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryBus_NoSubscribersIsNotAnError(t *testing.T) {
	b := bus.NewMemoryBus()
	require.NoError(t, b.Publish(context.Background(), "nobody-listens", sampleEvent("order-1")))
}

func TestMemoryBus_PublishAfterCloseIsNoop(t *testing.T) {
	b := bus.NewMemoryBus()
	require.NoError(t, b.Close())
	require.NoError(t, b.Publish(context.Background(), "order-events", sampleEvent("order-1")))
}
