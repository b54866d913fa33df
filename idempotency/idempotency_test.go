package idempotency_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/idempotency"
)

func TestMemoryStore_CommandGateRoundTrip(t *testing.T) {
	store := idempotency.NewMemoryStore()
	ctx := context.Background()

	_, found, err := store.Check(ctx, "cmd-1")
	require.NoError(t, err)
	assert.False(t, found)

	result := json.RawMessage(`{"order_id":"order-1"}`)
	require.NoError(t, store.Record(ctx, "cmd-1", result, time.Hour))

	got, found, err := store.Check(ctx, "cmd-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, string(result), string(got))
}

func TestMemoryStore_CommandGateExpires(t *testing.T) {
	store := idempotency.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "cmd-1", json.RawMessage(`{}`), -time.Second))

	_, found, err := store.Check(ctx, "cmd-1")
	require.NoError(t, err)
	assert.False(t, found, "a result recorded with a negative TTL should already be expired")
}

func TestMemoryStore_MarkProcessedIsIdempotent(t *testing.T) {
	store := idempotency.NewMemoryStore()
	ctx := context.Background()

	processed, err := store.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.MarkProcessed(ctx, "evt-1", "order-1", "OrderCreated", "order-projection"))
	require.NoError(t, store.MarkProcessed(ctx, "evt-1", "order-1", "OrderCreated", "order-projection"))

	processed, err = store.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, processed)
}
