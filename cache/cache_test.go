package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/cache"
	"orderflow/view"
)

func TestTTLCache_ReadThroughThenHit(t *testing.T) {
	ctx := context.Background()
	c := cache.NewTTLCache(time.Minute)

	calls := 0
	load := func(ctx context.Context) (view.OrderView, bool, error) {
		calls++
		return view.OrderView{OrderID: "order-1", Version: 1}, true, nil
	}

	v, found, err := c.GetOrderByID(ctx, "order-1", load)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, 1, calls)

	v, found, err = c.GetOrderByID(ctx, "order-1", load)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, calls, "second read should be served from cache, not reload")
}

func TestTTLCache_InvalidateForcesReload(t *testing.T) {
	ctx := context.Background()
	c := cache.NewTTLCache(time.Minute)

	calls := 0
	load := func(ctx context.Context) (view.OrderView, bool, error) {
		calls++
		return view.OrderView{OrderID: "order-2", Version: calls}, true, nil
	}

	_, _, err := c.GetOrderByID(ctx, "order-2", load)
	require.NoError(t, err)
	c.Invalidate(ctx, "order-2")
	v, _, err := c.GetOrderByID(ctx, "order-2", load)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)
	assert.Equal(t, 2, calls)
}
