package view_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/domain/order"
	"orderflow/view"
)

func sampleView(orderID, customerID string, status order.Status, version int, createdAt time.Time) view.OrderView {
	return view.OrderView{
		OrderID:     orderID,
		CustomerID:  customerID,
		OrderNumber: "ON-" + orderID,
		Status:      status,
		Total:       decimal.RequireFromString("10.00"),
		Version:     version,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestMemoryOrderStore_UpsertRejectsStaleVersion(t *testing.T) {
	store := view.NewMemoryOrderStore()
	ctx := context.Background()
	now := time.Now()

	applied, err := store.Upsert(ctx, sampleView("order-1", "cust-1", order.StatusCreated, 2, now))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.Upsert(ctx, sampleView("order-1", "cust-1", order.StatusConfirmed, 1, now))
	require.NoError(t, err)
	assert.False(t, applied, "a lower version must never overwrite a newer row")

	got, found, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, order.StatusCreated, got.Status)
}

func TestMemoryOrderStore_GetByOrderNumber(t *testing.T) {
	store := view.NewMemoryOrderStore()
	ctx := context.Background()

	_, err := store.Upsert(ctx, sampleView("order-1", "cust-1", order.StatusCreated, 1, time.Now()))
	require.NoError(t, err)

	got, found, err := store.GetByOrderNumber(ctx, "ON-order-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "order-1", got.OrderID)

	_, found, err = store.GetByOrderNumber(ctx, "ON-unknown")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryOrderStore_ListByCustomerPaginatesNewestFirst(t *testing.T) {
	store := view.NewMemoryOrderStore()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"order-1", "order-2", "order-3"} {
		_, err := store.Upsert(ctx, sampleView(id, "cust-1", order.StatusCreated, 1, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	page, err := store.ListByCustomer(ctx, "cust-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "order-3", page[0].OrderID, "newest order should come first")

	rest, err := store.ListByCustomer(ctx, "cust-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "order-1", rest[0].OrderID)
}

func TestMemoryOrderStore_ListByStatusFiltersOtherStatuses(t *testing.T) {
	store := view.NewMemoryOrderStore()
	ctx := context.Background()
	now := time.Now()

	_, err := store.Upsert(ctx, sampleView("order-1", "cust-1", order.StatusConfirmed, 1, now))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, sampleView("order-2", "cust-2", order.StatusCreated, 1, now))
	require.NoError(t, err)

	confirmed, err := store.ListByStatus(ctx, order.StatusConfirmed, 10, 0)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "order-1", confirmed[0].OrderID)
}

func TestMemoryOrderStore_Clear(t *testing.T) {
	store := view.NewMemoryOrderStore()
	ctx := context.Background()

	_, err := store.Upsert(ctx, sampleView("order-1", "cust-1", order.StatusCreated, 1, time.Now()))
	require.NoError(t, err)

	require.NoError(t, store.Clear(ctx))

	_, found, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, found)
}
