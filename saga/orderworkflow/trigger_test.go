package orderworkflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/bus"
	"orderflow/command"
	"orderflow/domain/order"
	"orderflow/eventstore"
	"orderflow/idempotency"
	"orderflow/saga"
	"orderflow/saga/orderworkflow"
)

func TestTrigger_StartsSagaOnOrderCreated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store := eventstore.NewMemoryEventStore()
	b := bus.NewMemoryBus()
	uow := &command.MemoryUnitOfWork{Store: store, Publisher: b}
	gate := idempotency.NewMemoryStore()
	pipeline := command.NewPipeline(store, uow, gate, "order-events", time.Hour, nil)

	sagaStore := saga.NewMemoryStore()
	balance := &orderworkflow.BalanceCheckExecutor{}
	inventory := &orderworkflow.InventoryExecutor{}
	payment := &orderworkflow.PaymentExecutor{}
	confirm := &orderworkflow.ConfirmOrderExecutor{Pipeline: pipeline}
	registry := saga.NewRegistry()
	registry.Register(orderworkflow.Definition(balance, inventory, payment, confirm, 2))
	coordinator := saga.NewCoordinator(sagaStore, registry, nil)

	trigger := orderworkflow.NewTrigger(coordinator, pipeline, gate)
	require.NoError(t, trigger.Run(ctx, b, "saga-order-fulfillment", "order-events"))

	_, err := pipeline.DispatchCreateOrder(ctx, command.CreateOrderCommand{
		CommandID:   "cmd-1",
		OrderID:     "order-1",
		OrderNumber: "ON-1",
		CustomerID:  "cust-1",
		Items: []order.LineItem{
			{SKU: "SKU-1", Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, found, err := sagaStore.Load(ctx, "order-1")
		return err == nil && found && inst.Status == saga.Completed
	}, time.Second, 10*time.Millisecond)

	status, err := finalStatus(ctx, store, "order-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, status)
}

func TestTrigger_CancelsOrderWhenSagaCompensatesBeforeConfirm(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store := eventstore.NewMemoryEventStore()
	b := bus.NewMemoryBus()
	uow := &command.MemoryUnitOfWork{Store: store, Publisher: b}
	gate := idempotency.NewMemoryStore()
	pipeline := command.NewPipeline(store, uow, gate, "order-events", time.Hour, nil)

	sagaStore := saga.NewMemoryStore()
	balance := &orderworkflow.BalanceCheckExecutor{}
	inventory := &orderworkflow.InventoryExecutor{}
	payment := &orderworkflow.PaymentExecutor{
		Authorize: func(context.Context, orderworkflow.Data) error {
			return assert.AnError
		},
	}
	confirm := &orderworkflow.ConfirmOrderExecutor{Pipeline: pipeline}
	registry := saga.NewRegistry()
	registry.Register(orderworkflow.Definition(balance, inventory, payment, confirm, 1))
	coordinator := saga.NewCoordinator(sagaStore, registry, nil)
	coordinator.Backoff = func(int) time.Duration { return 0 }

	trigger := orderworkflow.NewTrigger(coordinator, pipeline, gate)
	require.NoError(t, trigger.Run(ctx, b, "saga-order-fulfillment", "order-events"))

	_, err := pipeline.DispatchCreateOrder(ctx, command.CreateOrderCommand{
		CommandID:   "cmd-1",
		OrderID:     "order-1",
		OrderNumber: "ON-1",
		CustomerID:  "cust-1",
		Items: []order.LineItem{
			{SKU: "SKU-1", Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, found, err := sagaStore.Load(ctx, "order-1")
		return err == nil && found && inst.Status == saga.Compensated
	}, time.Second, 10*time.Millisecond)

	// The trigger cancels the order only after Run has returned, so the
	// Compensated instance can be visible before the OrderCancelled event.
	require.Eventually(t, func() bool {
		status, err := finalStatus(ctx, store, "order-1")
		return err == nil && status == order.StatusCancelled
	}, time.Second, 10*time.Millisecond)

	status, err := finalStatus(ctx, store, "order-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, status, "the saga compensating before the confirm step must still cancel the order")
}

func finalStatus(ctx context.Context, store *eventstore.MemoryEventStore, orderID string) (order.Status, error) {
	events, err := store.Load(ctx, orderID)
	if err != nil {
		return "", err
	}
	o := order.NewOrder()
	if err := o.LoadFromHistory(events, order.Registry()); err != nil {
		return "", err
	}
	return o.Status, nil
}
