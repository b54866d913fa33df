package orderworkflow_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/apperr"
	"orderflow/bus"
	"orderflow/saga/orderworkflow"
)

func sampleData() orderworkflow.Data {
	return orderworkflow.Data{
		OrderID:     "order-1",
		OrderNumber: "ON-1",
		CustomerID:  "cust-1",
		Total:       decimal.RequireFromString("100.00"),
	}
}

func marshalSample(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := orderworkflow.MarshalData(sampleData())
	require.NoError(t, err)
	return raw
}

func TestBalanceCheckExecutor_PassPublishesEvent(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan bus.Delivery, 1)
	require.NoError(t, b.Subscribe(ctx, "test", []string{"order-events"}, func(_ context.Context, d bus.Delivery) error {
		received <- d
		return d.Ack()
	}))

	exec := &orderworkflow.BalanceCheckExecutor{Bus: b, Topic: "order-events"}
	_, err := exec.Execute(ctx, marshalSample(t))
	require.NoError(t, err)

	d := <-received
	assert.Equal(t, orderworkflow.EventBalanceCheckPassed, d.Event.EventType)
}

func TestBalanceCheckExecutor_FailReturnsDomainError(t *testing.T) {
	exec := &orderworkflow.BalanceCheckExecutor{
		Check: func(context.Context, orderworkflow.Data) (bool, error) { return false, nil },
	}
	_, err := exec.Execute(context.Background(), marshalSample(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.Domain)
}

func TestInventoryExecutor_CompensateCallsRelease(t *testing.T) {
	released := false
	exec := &orderworkflow.InventoryExecutor{
		Release: func(context.Context, orderworkflow.Data) error {
			released = true
			return nil
		},
	}
	require.NoError(t, exec.Compensate(context.Background(), marshalSample(t)))
	assert.True(t, released)
}

func TestPaymentExecutor_ExecuteCallsAuthorize(t *testing.T) {
	authorized := false
	exec := &orderworkflow.PaymentExecutor{
		Authorize: func(context.Context, orderworkflow.Data) error {
			authorized = true
			return nil
		},
	}
	_, err := exec.Execute(context.Background(), marshalSample(t))
	require.NoError(t, err)
	assert.True(t, authorized)
}
