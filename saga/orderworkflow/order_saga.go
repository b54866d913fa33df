// Package orderworkflow is the illustrative order saga from spec §4.6,
// preceded by a balance check: check balance, reserve inventory, authorize
// payment, confirm order — each step
// compensable, each a pluggable executor per spec §1's "inventory/payment
// backend implementations (treated as pluggable step executors)".
package orderworkflow

import (
	"context"
	"encoding/json"
	"log"

	"github.com/shopspring/decimal"

	"orderflow/apperr"
	"orderflow/bus"
	"orderflow/command"
	"orderflow/domain/order"
	"orderflow/eventstore"
	"orderflow/pkg/idgen"
	"orderflow/saga"
)

// SagaType is the registry key for this workflow.
const SagaType = "order_fulfillment"

const (
	StepCheckBalance     = "check_balance"
	StepReserveInventory = "reserve_inventory"
	StepAuthorizePayment = "authorize_payment"
	StepConfirmOrder     = "confirm_order"
)

// Data is the opaque, self-contained saga context: everything every step's
// Execute and Compensate need, so compensation never reaches for state
// that might have changed since the saga started, per spec §4.6.
type Data struct {
	OrderID     string           `json:"order_id"`
	OrderNumber string           `json:"order_number"`
	CustomerID  string           `json:"customer_id"`
	Items       []order.LineItem `json:"items"`
	Total       decimal.Decimal  `json:"total"`
}

// MarshalData encodes Data for saga.Coordinator.Start.
func MarshalData(d Data) (json.RawMessage, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, apperr.Wrap(apperr.Serialization, "marshal order saga data", err)
	}
	return raw, nil
}

func decodeData(raw json.RawMessage) (Data, error) {
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return Data{}, apperr.Wrap(apperr.Serialization, "decode order saga data", err)
	}
	return d, nil
}

// Event payload names for the side-effect events step executors publish,
// per spec §4.6 "step executors publish their own events as side effects".
const (
	EventBalanceCheckPassed = "BalanceCheckPassed"
	EventBalanceCheckFailed = "BalanceCheckFailed"
	EventInventoryReserved  = "InventoryReserved"
	EventInventoryReleased  = "InventoryReleased"
	EventPaymentAuthorized  = "PaymentAuthorized"
	EventPaymentVoided      = "PaymentVoided"
)

// BalanceCheck is the default BalanceCheckExecutor's dependency: it reports
// whether the customer has sufficient available balance to cover d.Total.
// A real deployment swaps this for its ledger/wallet service's client.
type BalanceCheck func(ctx context.Context, d Data) (bool, error)

// AlwaysEligible is the zero-dependency default balance check: it always
// passes, standing in for a real balance service until one is wired.
func AlwaysEligible(context.Context, Data) (bool, error) { return true, nil }

// BalanceCheckExecutor runs first in the order fulfillment workflow: it
// confirms the customer can cover the order total before anything is
// reserved or charged. There is nothing to undo on compensation — a
// balance check has no side effect of its own.
type BalanceCheckExecutor struct {
	Bus   bus.Publisher
	Topic string
	Check BalanceCheck
}

func (e *BalanceCheckExecutor) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	d, err := decodeData(raw)
	if err != nil {
		return nil, err
	}
	check := e.Check
	if check == nil {
		check = AlwaysEligible
	}
	passed, err := check(ctx, d)
	if err != nil {
		return nil, apperr.Wrap(apperr.External, "check balance", err)
	}
	if !passed {
		if pubErr := e.publish(ctx, d, EventBalanceCheckFailed); pubErr != nil {
			log.Printf("❌ failed to publish %s: %v", EventBalanceCheckFailed, pubErr)
		}
		return nil, apperr.New(apperr.Domain, "order: insufficient balance")
	}
	if err := e.publish(ctx, d, EventBalanceCheckPassed); err != nil {
		log.Printf("❌ failed to publish %s: %v", EventBalanceCheckPassed, err)
	}
	return nil, nil
}

// Compensate is a no-op: a balance check has no reservation or charge to
// release.
func (e *BalanceCheckExecutor) Compensate(context.Context, json.RawMessage) error {
	return nil
}

func (e *BalanceCheckExecutor) publish(ctx context.Context, d Data, eventType string) error {
	if e.Bus == nil {
		return nil
	}
	evt, err := sideEffectEvent(d, eventType)
	if err != nil {
		return err
	}
	return e.Bus.Publish(ctx, e.Topic, evt)
}

// InventoryReservation is the default InventoryExecutor's dependency:
// it performs (or simulates) the actual reservation and reports success.
// A real deployment swaps this for its inventory backend's client.
type InventoryReservation func(ctx context.Context, d Data) error

// PaymentAuthorization is the default PaymentExecutor's dependency.
type PaymentAuthorization func(ctx context.Context, d Data) error

// InventoryExecutor reserves stock for the order, compensating by release.
type InventoryExecutor struct {
	Bus     bus.Publisher
	Topic   string
	Reserve InventoryReservation
	Release InventoryReservation
}

// AlwaysSucceed is the zero-dependency default: it always succeeds,
// standing in for a real inventory backend until one is wired.
func AlwaysSucceed(context.Context, Data) error { return nil }

func (e *InventoryExecutor) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	d, err := decodeData(raw)
	if err != nil {
		return nil, err
	}
	reserve := e.Reserve
	if reserve == nil {
		reserve = AlwaysSucceed
	}
	if err := reserve(ctx, d); err != nil {
		return nil, apperr.Wrap(apperr.External, "reserve inventory", err)
	}
	if err := e.publish(ctx, d, EventInventoryReserved); err != nil {
		log.Printf("❌ failed to publish %s: %v", EventInventoryReserved, err)
	}
	return nil, nil
}

func (e *InventoryExecutor) Compensate(ctx context.Context, raw json.RawMessage) error {
	d, err := decodeData(raw)
	if err != nil {
		return err
	}
	release := e.Release
	if release == nil {
		release = AlwaysSucceed
	}
	if err := release(ctx, d); err != nil {
		return apperr.Wrap(apperr.External, "release inventory", err)
	}
	return e.publish(ctx, d, EventInventoryReleased)
}

func (e *InventoryExecutor) publish(ctx context.Context, d Data, eventType string) error {
	if e.Bus == nil {
		return nil
	}
	evt, err := sideEffectEvent(d, eventType)
	if err != nil {
		return err
	}
	return e.Bus.Publish(ctx, e.Topic, evt)
}

// PaymentExecutor authorizes payment for the order, compensating by void.
type PaymentExecutor struct {
	Bus       bus.Publisher
	Topic     string
	Authorize PaymentAuthorization
	Void      PaymentAuthorization
}

func (e *PaymentExecutor) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	d, err := decodeData(raw)
	if err != nil {
		return nil, err
	}
	authorize := e.Authorize
	if authorize == nil {
		authorize = AlwaysSucceed
	}
	if err := authorize(ctx, d); err != nil {
		return nil, apperr.Wrap(apperr.External, "authorize payment", err)
	}
	if err := e.publish(ctx, d, EventPaymentAuthorized); err != nil {
		log.Printf("❌ failed to publish %s: %v", EventPaymentAuthorized, err)
	}
	return nil, nil
}

func (e *PaymentExecutor) Compensate(ctx context.Context, raw json.RawMessage) error {
	d, err := decodeData(raw)
	if err != nil {
		return err
	}
	void := e.Void
	if void == nil {
		void = AlwaysSucceed
	}
	if err := void(ctx, d); err != nil {
		return apperr.Wrap(apperr.External, "void payment", err)
	}
	return e.publish(ctx, d, EventPaymentVoided)
}

func (e *PaymentExecutor) publish(ctx context.Context, d Data, eventType string) error {
	if e.Bus == nil {
		return nil
	}
	evt, err := sideEffectEvent(d, eventType)
	if err != nil {
		return err
	}
	return e.Bus.Publish(ctx, e.Topic, evt)
}

// ConfirmOrderExecutor drives the order aggregate's own Confirm/Cancel
// transitions through the command pipeline, so the saga's final step
// reuses the exact same optimistic-concurrency path a direct API call
// would.
type ConfirmOrderExecutor struct {
	Pipeline *command.Pipeline
}

func (e *ConfirmOrderExecutor) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	d, err := decodeData(raw)
	if err != nil {
		return nil, err
	}
	_, err = e.Pipeline.DispatchConfirmOrder(ctx, command.ConfirmOrderCommand{
		CommandID: "saga-confirm-" + d.OrderID,
		OrderID:   d.OrderID,
	})
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (e *ConfirmOrderExecutor) Compensate(ctx context.Context, raw json.RawMessage) error {
	d, err := decodeData(raw)
	if err != nil {
		return err
	}
	_, err = e.Pipeline.DispatchCancelOrder(ctx, command.CancelOrderCommand{
		CommandID: "saga-cancel-" + d.OrderID,
		OrderID:   d.OrderID,
		Reason:    "saga_compensation",
	})
	return err
}

// Definition assembles the four-step order fulfillment workflow: check
// balance, reserve inventory, authorize payment, confirm order. maxRetries
// applies uniformly to every step; a production wiring might vary it per
// step.
func Definition(balance *BalanceCheckExecutor, inventory *InventoryExecutor, payment *PaymentExecutor, confirm *ConfirmOrderExecutor, maxRetries int) saga.Definition {
	return saga.Definition{
		SagaType: SagaType,
		Steps: []saga.StepDef{
			{Name: StepCheckBalance, MaxRetries: maxRetries, Executor: balance},
			{Name: StepReserveInventory, MaxRetries: maxRetries, Executor: inventory},
			{Name: StepAuthorizePayment, MaxRetries: maxRetries, Executor: payment},
			{Name: StepConfirmOrder, MaxRetries: maxRetries, Executor: confirm},
		},
	}
}

func sideEffectEvent(d Data, eventType string) (eventstore.Event, error) {
	payload := map[string]any{"order_id": d.OrderID, "order_number": d.OrderNumber}
	return eventstore.NewEvent(idgen.NewUUID(), d.OrderID, "Order", eventType, 1, payload, eventstore.Metadata{})
}
