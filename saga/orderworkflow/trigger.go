package orderworkflow

import (
	"context"
	"fmt"
	"log"

	"orderflow/apperr"
	"orderflow/bus"
	"orderflow/command"
	"orderflow/domain/order"
	"orderflow/eventstore"
	"orderflow/idempotency"
	"orderflow/saga"
)

// Trigger subscribes to the order events topic and starts the order
// fulfillment saga on every OrderCreated, per spec §4.6: "the coordinator
// subscribes to bus events. On an ordering-start event it starts the
// designated saga." Unlike the projection pipeline, a decode failure here
// is fatal to the delivery (nacked, redelivered) rather than skipped —
// spec §9 requires the saga coordinator to fail loudly when it cannot
// decode a trigger event.
type Trigger struct {
	Coordinator *saga.Coordinator
	Registry    *eventstore.Registry
	Pipeline    *command.Pipeline
	// Dedup guards against the redelivery every bus consumer must expect
	// under at-least-once delivery (spec §4.3 invariant 4): without it, a
	// redelivered OrderCreated would make handle start a fresh Instance
	// over a saga that is already running or done, per the teacher's
	// application/saga handlers, which all check IsProcessed before acting.
	Dedup idempotency.EventDeduper
}

// NewTrigger builds a Trigger using the shared order event registry.
// pipeline drives the order-cancel hook fired when the saga compensates;
// dedup is the processed-event ledger guarding against redelivery.
func NewTrigger(coordinator *saga.Coordinator, pipeline *command.Pipeline, dedup idempotency.EventDeduper) *Trigger {
	return &Trigger{Coordinator: coordinator, Registry: order.Registry(), Pipeline: pipeline, Dedup: dedup}
}

// Run subscribes group to topic on consumer and starts/advances the saga
// for every OrderCreated event it sees.
func (t *Trigger) Run(ctx context.Context, consumer bus.Consumer, group, topic string) error {
	return consumer.Subscribe(ctx, group, []string{topic}, t.handle)
}

func (t *Trigger) handle(ctx context.Context, d bus.Delivery) error {
	e := d.Event
	if e.EventType != order.EventOrderCreated {
		return d.Ack()
	}

	if t.Dedup != nil {
		processed, err := t.Dedup.IsProcessed(ctx, e.EventID)
		if err != nil {
			return fmt.Errorf("order saga trigger: check processed: %w", err)
		}
		if processed {
			return d.Ack()
		}
	}

	decoded, err := t.Registry.Decode(e)
	if err != nil {
		return fmt.Errorf("order saga trigger: %w", err)
	}
	created, ok := decoded.(order.OrderCreated)
	if !ok {
		return apperr.New(apperr.Serialization, "order saga trigger: unexpected payload type")
	}

	inst, err := t.startOrResume(ctx, created)
	if err != nil {
		return fmt.Errorf("order saga trigger: %w", err)
	}

	if err := t.Coordinator.Run(ctx, inst); err != nil {
		log.Printf("❌ order saga %s failed: %v", created.OrderID, err)
		return err
	}

	if inst.Status == saga.Compensated || inst.Status == saga.Failed {
		if err := t.cancelOrder(ctx, created.OrderID); err != nil {
			log.Printf("❌ order saga %s: failed to cancel order after compensation: %v", created.OrderID, err)
			return err
		}
	}

	if t.Dedup != nil {
		if err := t.Dedup.MarkProcessed(ctx, e.EventID, e.AggregateID, e.EventType, "order-saga-trigger"); err != nil {
			log.Printf("❌ failed to mark order saga trigger event %s processed: %v", e.EventID, err)
		}
	}

	return d.Ack()
}

// startOrResume loads any existing Instance for this order first so a
// redelivered OrderCreated resumes the running saga instead of Start
// overwriting it with a fresh one at step zero — the bug a naive
// unconditional Start would reintroduce every step's work, including a
// second inventory reservation and a second payment authorization.
func (t *Trigger) startOrResume(ctx context.Context, created order.OrderCreated) (*saga.Instance, error) {
	existing, found, err := t.Coordinator.Store.Load(ctx, created.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load existing saga: %w", err)
	}
	if found {
		log.Printf("↩️ order saga %s already started, resuming instead of restarting", created.OrderID)
		return &existing, nil
	}

	data, err := MarshalData(Data{
		OrderID:     created.OrderID,
		OrderNumber: created.OrderNumber,
		CustomerID:  created.CustomerID,
		Items:       created.Items,
		Total:       created.Total,
	})
	if err != nil {
		return nil, err
	}
	inst, err := t.Coordinator.Start(ctx, SagaType, created.OrderID, data)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return inst, nil
}

// cancelOrder cancels orderID whenever the saga compensates, independent of
// which step reached completion: ConfirmOrderExecutor.Compensate only runs
// when a step after the confirm step fails, which never happens since
// confirm is the workflow's last step, so it is never reached by the
// automatic reverse-compensation walk in saga.Coordinator.compensateFrom.
// Without this hook, a saga that fails and compensates before the confirm
// step (e.g. payment declined) leaves the order stuck in CREATED forever.
// Reuses ConfirmOrderExecutor's "saga-cancel-"+orderID command id, so if
// that executor's own Compensate also fires, the idempotency gate makes
// the second cancel a no-op rather than a conflicting double-cancel.
func (t *Trigger) cancelOrder(ctx context.Context, orderID string) error {
	if t.Pipeline == nil {
		return nil
	}
	_, err := t.Pipeline.DispatchCancelOrder(ctx, command.CancelOrderCommand{
		CommandID: "saga-cancel-" + orderID,
		OrderID:   orderID,
		Reason:    "saga_compensation",
	})
	return err
}
