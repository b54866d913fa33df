package command

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"orderflow/apperr"
	"orderflow/domain/order"
	"orderflow/eventstore"
	"orderflow/idempotency"
	"orderflow/observability"
)

// Pipeline is the command-side backbone of spec §4.2: validate, idempotency
// gate, load, decide, append-with-retry, publish, record.
type Pipeline struct {
	Store          eventstore.EventStore
	UnitOfWork     UnitOfWork
	Registry       *eventstore.Registry
	Gate           idempotency.CommandGate
	IdempotencyTTL time.Duration
	Topic          string
	Telemetry      *observability.Telemetry
	Now            func() time.Time
	MaxRetries     int
}

// NewPipeline builds a Pipeline with sensible defaults (3 conflict retries,
// wall-clock Now).
func NewPipeline(store eventstore.EventStore, uow UnitOfWork, gate idempotency.CommandGate, topic string, ttl time.Duration, tel *observability.Telemetry) *Pipeline {
	return &Pipeline{
		Store:          store,
		UnitOfWork:     uow,
		Registry:       order.Registry(),
		Gate:           gate,
		IdempotencyTTL: ttl,
		Topic:          topic,
		Telemetry:      tel,
		Now:            func() time.Time { return time.Now().UTC() },
		MaxRetries:     3,
	}
}

// gateCheck returns a cached Result if commandID was already processed.
func (p *Pipeline) gateCheck(ctx context.Context, commandID string) (*Result, bool, error) {
	raw, found, err := p.Gate.Check(ctx, commandID)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, apperr.Wrap(apperr.Serialization, "decode cached command result", err)
	}
	return &res, true, nil
}

func (p *Pipeline) gateRecord(ctx context.Context, commandID string, res Result) {
	data, err := json.Marshal(res)
	if err != nil {
		log.Printf("❌ failed to marshal command result for idempotency record: %v", err)
		return
	}
	if err := p.Gate.Record(ctx, commandID, data, p.IdempotencyTTL); err != nil {
		log.Printf("❌ failed to record idempotency result for %s: %v", commandID, err)
	}
}

// loadOrder rebuilds an Order aggregate from the event store. If the
// aggregate has no history and allowCreate is false, NotFound is returned.
func (p *Pipeline) loadOrder(ctx context.Context, orderID string, allowCreate bool) (*order.Order, error) {
	events, err := p.Store.Load(ctx, orderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "load order", err)
	}
	if len(events) == 0 && !allowCreate {
		return nil, apperr.New(apperr.NotFound, "order: not found")
	}
	o := order.NewOrder()
	if err := o.LoadFromHistory(events, p.Registry); err != nil {
		return nil, err
	}
	return o, nil
}

// execute runs the load -> decide -> append retry cycle. decide mutates o
// and raises events via its command methods; on ConcurrencyConflictError it
// reloads fresh state and re-runs decide, up to MaxRetries times.
func (p *Pipeline) execute(ctx context.Context, orderID string, allowCreate bool, decide func(o *order.Order) error) (*order.Order, error) {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		o, err := p.loadOrder(ctx, orderID, allowCreate)
		if err != nil {
			return nil, err
		}
		expectedVersion := o.Version

		if err := decide(o); err != nil {
			return nil, err
		}

		events := o.Changes()
		if len(events) == 0 {
			return o, nil
		}

		err = p.UnitOfWork.AppendAndPublish(ctx, orderID, expectedVersion, events, p.Topic)
		if err == nil {
			o.ClearChanges()
			return o, nil
		}

		var conflict *eventstore.ConcurrencyConflictError
		if !errors.As(err, &conflict) {
			return nil, apperr.Wrap(apperr.Storage, "append order events", err)
		}
		lastErr = apperr.Wrap(apperr.Conflict, "concurrent modification", err)
		if p.Telemetry != nil && p.Telemetry.ConflictCounter != nil {
			p.Telemetry.ConflictCounter.Add(ctx, 1)
		}
		log.Printf("🔙 concurrency conflict on %s (attempt %d/%d), retrying", orderID, attempt+1, p.MaxRetries)
	}
	return nil, lastErr
}

func resultOf(o *order.Order) Result {
	return Result{OrderID: o.ID, Status: o.Status, Version: o.Version}
}

// DispatchCreateOrder handles CreateOrderCommand.
func (p *Pipeline) DispatchCreateOrder(ctx context.Context, cmd CreateOrderCommand) (Result, error) {
	if cmd.CommandID == "" || cmd.OrderID == "" || cmd.OrderNumber == "" || cmd.CustomerID == "" {
		return Result{}, apperr.New(apperr.Validation, "create order: command_id, order_id, order_number, and customer_id are required")
	}

	if cached, found, err := p.gateCheck(ctx, cmd.CommandID); err != nil {
		return Result{}, err
	} else if found {
		return *cached, nil
	}

	now := p.Now()
	o, err := p.execute(ctx, cmd.OrderID, true, func(o *order.Order) error {
		err := o.CreateOrder(cmd.OrderID, cmd.OrderNumber, cmd.CustomerID, cmd.Items, cmd.ShippingAddress, now)
		// A duplicate create racing against a winning concurrent create
		// surfaces as "already created" once we reload post-conflict;
		// that is a definitive rejection, not a retryable conflict.
		if err != nil && errors.Is(err, apperr.Domain) && o.Version > 0 {
			return apperr.Wrap(apperr.Conflict, "order already exists", err)
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}

	res := resultOf(o)
	p.gateRecord(ctx, cmd.CommandID, res)
	if p.Telemetry != nil && p.Telemetry.AppendCounter != nil {
		p.Telemetry.AppendCounter.Add(ctx, 1)
	}
	return res, nil
}

// DispatchConfirmOrder handles ConfirmOrderCommand.
func (p *Pipeline) DispatchConfirmOrder(ctx context.Context, cmd ConfirmOrderCommand) (Result, error) {
	if cmd.CommandID == "" || cmd.OrderID == "" {
		return Result{}, apperr.New(apperr.Validation, "confirm order: command_id and order_id are required")
	}
	if cached, found, err := p.gateCheck(ctx, cmd.CommandID); err != nil {
		return Result{}, err
	} else if found {
		return *cached, nil
	}
	now := p.Now()
	o, err := p.execute(ctx, cmd.OrderID, false, func(o *order.Order) error {
		return o.Confirm(now)
	})
	if err != nil {
		return Result{}, err
	}
	res := resultOf(o)
	p.gateRecord(ctx, cmd.CommandID, res)
	return res, nil
}

// DispatchShipOrder handles ShipOrderCommand.
func (p *Pipeline) DispatchShipOrder(ctx context.Context, cmd ShipOrderCommand) (Result, error) {
	if cmd.CommandID == "" || cmd.OrderID == "" {
		return Result{}, apperr.New(apperr.Validation, "ship order: command_id and order_id are required")
	}
	if cached, found, err := p.gateCheck(ctx, cmd.CommandID); err != nil {
		return Result{}, err
	} else if found {
		return *cached, nil
	}
	now := p.Now()
	o, err := p.execute(ctx, cmd.OrderID, false, func(o *order.Order) error {
		return o.Ship(cmd.TrackingNumber, cmd.Carrier, now)
	})
	if err != nil {
		return Result{}, err
	}
	res := resultOf(o)
	p.gateRecord(ctx, cmd.CommandID, res)
	return res, nil
}

// DispatchDeliverOrder handles DeliverOrderCommand.
func (p *Pipeline) DispatchDeliverOrder(ctx context.Context, cmd DeliverOrderCommand) (Result, error) {
	if cmd.CommandID == "" || cmd.OrderID == "" {
		return Result{}, apperr.New(apperr.Validation, "deliver order: command_id and order_id are required")
	}
	if cached, found, err := p.gateCheck(ctx, cmd.CommandID); err != nil {
		return Result{}, err
	} else if found {
		return *cached, nil
	}
	now := p.Now()
	o, err := p.execute(ctx, cmd.OrderID, false, func(o *order.Order) error {
		return o.Deliver(now)
	})
	if err != nil {
		return Result{}, err
	}
	res := resultOf(o)
	p.gateRecord(ctx, cmd.CommandID, res)
	return res, nil
}

// DispatchCancelOrder handles CancelOrderCommand.
func (p *Pipeline) DispatchCancelOrder(ctx context.Context, cmd CancelOrderCommand) (Result, error) {
	if cmd.CommandID == "" || cmd.OrderID == "" {
		return Result{}, apperr.New(apperr.Validation, "cancel order: command_id and order_id are required")
	}
	if cached, found, err := p.gateCheck(ctx, cmd.CommandID); err != nil {
		return Result{}, err
	} else if found {
		return *cached, nil
	}
	now := p.Now()
	o, err := p.execute(ctx, cmd.OrderID, false, func(o *order.Order) error {
		return o.Cancel(cmd.Reason, now)
	})
	if err != nil {
		return Result{}, err
	}
	res := resultOf(o)
	p.gateRecord(ctx, cmd.CommandID, res)
	return res, nil
}
