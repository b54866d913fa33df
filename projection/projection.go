// Package projection implements the projection pipeline from spec §4.4:
// per-event-type idempotent handlers, a version-guarded upsert against the
// view store, unknown types logged and skipped (never failed), and offset
// commit only after the view update succeeds.
package projection

import (
	"context"
	"log"
	"time"

	"orderflow/bus"
	"orderflow/domain/order"
	"orderflow/eventstore"
	"orderflow/observability"
	"orderflow/view"
)

// OrderProjection folds Order events into the orders read view.
type OrderProjection struct {
	Store     view.OrderStore
	Registry  *eventstore.Registry
	Telemetry *observability.Telemetry
}

// NewOrderProjection wires an OrderProjection against an OrderStore using
// the shared order event registry.
func NewOrderProjection(store view.OrderStore, tel *observability.Telemetry) *OrderProjection {
	return &OrderProjection{Store: store, Registry: order.Registry(), Telemetry: tel}
}

// Handle applies one event, per spec §4.4 steps 1-2. Unknown (event_type,
// event_version) combinations are logged and skipped, never failed — the
// distinction from the saga coordinator's decode policy, per spec §9.
func (p *OrderProjection) Handle(ctx context.Context, e eventstore.Event) error {
	if !p.Registry.Known(e) {
		log.Printf("⚠️ projection: skipping unknown event %s v%d", e.EventType, e.EventVersion)
		return nil
	}
	decoded, err := p.Registry.Decode(e)
	if err != nil {
		log.Printf("⚠️ projection: skipping undecodable event %s: %v", e.EventType, err)
		return nil
	}

	current, found, err := p.Store.Get(ctx, e.AggregateID)
	if err != nil {
		return err
	}
	if found && e.Version <= current.Version {
		// Out-of-order or duplicate delivery; the version guard makes this
		// a safe no-op rather than a regression.
		return nil
	}

	next := applyOrderEvent(current, found, e, decoded)
	applied, err := p.Store.Upsert(ctx, next)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if p.Telemetry != nil && p.Telemetry.AppendCounter != nil {
		p.Telemetry.AppendCounter.Add(ctx, 1)
	}
	return nil
}

func applyOrderEvent(current view.OrderView, found bool, e eventstore.Event, decoded any) view.OrderView {
	v := current
	if !found {
		v = view.OrderView{OrderID: e.AggregateID}
	}
	v.Version = e.Version

	switch payload := decoded.(type) {
	case order.OrderCreated:
		v.CustomerID = payload.CustomerID
		v.OrderNumber = payload.OrderNumber
		v.Status = order.StatusCreated
		v.Total = payload.Total
		v.Items = payload.Items
		v.ShippingAddress = payload.ShippingAddress
		v.CreatedAt = payload.CreatedAt
		v.UpdatedAt = payload.CreatedAt
	case order.OrderConfirmed:
		v.Status = order.StatusConfirmed
		v.UpdatedAt = payload.ConfirmedAt
	case order.OrderShipped:
		v.Status = order.StatusShipped
		v.TrackingNumber = payload.TrackingNumber
		v.Carrier = payload.Carrier
		v.UpdatedAt = payload.ShippedAt
	case order.OrderDelivered:
		v.Status = order.StatusDelivered
		v.UpdatedAt = payload.DeliveredAt
	case order.OrderCancelled:
		v.Status = order.StatusCancelled
		v.UpdatedAt = payload.CancelledAt
	case order.OrderRepriced:
		v.Total = payload.NewTotal
		v.UpdatedAt = payload.RepricedAt
	case order.EligibilityChecked:
		v.UpdatedAt = payload.CheckedAt
	}
	return v
}

// Subscriber drives an OrderProjection off a bus.Consumer, committing the
// offset (Ack) only once Handle has successfully updated the view.
type Subscriber struct {
	Bus        bus.Consumer
	Projection *OrderProjection
	Group      string
	Topics     []string
}

// NewSubscriber builds a Subscriber with the conventional consumer group
// name "projection-orders".
func NewSubscriber(b bus.Consumer, p *OrderProjection, topics []string) *Subscriber {
	return &Subscriber{Bus: b, Projection: p, Group: "projection-orders", Topics: topics}
}

// Run subscribes and returns once the subscription is in place; the bus
// processes deliveries on its own goroutines until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	return s.Bus.Subscribe(ctx, s.Group, s.Topics, func(ctx context.Context, d bus.Delivery) error {
		start := time.Now()
		if err := s.Projection.Handle(ctx, d.Event); err != nil {
			// Storage errors are transient: leave the offset uncommitted so
			// the broker redelivers, per spec §7 "Projection handlers treat
			// Storage as transient".
			return err
		}
		if err := d.Ack(); err != nil {
			log.Printf("❌ failed to ack delivery for %s: %v", d.Event.EventType, err)
			return err
		}
		log.Printf("✅ projected %s for %s in %s", d.Event.EventType, d.Event.AggregateID, time.Since(start))
		return nil
	})
}
