package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/apperr"
	"orderflow/eventstore"
	"orderflow/pkg/idgen"
)

// Order is the event-sourced order aggregate. All state is derived by
// folding events through When; command methods validate against the
// current state, then Raise exactly one event on success, per spec §4.2
// "each transition produces exactly one domain event".
type Order struct {
	ID              string
	OrderNumber     string
	CustomerID      string
	Items           []LineItem
	ShippingAddress ShippingAddress
	Total           decimal.Decimal
	Status          Status
	TrackingNumber  string
	Carrier         string
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// EligibilityChecked records the outcome of the last pre-confirmation
	// eligibility check, if one was run via CheckEligibility.
	EligibilityChecked bool
	EligibilityReason  string

	// Version is the last applied event's stream version (0 = no events
	// applied yet). It doubles as the expectedVersion for the next Append.
	Version int

	// changes accumulates events raised but not yet returned to the caller
	// via Changes/ClearChanges — mirrors the teacher's pending-events buffer.
	changes []eventstore.Event
}

// NewOrder returns a zero-value Order ready to accept CreateOrder.
func NewOrder() *Order {
	return &Order{}
}

// Changes returns the events raised since the last ClearChanges call.
func (o *Order) Changes() []eventstore.Event {
	return o.changes
}

// ClearChanges empties the pending-events buffer after the caller has
// persisted them via eventstore.Append.
func (o *Order) ClearChanges() {
	o.changes = nil
}

// LoadFromHistory rebuilds state by folding events in order, as read back
// from eventstore.Load. It does not populate changes.
func (o *Order) LoadFromHistory(events []eventstore.Event, registry *eventstore.Registry) error {
	for _, e := range events {
		decoded, err := registry.Decode(e)
		if err != nil {
			return apperr.Wrap(apperr.Serialization, "decode order event", err)
		}
		if err := o.when(decoded); err != nil {
			return err
		}
		o.Version = e.Version
	}
	return nil
}

// when folds a single decoded event into state. It never fails for
// well-formed history; errors here indicate corrupted event data.
func (o *Order) when(evt any) error {
	switch e := evt.(type) {
	case OrderCreated:
		o.ID = e.OrderID
		o.OrderNumber = e.OrderNumber
		o.CustomerID = e.CustomerID
		o.Items = e.Items
		o.ShippingAddress = e.ShippingAddress
		o.Total = e.Total
		o.Status = StatusCreated
		o.CreatedAt = e.CreatedAt
		o.UpdatedAt = e.CreatedAt
	case OrderConfirmed:
		o.Status = StatusConfirmed
		o.UpdatedAt = e.ConfirmedAt
	case OrderShipped:
		o.Status = StatusShipped
		o.TrackingNumber = e.TrackingNumber
		o.Carrier = e.Carrier
		o.UpdatedAt = e.ShippedAt
	case OrderDelivered:
		o.Status = StatusDelivered
		o.UpdatedAt = e.DeliveredAt
	case OrderCancelled:
		o.Status = StatusCancelled
		o.UpdatedAt = e.CancelledAt
	case OrderRepriced:
		o.Total = e.NewTotal
		o.UpdatedAt = e.RepricedAt
	case EligibilityChecked:
		o.EligibilityChecked = e.Eligible
		o.EligibilityReason = e.Reason
		o.UpdatedAt = e.CheckedAt
	default:
		return apperr.New(apperr.Serialization, fmt.Sprintf("order: unrecognized event %T", evt))
	}
	return nil
}

// raise folds evt into state via when, then appends the wire-ready
// eventstore.Event to changes at the next sequential version.
func (o *Order) raise(eventType string, payload any, evt any) error {
	if err := o.when(evt); err != nil {
		return err
	}
	e, err := eventstore.NewEvent(idgen.NewUUID(), o.ID, "Order", eventType, CurrentEventVersion, payload, eventstore.Metadata{})
	if err != nil {
		return apperr.Wrap(apperr.Serialization, "build order event", err)
	}
	o.Version++
	e.Version = o.Version
	o.changes = append(o.changes, e)
	return nil
}

// CreateOrder validates a new order request and raises OrderCreated. It is
// the only command valid on a zero-value Order.
func (o *Order) CreateOrder(orderID, orderNumber, customerID string, items []LineItem, addr ShippingAddress, now time.Time) error {
	if o.Version != 0 || o.Status != "" {
		return apperr.New(apperr.Domain, "order: already created")
	}
	if orderID == "" || orderNumber == "" || customerID == "" {
		return apperr.New(apperr.Validation, "order: order_id, order_number, and customer_id are required")
	}
	if len(items) == 0 {
		return apperr.New(apperr.Validation, "order: at least one line item is required")
	}
	total := decimal.Zero
	for _, item := range items {
		if item.Quantity <= 0 {
			return apperr.New(apperr.Validation, fmt.Sprintf("order: line item %s has non-positive quantity", item.SKU))
		}
		if item.UnitPrice.IsNegative() {
			return apperr.New(apperr.Validation, fmt.Sprintf("order: line item %s has negative unit price", item.SKU))
		}
		total = total.Add(item.Subtotal())
	}

	payload := OrderCreated{
		OrderID:         orderID,
		OrderNumber:     orderNumber,
		CustomerID:      customerID,
		Items:           items,
		ShippingAddress: addr,
		Total:           total,
		CreatedAt:       now,
	}
	return o.raise(EventOrderCreated, payload, payload)
}

// Reprice recomputes the order's total ahead of confirmation. It is an
// internal sub-step of the confirmation flow, not a standalone public
// command: callers run it (optionally) before Confirm, never after.
func (o *Order) Reprice(newTotal decimal.Decimal, reason string, now time.Time) error {
	if o.Status != StatusCreated {
		return apperr.New(apperr.Domain, fmt.Sprintf("order: cannot reprice from status %s", o.Status))
	}
	if newTotal.IsNegative() {
		return apperr.New(apperr.Validation, "order: new total must not be negative")
	}
	payload := OrderRepriced{OrderID: o.ID, OldTotal: o.Total, NewTotal: newTotal, Reason: reason, RepricedAt: now}
	return o.raise(EventOrderRepriced, payload, payload)
}

// CheckEligibility records a balance/eligibility check ahead of
// confirmation. Like Reprice, it is an internal sub-step: an ineligible
// result does not itself transition Status — the caller is expected to
// reject confirmation (or cancel) based on the recorded outcome.
func (o *Order) CheckEligibility(eligible bool, reason string, now time.Time) error {
	if o.Status != StatusCreated {
		return apperr.New(apperr.Domain, fmt.Sprintf("order: cannot check eligibility from status %s", o.Status))
	}
	payload := EligibilityChecked{OrderID: o.ID, Eligible: eligible, Reason: reason, CheckedAt: now}
	return o.raise(EventEligibilityChecked, payload, payload)
}

// Confirm transitions Created -> Confirmed.
func (o *Order) Confirm(now time.Time) error {
	if o.Status != StatusCreated {
		return apperr.New(apperr.Domain, fmt.Sprintf("order: cannot confirm from status %s", o.Status))
	}
	payload := OrderConfirmed{OrderID: o.ID, ConfirmedAt: now}
	return o.raise(EventOrderConfirmed, payload, payload)
}

// Ship transitions Confirmed -> Shipped.
func (o *Order) Ship(trackingNumber, carrier string, now time.Time) error {
	if o.Status != StatusConfirmed {
		return apperr.New(apperr.Domain, fmt.Sprintf("order: cannot ship from status %s", o.Status))
	}
	if trackingNumber == "" || carrier == "" {
		return apperr.New(apperr.Validation, "order: tracking_number and carrier are required to ship")
	}
	payload := OrderShipped{OrderID: o.ID, TrackingNumber: trackingNumber, Carrier: carrier, ShippedAt: now}
	return o.raise(EventOrderShipped, payload, payload)
}

// Deliver transitions Shipped -> Delivered.
func (o *Order) Deliver(now time.Time) error {
	if o.Status != StatusShipped {
		return apperr.New(apperr.Domain, fmt.Sprintf("order: cannot deliver from status %s", o.Status))
	}
	payload := OrderDelivered{OrderID: o.ID, DeliveredAt: now}
	return o.raise(EventOrderDelivered, payload, payload)
}

// Cancel transitions Created|Confirmed -> Cancelled. Shipped and Delivered
// orders can never be cancelled, per spec §4.2's state machine.
func (o *Order) Cancel(reason string, now time.Time) error {
	switch o.Status {
	case StatusCreated, StatusConfirmed:
	default:
		return apperr.New(apperr.Domain, fmt.Sprintf("order: cannot cancel from status %s", o.Status))
	}
	if reason == "" {
		return apperr.New(apperr.Validation, "order: cancellation reason is required")
	}
	payload := OrderCancelled{OrderID: o.ID, Reason: reason, CancelledAt: now}
	return o.raise(EventOrderCancelled, payload, payload)
}

// Registry returns an eventstore.Registry wired for every Order event type,
// suitable for LoadFromHistory, projections, and replay.
func Registry() *eventstore.Registry {
	r := eventstore.NewRegistry()
	r.Register(EventOrderCreated, CurrentEventVersion, func(e eventstore.Event) (any, error) {
		var payload OrderCreated
		if err := e.Decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	r.Register(EventOrderConfirmed, CurrentEventVersion, func(e eventstore.Event) (any, error) {
		var payload OrderConfirmed
		if err := e.Decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	r.Register(EventOrderShipped, CurrentEventVersion, func(e eventstore.Event) (any, error) {
		var payload OrderShipped
		if err := e.Decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	r.Register(EventOrderDelivered, CurrentEventVersion, func(e eventstore.Event) (any, error) {
		var payload OrderDelivered
		if err := e.Decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	r.Register(EventOrderCancelled, CurrentEventVersion, func(e eventstore.Event) (any, error) {
		var payload OrderCancelled
		if err := e.Decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	r.Register(EventOrderRepriced, CurrentEventVersion, func(e eventstore.Event) (any, error) {
		var payload OrderRepriced
		if err := e.Decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	r.Register(EventEligibilityChecked, CurrentEventVersion, func(e eventstore.Event) (any, error) {
		var payload EligibilityChecked
		if err := e.Decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	return r
}
