package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the order aggregate's lifecycle state, per spec §4.2:
// Created -> Confirmed -> Shipped -> Delivered, with Created|Confirmed -> Cancelled.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusConfirmed Status = "CONFIRMED"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// LineItem is one entry of an order, carrying money as decimal.Decimal
// rather than float64 per spec §9's open question on rounding drift.
type LineItem struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal returns quantity * unit price for this line item.
func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// ShippingAddress is the denormalized shipping address carried in both the
// event payload and the read view.
type ShippingAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Event type names used for eventstore.Registry dispatch. Kept as string
// constants so projections, sagas, and the event store scan logic agree on
// spelling.
const (
	EventOrderCreated   = "OrderCreated"
	EventOrderConfirmed = "OrderConfirmed"
	EventOrderShipped   = "OrderShipped"
	EventOrderDelivered = "OrderDelivered"
	EventOrderCancelled      = "OrderCancelled"
	EventOrderRepriced       = "OrderRepriced"
	EventEligibilityChecked  = "EligibilityChecked"
)

// CurrentEventVersion is the schema revision used for all payloads below.
// Bumping it requires a migration entry in the registry (spec §9).
const CurrentEventVersion = 1

// OrderCreated is emitted once, at version 1, when a new order is accepted.
type OrderCreated struct {
	OrderID         string          `json:"order_id"`
	OrderNumber     string          `json:"order_number"`
	CustomerID      string          `json:"customer_id"`
	Items           []LineItem      `json:"items"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	Total           decimal.Decimal `json:"total"`
	CreatedAt       time.Time       `json:"created_at"`
}

// OrderConfirmed is emitted on Created -> Confirmed.
type OrderConfirmed struct {
	OrderID     string    `json:"order_id"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// OrderShipped is emitted on Confirmed -> Shipped.
type OrderShipped struct {
	OrderID        string    `json:"order_id"`
	TrackingNumber string    `json:"tracking_number"`
	Carrier        string    `json:"carrier"`
	ShippedAt      time.Time `json:"shipped_at"`
}

// OrderDelivered is emitted on Shipped -> Delivered.
type OrderDelivered struct {
	OrderID     string    `json:"order_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// OrderCancelled is emitted on Created|Confirmed -> Cancelled. Reason lets
// saga compensation record why (e.g. "payment_authorization_failed").
type OrderCancelled struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// OrderRepriced is an internal sub-step of confirmation: the order's total
// was recomputed against current pricing before confirming. It does not
// change Status and has no independent public command.
type OrderRepriced struct {
	OrderID    string          `json:"order_id"`
	OldTotal   decimal.Decimal `json:"old_total"`
	NewTotal   decimal.Decimal `json:"new_total"`
	Reason     string          `json:"reason"`
	RepricedAt time.Time       `json:"repriced_at"`
}

// EligibilityChecked is an internal sub-step of confirmation: a
// balance/eligibility check ran before the order was allowed to confirm.
// It records the outcome but, like OrderRepriced, never changes Status by
// itself, and Confirm does not consult the recorded outcome.
type EligibilityChecked struct {
	OrderID   string    `json:"order_id"`
	Eligible  bool      `json:"eligible"`
	Reason    string    `json:"reason"`
	CheckedAt time.Time `json:"checked_at"`
}
