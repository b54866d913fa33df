package command

import "orderflow/domain/order"

// CreateOrderCommand accepts a new order. CommandID gates idempotency: a
// retried CreateOrderCommand with the same CommandID replays the original
// result instead of creating a duplicate order.
type CreateOrderCommand struct {
	CommandID       string
	OrderID         string
	OrderNumber     string
	CustomerID      string
	Items           []order.LineItem
	ShippingAddress order.ShippingAddress
}

// ConfirmOrderCommand transitions Created -> Confirmed.
type ConfirmOrderCommand struct {
	CommandID string
	OrderID   string
}

// ShipOrderCommand transitions Confirmed -> Shipped.
type ShipOrderCommand struct {
	CommandID      string
	OrderID        string
	TrackingNumber string
	Carrier        string
}

// DeliverOrderCommand transitions Shipped -> Delivered.
type DeliverOrderCommand struct {
	CommandID string
	OrderID   string
}

// CancelOrderCommand transitions Created|Confirmed -> Cancelled.
type CancelOrderCommand struct {
	CommandID string
	OrderID   string
	Reason    string
}

// Result is returned by every Dispatch* call: the aggregate's state after
// the command was applied (or replayed from the idempotency gate).
type Result struct {
	OrderID string       `json:"order_id"`
	Status  order.Status `json:"status"`
	Version int          `json:"version"`
}
