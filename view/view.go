// Package view holds the read side: the denormalized orders table from
// spec §6 ("Read view (table, example: orders)"), backed by pgx/pgxpool
// rather than the event store's database/sql+lib/pq pool, mirroring
// mickamy-go-event-sourcing's pattern of a dedicated pool per concern.
package view

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/domain/order"
)

// OrderView is one row of the orders read view.
type OrderView struct {
	OrderID         string                `json:"order_id"`
	CustomerID      string                `json:"customer_id"`
	OrderNumber     string                `json:"order_number"`
	Status          order.Status          `json:"status"`
	Total           decimal.Decimal       `json:"total"`
	Items           []order.LineItem      `json:"items"`
	ShippingAddress order.ShippingAddress `json:"shipping_address"`
	TrackingNumber  string                `json:"tracking_number,omitempty"`
	Carrier         string                `json:"carrier,omitempty"`
	Version         int                   `json:"version"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// ItemsJSON and ShippingAddressJSON are convenience marshal helpers used by
// Postgres/pgx bindings that need raw JSON rather than Go structs.
func (v OrderView) ItemsJSON() ([]byte, error)           { return json.Marshal(v.Items) }
func (v OrderView) ShippingAddressJSON() ([]byte, error) { return json.Marshal(v.ShippingAddress) }

// ListFilter groups the customer, status and pagination parameters of a
// listing query. OrderStore's ListByCustomer and ListByStatus take these as
// separate arguments and do not accept a ListFilter.
type ListFilter struct {
	CustomerID string
	Status     order.Status
	Limit      int
	Offset     int
}

// OrderStore is the view-side storage surface: version-guarded upserts plus
// the read paths the query adapter needs.
type OrderStore interface {
	// Upsert writes v only if no row exists for v.OrderID or the existing
	// row's version is strictly less than v.Version, per spec §4.4 step 2.
	// It reports applied=false when the guard rejected a stale/duplicate
	// write.
	Upsert(ctx context.Context, v OrderView) (applied bool, err error)
	Get(ctx context.Context, orderID string) (OrderView, bool, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (OrderView, bool, error)
	ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]OrderView, error)
	ListByStatus(ctx context.Context, status order.Status, limit, offset int) ([]OrderView, error)
	// Clear removes all rows — used by the replay service to rebuild from
	// scratch (spec §8 testable property 6, "projection rebuild").
	Clear(ctx context.Context) error
}
