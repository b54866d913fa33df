package view

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"orderflow/apperr"
	"orderflow/domain/order"
)

// PostgresOrderStore is the durable OrderStore, pooled via pgxpool per
// SPEC_FULL.md's dual-pool design (distinct from the event store's
// database/sql+lib/pq connection).
type PostgresOrderStore struct {
	pool *pgxpool.Pool
}

// NewPostgresOrderStore wraps an already-connected pool.
func NewPostgresOrderStore(pool *pgxpool.Pool) *PostgresOrderStore {
	return &PostgresOrderStore{pool: pool}
}

// Migrate creates the orders view table and its secondary indexes.
func (s *PostgresOrderStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			order_id         TEXT PRIMARY KEY,
			customer_id      TEXT NOT NULL,
			order_number     TEXT NOT NULL UNIQUE,
			status           TEXT NOT NULL,
			total            NUMERIC NOT NULL,
			items            JSONB NOT NULL,
			shipping_address JSONB NOT NULL,
			tracking_number  TEXT NOT NULL DEFAULT '',
			carrier          TEXT NOT NULL DEFAULT '',
			version          INTEGER NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders (customer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status, created_at DESC);
	`)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "migrate orders view", err)
	}
	return nil
}

// Upsert applies spec §4.4's version guard: insert on first sight, update
// only if version strictly advances.
func (s *PostgresOrderStore) Upsert(ctx context.Context, v OrderView) (bool, error) {
	items, err := v.ItemsJSON()
	if err != nil {
		return false, apperr.Wrap(apperr.Serialization, "marshal view items", err)
	}
	addr, err := v.ShippingAddressJSON()
	if err != nil {
		return false, apperr.Wrap(apperr.Serialization, "marshal view shipping address", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO orders (order_id, customer_id, order_number, status, total, items, shipping_address, tracking_number, carrier, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (order_id) DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			status = EXCLUDED.status,
			total = EXCLUDED.total,
			items = EXCLUDED.items,
			shipping_address = EXCLUDED.shipping_address,
			tracking_number = EXCLUDED.tracking_number,
			carrier = EXCLUDED.carrier,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE orders.version < EXCLUDED.version
	`, v.OrderID, v.CustomerID, v.OrderNumber, string(v.Status), v.Total, items, addr, v.TrackingNumber, v.Carrier, v.Version, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "upsert order view", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanOrderView(row pgx.Row) (OrderView, bool, error) {
	var v OrderView
	var status string
	var total decimal.Decimal
	var items, addr []byte
	var createdAt, updatedAt time.Time

	err := row.Scan(&v.OrderID, &v.CustomerID, &v.OrderNumber, &status, &total, &items, &addr,
		&v.TrackingNumber, &v.Carrier, &v.Version, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return OrderView{}, false, nil
	}
	if err != nil {
		return OrderView{}, false, apperr.Wrap(apperr.Storage, "scan order view", err)
	}
	v.Status = order.Status(status)
	v.Total = total
	v.CreatedAt = createdAt
	v.UpdatedAt = updatedAt
	if err := json.Unmarshal(items, &v.Items); err != nil {
		return OrderView{}, false, apperr.Wrap(apperr.Serialization, "unmarshal view items", err)
	}
	if err := json.Unmarshal(addr, &v.ShippingAddress); err != nil {
		return OrderView{}, false, apperr.Wrap(apperr.Serialization, "unmarshal view shipping address", err)
	}
	return v, true, nil
}

const selectColumns = `order_id, customer_id, order_number, status, total, items, shipping_address, tracking_number, carrier, version, created_at, updated_at`

// Get fetches the view row for orderID.
func (s *PostgresOrderStore) Get(ctx context.Context, orderID string) (OrderView, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM orders WHERE order_id = $1`, orderID)
	return scanOrderView(row)
}

// GetByOrderNumber fetches the view row for orderNumber.
func (s *PostgresOrderStore) GetByOrderNumber(ctx context.Context, orderNumber string) (OrderView, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM orders WHERE order_number = $1`, orderNumber)
	return scanOrderView(row)
}

// ListByCustomer lists a customer's orders newest-first.
func (s *PostgresOrderStore) ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]OrderView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+` FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, customerID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "list orders by customer", err)
	}
	defer rows.Close()
	return scanOrderViews(rows)
}

// ListByStatus lists orders by status newest-first.
func (s *PostgresOrderStore) ListByStatus(ctx context.Context, status order.Status, limit, offset int) ([]OrderView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+` FROM orders
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "list orders by status", err)
	}
	defer rows.Close()
	return scanOrderViews(rows)
}

func scanOrderViews(rows pgx.Rows) ([]OrderView, error) {
	var out []OrderView
	for rows.Next() {
		v, ok, err := scanOrderView(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, rows.Err()
}

// Clear truncates the view, used before a full replay.
func (s *PostgresOrderStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE TABLE orders`)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "clear orders view", err)
	}
	return nil
}

var _ OrderStore = (*PostgresOrderStore)(nil)
