package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/api"
	"orderflow/bus"
	"orderflow/command"
	"orderflow/domain/order"
	"orderflow/eventstore"
	"orderflow/idempotency"
	"orderflow/projection"
	"orderflow/view"
)

func newHandler() *api.OrderHandler {
	store := eventstore.NewMemoryEventStore()
	b := bus.NewMemoryBus()
	uow := &command.MemoryUnitOfWork{Store: store, Publisher: b}
	gate := idempotency.NewMemoryStore()
	pipeline := command.NewPipeline(store, uow, gate, "order-events", 0, nil)
	views := view.NewMemoryOrderStore()
	// The read side is fed asynchronously from the bus, as in production.
	proj := projection.NewOrderProjection(views, nil)
	_ = projection.NewSubscriber(b, proj, []string{"order-events"}).Run(context.Background())
	return api.NewOrderHandler(pipeline, views, nil)
}

func newServer() *httptest.Server {
	h := newHandler()
	mux := http.NewServeMux()
	h.Routes(mux)
	return httptest.NewServer(mux)
}

func TestAPI_CreateThenGetOrder(t *testing.T) {
	srv := newServer()
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{
		"order_number": "ON-1",
		"customer_id":  "cust-1",
		"items": []order.LineItem{
			{SKU: "SKU-1", Quantity: 2, UnitPrice: decimal.RequireFromString("5.00")},
		},
	})
	resp, err := http.Post(srv.URL+"/orders", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created command.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, order.StatusCreated, created.Status)

	// The view is eventually consistent: wait for the projection to apply
	// OrderCreated before reading it back.
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/orders/" + created.OrderID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		return r.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	getResp, err := http.Get(srv.URL + "/orders/" + created.OrderID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestAPI_GetUnknownOrderIs404(t *testing.T) {
	srv := newServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/orders/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreateOrderValidatesBody(t *testing.T) {
	srv := newServer()
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/orders", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
