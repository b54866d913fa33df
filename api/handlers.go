// Package api is the HTTP command/query adapter from spec §6: it translates
// requests into command.Pipeline dispatches and view.OrderStore/cache.Cache
// reads, mapping apperr.Kind onto the status codes a client can act on.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"orderflow/apperr"
	"orderflow/cache"
	"orderflow/command"
	"orderflow/domain/order"
	"orderflow/pkg/idgen"
	"orderflow/view"
)

// OrderHandler serves the order command/query endpoints.
type OrderHandler struct {
	Pipeline *command.Pipeline
	Views    view.OrderStore
	Cache    cache.Cache
}

// NewOrderHandler wires a handler against the command pipeline and read
// side. cache may be nil, in which case reads always go straight to Views.
func NewOrderHandler(pipeline *command.Pipeline, views view.OrderStore, c cache.Cache) *OrderHandler {
	return &OrderHandler{Pipeline: pipeline, Views: views, Cache: c}
}

// Routes registers every endpoint on mux using Go's method+pattern
// ServeMux syntax.
func (h *OrderHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", HealthCheck)
	mux.HandleFunc("POST /orders", h.CreateOrder)
	mux.HandleFunc("PUT /orders/{id}/confirm", h.ConfirmOrder)
	mux.HandleFunc("PUT /orders/{id}/ship", h.ShipOrder)
	mux.HandleFunc("PUT /orders/{id}/deliver", h.DeliverOrder)
	mux.HandleFunc("PUT /orders/{id}/cancel", h.CancelOrder)
	mux.HandleFunc("GET /orders/{id}", h.GetOrder)
	mux.HandleFunc("GET /orders/number/{number}", h.GetOrderByNumber)
	mux.HandleFunc("GET /customers/{id}/orders", h.ListOrdersByCustomer)
	mux.HandleFunc("GET /orders/status/{status}", h.ListOrdersByStatus)
}

// HealthCheck handles GET /health.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type createOrderRequest struct {
	CommandID       string                `json:"command_id"`
	OrderNumber     string                `json:"order_number"`
	CustomerID      string                `json:"customer_id"`
	Items           []order.LineItem      `json:"items"`
	ShippingAddress order.ShippingAddress `json:"shipping_address"`
}

// CreateOrder handles POST /orders.
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "invalid request body"))
		return
	}
	if req.CommandID == "" {
		req.CommandID = idgen.NewUUID()
	}

	res, err := h.Pipeline.DispatchCreateOrder(r.Context(), command.CreateOrderCommand{
		CommandID:       req.CommandID,
		OrderID:         idgen.NewUUID(),
		OrderNumber:     req.OrderNumber,
		CustomerID:      req.CustomerID,
		Items:           req.Items,
		ShippingAddress: req.ShippingAddress,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
	log.Printf("✅ order created: %s", res.OrderID)
}

type confirmOrderRequest struct {
	CommandID string `json:"command_id"`
}

// ConfirmOrder handles PUT /orders/{id}/confirm.
func (h *OrderHandler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	var req confirmOrderRequest
	decodeOptionalBody(r, &req)
	if req.CommandID == "" {
		req.CommandID = idgen.NewUUID()
	}

	res, err := h.Pipeline.DispatchConfirmOrder(r.Context(), command.ConfirmOrderCommand{
		CommandID: req.CommandID,
		OrderID:   orderID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidate(orderID)
	writeJSON(w, http.StatusOK, res)
}

type shipOrderRequest struct {
	CommandID      string `json:"command_id"`
	TrackingNumber string `json:"tracking_number"`
	Carrier        string `json:"carrier"`
}

// ShipOrder handles PUT /orders/{id}/ship.
func (h *OrderHandler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	var req shipOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "invalid request body"))
		return
	}
	if req.CommandID == "" {
		req.CommandID = idgen.NewUUID()
	}

	res, err := h.Pipeline.DispatchShipOrder(r.Context(), command.ShipOrderCommand{
		CommandID:      req.CommandID,
		OrderID:        orderID,
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidate(orderID)
	writeJSON(w, http.StatusOK, res)
}

type deliverOrderRequest struct {
	CommandID string `json:"command_id"`
}

// DeliverOrder handles PUT /orders/{id}/deliver.
func (h *OrderHandler) DeliverOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	var req deliverOrderRequest
	decodeOptionalBody(r, &req)
	if req.CommandID == "" {
		req.CommandID = idgen.NewUUID()
	}

	res, err := h.Pipeline.DispatchDeliverOrder(r.Context(), command.DeliverOrderCommand{
		CommandID: req.CommandID,
		OrderID:   orderID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidate(orderID)
	writeJSON(w, http.StatusOK, res)
}

type cancelOrderRequest struct {
	CommandID string `json:"command_id"`
	Reason    string `json:"reason"`
}

// CancelOrder handles PUT /orders/{id}/cancel.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "invalid request body"))
		return
	}
	if req.CommandID == "" {
		req.CommandID = idgen.NewUUID()
	}

	res, err := h.Pipeline.DispatchCancelOrder(r.Context(), command.CancelOrderCommand{
		CommandID: req.CommandID,
		OrderID:   orderID,
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidate(orderID)
	writeJSON(w, http.StatusOK, res)
}

// GetOrder handles GET /orders/{id}, serving through the read cache when
// one is configured.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	v, found, err := h.loadByID(r.Context(), orderID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Storage, "load order view", err))
		return
	}
	if !found {
		writeError(w, apperr.New(apperr.NotFound, "order not found"))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrderHandler) loadByID(ctx context.Context, orderID string) (view.OrderView, bool, error) {
	if h.Cache == nil {
		return h.Views.Get(ctx, orderID)
	}
	return h.Cache.GetOrderByID(ctx, orderID, func(ctx context.Context) (view.OrderView, bool, error) {
		return h.Views.Get(ctx, orderID)
	})
}

func (h *OrderHandler) invalidate(orderID string) {
	if h.Cache != nil {
		h.Cache.Invalidate(context.Background(), orderID)
	}
}

// GetOrderByNumber handles GET /orders/number/{number}. Order numbers are
// looked up directly against the view store — range/secondary-index
// queries are never cached, per spec §4.5.
func (h *OrderHandler) GetOrderByNumber(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")
	v, found, err := h.Views.GetByOrderNumber(r.Context(), number)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Storage, "load order view", err))
		return
	}
	if !found {
		writeError(w, apperr.New(apperr.NotFound, "order not found"))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListOrdersByCustomer handles GET /customers/{id}/orders?limit=&offset=.
func (h *OrderHandler) ListOrdersByCustomer(w http.ResponseWriter, r *http.Request) {
	customerID := r.PathValue("id")
	limit, offset := pagination(r)
	rows, err := h.Views.ListByCustomer(r.Context(), customerID, limit, offset)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Storage, "list orders by customer", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// ListOrdersByStatus handles GET /orders/status/{status}?limit=&offset=.
func (h *OrderHandler) ListOrdersByStatus(w http.ResponseWriter, r *http.Request) {
	status := order.Status(r.PathValue("status"))
	limit, offset := pagination(r)
	rows, err := h.Views.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Storage, "list orders by status", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func decodeOptionalBody(r *http.Request, dst any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("❌ failed to encode response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps apperr.Kind onto HTTP status codes:
// validation/domain -> 400, conflict -> 409, not_found -> 404, timeout ->
// 504, everything else -> 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind, ok := apperr.KindOf(err)
	if ok {
		switch kind {
		case apperr.KindValidation, apperr.KindDomain:
			status = http.StatusBadRequest
		case apperr.KindNotFound:
			status = http.StatusNotFound
		case apperr.KindConflict:
			status = http.StatusConflict
		case apperr.KindTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	if status == http.StatusInternalServerError {
		log.Printf("❌ internal error: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
