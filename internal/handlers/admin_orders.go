package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/services"
)

// AdminOrderHandlers drives fulfilment from the back office: listing orders
// across customers, advancing the two state machines, and pricing bespoke
// orders so their checkout can unlock.
type AdminOrderHandlers struct {
	authn        *auth.Authenticator
	orders       services.OrderService
	measurements services.MeasurementOrderService
}

// NewAdminOrderHandlers constructs admin order handlers.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, measurements services.MeasurementOrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		authn:        authn,
		orders:       orders,
		measurements: measurements,
	}
}

// Routes registers admin order endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Route("/orders", func(rt chi.Router) {
		rt.Get("/", h.listOrders)
		rt.Get("/{orderID}", h.getOrder)
		rt.Post("/{orderID}/status", h.transitionOrder)
		rt.Post("/{orderID}/cancel", h.cancelOrder)
	})
	r.Route("/measurement-orders", func(rt chi.Router) {
		rt.Get("/", h.listMeasurementOrders)
		rt.Get("/{orderID}", h.getMeasurementOrder)
		rt.Post("/{orderID}/status", h.transitionMeasurementOrder)
		rt.Post("/{orderID}/cancel", h.cancelMeasurementOrder)
		rt.Post("/{orderID}/price", h.setMeasurementPrice)
	})
}

type orderTransitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type setPriceRequest struct {
	Amount int64 `json:"amount"`
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireStaff(ctx, w, h.orders != nil); !ok {
		return
	}

	filter := services.OrderListFilter{
		CustomerID: strings.TrimSpace(r.URL.Query().Get("customer_id")),
		Pagination: paginationFromQuery(r),
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filter.Status = splitCSVParam(status)
	}
	if paymentStatus := strings.TrimSpace(r.URL.Query().Get("payment_status")); paymentStatus != "" {
		filter.PaymentStatus = splitCSVParam(paymentStatus)
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummaryPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderPagePayload{Items: items, NextPageToken: page.NextPageToken})
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireStaff(ctx, w, h.orders != nil); !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *AdminOrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w, h.orders != nil)
	if !ok {
		return
	}

	var req orderTransitionRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:      strings.TrimSpace(chi.URLParam(r, "orderID")),
		TargetStatus: services.OrderStatus(strings.TrimSpace(req.Status)),
		ActorID:      identity.UID,
		Reason:       strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *AdminOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w, h.orders != nil)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		ActorID: identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *AdminOrderHandlers) listMeasurementOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireStaff(ctx, w, h.measurements != nil); !ok {
		return
	}

	filter := services.MeasurementOrderListFilter{
		CustomerID: strings.TrimSpace(r.URL.Query().Get("customer_id")),
		Pagination: paginationFromQuery(r),
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filter.Status = splitCSVParam(status)
	}
	if paymentStatus := strings.TrimSpace(r.URL.Query().Get("payment_status")); paymentStatus != "" {
		filter.PaymentStatus = splitCSVParam(paymentStatus)
	}
	if unpricedRaw := strings.TrimSpace(r.URL.Query().Get("unpriced")); unpricedRaw != "" {
		unpriced := unpricedRaw == "true" || unpricedRaw == "1"
		filter.Unpriced = &unpriced
	}

	page, err := h.measurements.List(ctx, filter)
	if err != nil {
		writeMeasurementError(ctx, w, err)
		return
	}

	items := make([]measurementOrderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildMeasurementOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, measurementOrderPagePayload{Items: items, NextPageToken: page.NextPageToken})
}

func (h *AdminOrderHandlers) getMeasurementOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireStaff(ctx, w, h.measurements != nil); !ok {
		return
	}

	order, err := h.measurements.Get(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		writeMeasurementError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildMeasurementOrderPayload(order))
}

func (h *AdminOrderHandlers) transitionMeasurementOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w, h.measurements != nil)
	if !ok {
		return
	}

	var req orderTransitionRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	order, err := h.measurements.TransitionStatus(ctx, services.MeasurementStatusTransitionCommand{
		OrderID:      strings.TrimSpace(chi.URLParam(r, "orderID")),
		TargetStatus: services.MeasurementStatus(strings.TrimSpace(req.Status)),
		ActorID:      identity.UID,
		Reason:       strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeMeasurementError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildMeasurementOrderPayload(order))
}

func (h *AdminOrderHandlers) cancelMeasurementOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w, h.measurements != nil)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	order, err := h.measurements.Cancel(ctx, services.CancelMeasurementOrderCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		ActorID: identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeMeasurementError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildMeasurementOrderPayload(order))
}

// setMeasurementPrice assigns the quoted amount for a bespoke order. Checkout
// for the order stays blocked until this succeeds.
func (h *AdminOrderHandlers) setMeasurementPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w, h.measurements != nil)
	if !ok {
		return
	}

	var req setPriceRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	order, err := h.measurements.SetPrice(ctx, services.SetMeasurementPriceCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Amount:  req.Amount,
		ActorID: identity.UID,
	})
	if err != nil {
		writeMeasurementError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildMeasurementOrderPayload(order))
}

func (h *AdminOrderHandlers) requireStaff(ctx context.Context, w http.ResponseWriter, serviceReady bool) (*auth.Identity, bool) {
	if !serviceReady {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

type measurementOrderPagePayload struct {
	Items         []measurementOrderPayload `json:"items"`
	NextPageToken string                    `json:"next_page_token,omitempty"`
}
