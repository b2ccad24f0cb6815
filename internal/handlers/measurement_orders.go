package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/repositories"
	"github.com/stitchfield/api/internal/services"
)

const maxMeasurementBodySize = 64 * 1024

// MeasurementOrderHandlers exposes bespoke order intake and the customer view
// of the manufacturing pipeline. Intake accepts guests; everything else needs
// an authenticated customer.
type MeasurementOrderHandlers struct {
	authn        *auth.Authenticator
	measurements services.MeasurementOrderService
	checkout     services.CheckoutService
}

// NewMeasurementOrderHandlers constructs measurement order handlers.
func NewMeasurementOrderHandlers(authn *auth.Authenticator, measurements services.MeasurementOrderService, checkout services.CheckoutService) *MeasurementOrderHandlers {
	return &MeasurementOrderHandlers{
		authn:        authn,
		measurements: measurements,
		checkout:     checkout,
	}
}

// Routes registers measurement order endpoints.
func (h *MeasurementOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	intake := r
	if h.authn != nil {
		intake = intake.With(h.authn.OptionalFirebaseAuth())
	}
	intake.Post("/", h.createOrder)

	authed := r
	if h.authn != nil {
		authed = authed.With(h.authn.RequireFirebaseAuth())
	}
	authed.Route("/{orderID}", func(r chi.Router) {
		r.Get("/", h.getOrder)
		r.Post("/cancel", h.cancelOrder)
		r.Post("/checkout", h.checkoutOrder)
	})
}

type createMeasurementOrderRequest struct {
	GuestEmail      string             `json:"guest_email"`
	StyleTemplateID *string            `json:"style_template_id"`
	FabricChoice    string             `json:"fabric_choice"`
	Measurements    map[string]float64 `json:"measurements"`
	Notes           string             `json:"notes"`
	ShippingAddress *addressRequest    `json:"shipping_address"`
	Contact         checkoutContact    `json:"contact"`
}

type measurementCheckoutRequest struct {
	Provider    string `json:"provider"`
	RedirectURL string `json:"redirect_url"`
}

func (h *MeasurementOrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.measurements == nil {
		httpx.WriteError(ctx, w, httpx.NewError("measurement_service_unavailable", "measurement order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxMeasurementBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req createMeasurementOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	customerID := ""
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		customerID = strings.TrimSpace(identity.UID)
	}
	guestEmail := strings.TrimSpace(strings.ToLower(req.GuestEmail))
	if customerID == "" && guestEmail == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "sign in or supply guest_email", http.StatusUnauthorized))
		return
	}

	cmd := services.CreateMeasurementOrderCommand{
		CustomerID:   customerID,
		GuestEmail:   guestEmail,
		FabricChoice: strings.TrimSpace(req.FabricChoice),
		Measurements: req.Measurements,
		Notes:        strings.TrimSpace(req.Notes),
		Contact: services.OrderContact{
			Email: strings.TrimSpace(strings.ToLower(req.Contact.Email)),
			Phone: strings.TrimSpace(req.Contact.Phone),
		},
	}
	if req.StyleTemplateID != nil {
		if trimmed := strings.TrimSpace(*req.StyleTemplateID); trimmed != "" {
			cmd.StyleTemplateID = &trimmed
		}
	}
	if req.ShippingAddress != nil {
		addr := req.ShippingAddress.toDomainAddress()
		cmd.ShippingAddress = &addr
	}

	order, err := h.measurements.Create(ctx, cmd)
	if err != nil {
		writeMeasurementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, buildMeasurementOrderPayload(order))
}

func (h *MeasurementOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireMeasurementOrder(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.measurements.GetForCustomer(ctx, orderID, identity.UID)
	if err != nil {
		writeMeasurementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildMeasurementOrderPayload(order))
}

func (h *MeasurementOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireMeasurementOrder(ctx, w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err == nil {
		_ = json.Unmarshal(body, &req)
	} else if errors.Is(err, errBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
		return
	}

	order, err := h.measurements.Cancel(ctx, services.CancelMeasurementOrderCommand{
		OrderID:    orderID,
		ActorID:    identity.UID,
		CustomerID: identity.UID,
		Reason:     strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeMeasurementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildMeasurementOrderPayload(order))
}

func (h *MeasurementOrderHandlers) checkoutOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, orderID, ok := h.requireMeasurementOrder(ctx, w, r)
	if !ok {
		return
	}
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req measurementCheckoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	result, err := h.checkout.InitiateMeasurementCheckout(ctx, services.InitiateMeasurementCheckoutCommand{
		OrderID:     orderID,
		CustomerID:  identity.UID,
		Provider:    strings.TrimSpace(req.Provider),
		RedirectURL: strings.TrimSpace(req.RedirectURL),
	})
	if err != nil {
		if isMeasurementError(err) {
			writeMeasurementError(ctx, w, err)
			return
		}
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, buildCheckoutResponse(result))
}

func (h *MeasurementOrderHandlers) requireMeasurementOrder(ctx context.Context, w http.ResponseWriter, r *http.Request) (*auth.Identity, string, bool) {
	if h.measurements == nil {
		httpx.WriteError(ctx, w, httpx.NewError("measurement_service_unavailable", "measurement order service is unavailable", http.StatusServiceUnavailable))
		return nil, "", false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, "", false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return nil, "", false
	}
	return identity, orderID, true
}

type measurementOrderPayload struct {
	ID              string              `json:"id"`
	OrderNumber     string              `json:"order_number"`
	CustomerID      string              `json:"customer_id,omitempty"`
	GuestEmail      string              `json:"guest_email,omitempty"`
	Status          string              `json:"status"`
	PaymentStatus   string              `json:"payment_status"`
	PaymentProvider string              `json:"payment_provider,omitempty"`
	StyleTemplateID *string             `json:"style_template_id,omitempty"`
	FabricChoice    string              `json:"fabric_choice,omitempty"`
	Measurements    map[string]float64  `json:"measurements,omitempty"`
	Notes           string              `json:"notes,omitempty"`
	Currency        string              `json:"currency,omitempty"`
	Price           *int64              `json:"price,omitempty"`
	PricedAt        *string             `json:"priced_at,omitempty"`
	ShippingAddress *addressPayload     `json:"shipping_address,omitempty"`
	Contact         orderContactPayload `json:"contact"`
	CreatedAt       string              `json:"created_at"`
	UpdatedAt       string              `json:"updated_at"`
	PaidAt          *string             `json:"paid_at,omitempty"`
	ShippedAt       *string             `json:"shipped_at,omitempty"`
	DeliveredAt     *string             `json:"delivered_at,omitempty"`
	CancelledAt     *string             `json:"cancelled_at,omitempty"`
	CancelReason    *string             `json:"cancel_reason,omitempty"`
}

func buildMeasurementOrderPayload(order services.MeasurementOrder) measurementOrderPayload {
	payload := measurementOrderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		CustomerID:      order.CustomerID,
		GuestEmail:      order.GuestEmail,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentProvider: order.PaymentProvider,
		StyleTemplateID: cloneStringPointer(order.StyleTemplateID),
		FabricChoice:    order.FabricChoice,
		Measurements:    order.Measurements,
		Notes:           order.Notes,
		Currency:        order.Currency,
		PricedAt:        formatOptionalTime(order.PricedAt),
		Contact: orderContactPayload{
			Email: order.Contact.Email,
			Phone: order.Contact.Phone,
		},
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		PaidAt:       formatOptionalTime(order.PaidAt),
		ShippedAt:    formatOptionalTime(order.ShippedAt),
		DeliveredAt:  formatOptionalTime(order.DeliveredAt),
		CancelledAt:  formatOptionalTime(order.CancelledAt),
		CancelReason: cloneStringPointer(order.CancelReason),
	}
	if order.Price != nil {
		price := *order.Price
		payload.Price = &price
	}
	if order.ShippingAddress != nil {
		addr := buildAddressPayload(*order.ShippingAddress)
		payload.ShippingAddress = &addr
	}
	return payload
}

func isMeasurementError(err error) bool {
	return errors.Is(err, services.ErrMeasurementInvalidInput) ||
		errors.Is(err, services.ErrMeasurementNotFound) ||
		errors.Is(err, services.ErrMeasurementInvalidTransition) ||
		errors.Is(err, services.ErrMeasurementAlreadyPaid) ||
		errors.Is(err, services.ErrMeasurementNotPaid)
}

func writeMeasurementError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrMeasurementNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrMeasurementInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
		return
	case errors.Is(err, services.ErrMeasurementAlreadyPaid):
		httpx.WriteError(ctx, w, httpx.NewError("order_already_paid", err.Error(), http.StatusConflict))
		return
	case errors.Is(err, services.ErrMeasurementNotPaid):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_paid", err.Error(), http.StatusConflict))
		return
	case errors.Is(err, services.ErrUnpricedOrder):
		httpx.WriteError(ctx, w, httpx.NewError("order_unpriced", "order has not been priced yet", http.StatusConflict))
		return
	case errors.Is(err, services.ErrMeasurementInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
			return
		case repoErr.IsConflict():
			httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order conflict", http.StatusConflict))
			return
		case repoErr.IsUnavailable():
			httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order store unavailable", http.StatusServiceUnavailable))
			return
		}
	}

	httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process measurement order request", http.StatusInternalServerError))
}
