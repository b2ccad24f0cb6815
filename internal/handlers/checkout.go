package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/services"
)

const maxCheckoutRequestBody = 16 * 1024

// CheckoutHandlers exposes checkout initiation and payment verification.
// Guests may check out with an email address; authenticated customers are
// resolved from the Firebase identity when present.
type CheckoutHandlers struct {
	authn          *auth.Authenticator
	checkout       services.CheckoutService
	reconciliation services.ReconciliationService
	limiter        rateLimiter
}

// CheckoutOption customises checkout handler construction.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutVerification enables the customer-facing verify endpoint for
// clients returning from the gateway redirect before the webhook lands.
func WithCheckoutVerification(reconciliation services.ReconciliationService) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.reconciliation = reconciliation
	}
}

// WithCheckoutRateLimit throttles the verify endpoint per client; each call
// hits the payment gateway. Zero or negative values disable throttling.
func WithCheckoutRateLimit(limit int, window time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewCheckoutHandlers constructs checkout handlers. Authentication is optional
// so the middleware only decorates the context when a token is present.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.OptionalFirebaseAuth())
	}
	group.Post("/", h.initiateCheckout)
	group.Post("/verify", h.verifyPayment)
}

type checkoutRequest struct {
	GuestEmail      string                `json:"guest_email"`
	Items           []checkoutLineRequest `json:"items"`
	CouponCode      *string               `json:"coupon_code"`
	ShippingAddress addressRequest        `json:"shipping_address"`
	Contact         checkoutContact       `json:"contact"`
	Provider        string                `json:"provider"`
	RedirectURL     string                `json:"redirect_url"`
}

type checkoutLineRequest struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type checkoutContact struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type checkoutResponse struct {
	OrderID     string                   `json:"order_id"`
	OrderNumber string                   `json:"order_number"`
	Amount      int64                    `json:"amount"`
	Currency    string                   `json:"currency"`
	Breakdown   *pricingBreakdownPayload `json:"breakdown,omitempty"`
	Payment     paymentInitiationPayload `json:"payment"`
}

type paymentInitiationPayload struct {
	Provider    string `json:"provider"`
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirect_url"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

type pricingBreakdownPayload struct {
	Currency string                    `json:"currency"`
	Subtotal int64                     `json:"subtotal"`
	Discount int64                     `json:"discount"`
	Shipping int64                     `json:"shipping"`
	Tax      int64                     `json:"tax"`
	Total    int64                     `json:"total"`
	Items    []pricingLinePayload      `json:"items,omitempty"`
	Coupon   *discountBreakdownPayload `json:"coupon,omitempty"`
	Delivery *shippingBreakdownPayload `json:"delivery,omitempty"`
}

type pricingLinePayload struct {
	SKU           string `json:"sku"`
	Quantity      int    `json:"quantity"`
	UnitPrice     int64  `json:"unit_price"`
	DiscountPrice int64  `json:"discount_price"`
	Subtotal      int64  `json:"subtotal"`
	Discount      int64  `json:"discount"`
	Total         int64  `json:"total"`
}

type discountBreakdownPayload struct {
	Code   string `json:"code"`
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
}

type shippingBreakdownPayload struct {
	Location     string `json:"location,omitempty"`
	Fee          int64  `json:"fee"`
	FreeShipping bool   `json:"free_shipping"`
}

func (h *CheckoutHandlers) initiateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req checkoutRequest
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

	items := make([]services.QuoteLine, 0, len(req.Items))
	for _, line := range req.Items {
		items = append(items, services.QuoteLine{
			SKU:      strings.TrimSpace(line.SKU),
			Quantity: line.Quantity,
		})
	}

	cmd := services.InitiateCheckoutCommand{
		CustomerID:      customerID,
		GuestEmail:      guestEmail,
		Items:           items,
		ShippingAddress: req.ShippingAddress.toDomainAddress(),
		Contact: services.OrderContact{
			Email: strings.TrimSpace(strings.ToLower(req.Contact.Email)),
			Phone: strings.TrimSpace(req.Contact.Phone),
		},
		Provider:    strings.TrimSpace(req.Provider),
		RedirectURL: strings.TrimSpace(req.RedirectURL),
	}
	if req.CouponCode != nil {
		if code := strings.TrimSpace(*req.CouponCode); code != "" {
			cmd.CouponCode = &code
		}
	}

	result, err := h.checkout.InitiateCheckout(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, buildCheckoutResponse(result))
}

type checkoutVerifyRequest struct {
	Reference string `json:"reference"`
}

// verifyPayment lets the storefront converge a payment whose redirect landed
// before the webhook. It runs the same polled verification the scheduler
// uses, so replays and webhook races resolve to already_applied.
func (h *CheckoutHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "payment verification is unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxPublicBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req checkoutVerifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reference is required", http.StatusBadRequest))
		return
	}

	result, err := h.reconciliation.HandlePolledVerification(ctx, reference)
	if err != nil {
		writeReconciliationError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentVerificationPayload{
		Reference:      result.Reference,
		PaymentStatus:  string(result.PaymentStatus),
		AlreadyApplied: result.AlreadyApplied,
	})
}

func buildCheckoutResponse(result services.CheckoutResult) checkoutResponse {
	resp := checkoutResponse{
		OrderID:     result.OrderID,
		OrderNumber: result.OrderNumber,
		Amount:      result.Amount,
		Currency:    result.Currency,
		Payment: paymentInitiationPayload{
			Provider:    result.Payment.Provider,
			Reference:   result.Payment.Reference,
			RedirectURL: result.Payment.RedirectURL,
		},
	}
	if !result.Payment.ExpiresAt.IsZero() {
		resp.Payment.ExpiresAt = result.Payment.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if result.Breakdown != nil {
		resp.Breakdown = buildPricingBreakdownPayload(*result.Breakdown)
	}
	return resp
}

func buildPricingBreakdownPayload(breakdown services.PricingBreakdown) *pricingBreakdownPayload {
	payload := &pricingBreakdownPayload{
		Currency: breakdown.Currency,
		Subtotal: breakdown.Subtotal,
		Discount: breakdown.Discount,
		Shipping: breakdown.Shipping,
		Tax:      breakdown.Tax,
		Total:    breakdown.Total,
	}
	for _, line := range breakdown.Items {
		payload.Items = append(payload.Items, pricingLinePayload{
			SKU:           line.SKU,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			DiscountPrice: line.DiscountPrice,
			Subtotal:      line.Subtotal,
			Discount:      line.Discount,
			Total:         line.Total,
		})
	}
	if breakdown.Coupon != nil {
		payload.Coupon = &discountBreakdownPayload{
			Code:   breakdown.Coupon.Code,
			Kind:   string(breakdown.Coupon.Kind),
			Amount: breakdown.Coupon.Amount,
		}
	}
	if breakdown.Delivery.Location != "" || breakdown.Delivery.Fee > 0 || breakdown.Delivery.FreeShipping {
		payload.Delivery = &shippingBreakdownPayload{
			Location:     breakdown.Delivery.Location,
			Fee:          breakdown.Delivery.Fee,
			FreeShipping: breakdown.Delivery.FreeShipping,
		}
	}
	return payload
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput), errors.Is(err, services.ErrPricingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPricingUnknownVariant), errors.Is(err, services.ErrPricingInactiveVariant):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_variant", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPricingCouponRejected):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_rejected", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock to reserve items", http.StatusConflict))
	case errors.Is(err, services.ErrUnpricedOrder):
		httpx.WriteError(ctx, w, httpx.NewError("order_unpriced", "order has not been priced yet", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutOrderNotPayable):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_payable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrMeasurementNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be initiated", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
