package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/services"
)

type stubCheckoutService struct {
	initiateFunc            func(ctx context.Context, cmd services.InitiateCheckoutCommand) (services.CheckoutResult, error)
	initiateMeasurementFunc func(ctx context.Context, cmd services.InitiateMeasurementCheckoutCommand) (services.CheckoutResult, error)
}

func (s *stubCheckoutService) InitiateCheckout(ctx context.Context, cmd services.InitiateCheckoutCommand) (services.CheckoutResult, error) {
	if s.initiateFunc != nil {
		return s.initiateFunc(ctx, cmd)
	}
	return services.CheckoutResult{}, nil
}

func (s *stubCheckoutService) InitiateMeasurementCheckout(ctx context.Context, cmd services.InitiateMeasurementCheckoutCommand) (services.CheckoutResult, error) {
	if s.initiateMeasurementFunc != nil {
		return s.initiateMeasurementFunc(ctx, cmd)
	}
	return services.CheckoutResult{}, nil
}

const checkoutRequestBody = `{
	"items": [{"sku": "SHIRT-BLK-M", "quantity": 2}],
	"coupon_code": "WELCOME10",
	"shipping_address": {
		"recipient": "Ada Obi",
		"line1": "14 Broad Street",
		"city": "Lagos",
		"postal_code": "101233",
		"country": "ng"
	},
	"contact": {"email": "Ada@Example.com", "phone": "+2348012345678"},
	"provider": "monnify",
	"redirect_url": "https://shop.example.com/checkout/complete"
}`

func TestCheckoutHandlersInitiate(t *testing.T) {
	expiresAt := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	var captured services.InitiateCheckoutCommand
	handler := NewCheckoutHandlers(nil, &stubCheckoutService{
		initiateFunc: func(ctx context.Context, cmd services.InitiateCheckoutCommand) (services.CheckoutResult, error) {
			captured = cmd
			return services.CheckoutResult{
				OrderID:     "ord-1",
				OrderNumber: "SF-2026-000123",
				Amount:      21_500,
				Currency:    "NGN",
				Breakdown: &services.PricingBreakdown{
					Currency: "NGN",
					Subtotal: 20_000,
					Shipping: 1_500,
					Total:    21_500,
					Items: []services.ItemPricingBreakdown{
						{SKU: "SHIRT-BLK-M", Quantity: 2, UnitPrice: 10_000, DiscountPrice: 10_000, Subtotal: 20_000, Total: 20_000},
					},
				},
				Payment: services.PaymentInitiation{
					Provider:    "monnify",
					Reference:   "SF-REF-1",
					RedirectURL: "https://pay.monnify.test/SF-REF-1",
					ExpiresAt:   expiresAt,
				},
			}, nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(checkoutRequestBody)))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-1"}))

	rr := httptest.NewRecorder()
	router := chi.NewRouter()
	router.Route("/", handler.Routes)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "cus-1" {
		t.Fatalf("expected identity customer id, got %q", captured.CustomerID)
	}
	if len(captured.Items) != 1 || captured.Items[0].SKU != "SHIRT-BLK-M" || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items %#v", captured.Items)
	}
	if captured.CouponCode == nil || *captured.CouponCode != "WELCOME10" {
		t.Fatalf("expected coupon code forwarded, got %#v", captured.CouponCode)
	}
	if captured.Contact.Email != "ada@example.com" {
		t.Fatalf("expected contact email lowercased, got %q", captured.Contact.Email)
	}
	if captured.ShippingAddress.Country != "NG" {
		t.Fatalf("expected country uppercased, got %q", captured.ShippingAddress.Country)
	}

	var payload checkoutResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.OrderNumber != "SF-2026-000123" || payload.Amount != 21_500 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload.Payment.Reference != "SF-REF-1" || payload.Payment.ExpiresAt == "" {
		t.Fatalf("unexpected payment payload %#v", payload.Payment)
	}
	if payload.Breakdown == nil || payload.Breakdown.Total != 21_500 || len(payload.Breakdown.Items) != 1 {
		t.Fatalf("unexpected breakdown payload %#v", payload.Breakdown)
	}
}

func TestCheckoutHandlersGuestCheckout(t *testing.T) {
	var captured services.InitiateCheckoutCommand
	handler := NewCheckoutHandlers(nil, &stubCheckoutService{
		initiateFunc: func(ctx context.Context, cmd services.InitiateCheckoutCommand) (services.CheckoutResult, error) {
			captured = cmd
			return services.CheckoutResult{OrderID: "ord-2"}, nil
		},
	})

	body := []byte(`{"guest_email":"Guest@Example.com","items":[{"sku":"SHIRT-BLK-M","quantity":1}],"shipping_address":{"recipient":"G","line1":"1","city":"Lagos","postal_code":"101233","country":"NG"},"contact":{"email":"guest@example.com"},"provider":"monnify"}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))

	rr := httptest.NewRecorder()
	router := chi.NewRouter()
	router.Route("/", handler.Routes)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "" || captured.GuestEmail != "guest@example.com" {
		t.Fatalf("expected guest checkout, got %#v", captured)
	}
}

func TestCheckoutHandlersRequiresIdentityOrGuestEmail(t *testing.T) {
	handler := NewCheckoutHandlers(nil, &stubCheckoutService{})

	body := []byte(`{"items":[{"sku":"SHIRT-BLK-M","quantity":1}]}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))

	rr := httptest.NewRecorder()
	router := chi.NewRouter()
	router.Route("/", handler.Routes)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

// Customers returning from the gateway redirect poll this endpoint before
// the webhook arrives, so it must live on the storefront surface rather than
// behind the operator-only routes.
func TestCheckoutHandlersVerifyPayment(t *testing.T) {
	var verified string
	handler := NewCheckoutHandlers(nil, &stubCheckoutService{},
		WithCheckoutVerification(&stubReconciliationService{
			handlePolledVerificationFunc: func(ctx context.Context, reference string) (services.PaymentReconciliationResult, error) {
				verified = reference
				return services.PaymentReconciliationResult{
					Reference:     reference,
					PaymentStatus: "paid",
				}, nil
			},
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader([]byte(`{"reference":"SF-REF-7"}`)))

	rr := httptest.NewRecorder()
	router := chi.NewRouter()
	router.Route("/", handler.Routes)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if verified != "SF-REF-7" {
		t.Fatalf("expected reference forwarded, got %q", verified)
	}

	var payload paymentVerificationPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Reference != "SF-REF-7" || payload.PaymentStatus != "paid" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestCheckoutHandlersVerifyPaymentRequiresReference(t *testing.T) {
	handler := NewCheckoutHandlers(nil, &stubCheckoutService{},
		WithCheckoutVerification(&stubReconciliationService{}),
	)

	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader([]byte(`{}`)))

	rr := httptest.NewRecorder()
	router := chi.NewRouter()
	router.Route("/", handler.Routes)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCheckoutHandlersVerifyPaymentRateLimited(t *testing.T) {
	handler := NewCheckoutHandlers(nil, &stubCheckoutService{},
		WithCheckoutVerification(&stubReconciliationService{}),
		WithCheckoutRateLimit(1, time.Minute),
	)

	router := chi.NewRouter()
	router.Route("/", handler.Routes)

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader([]byte(`{"reference":"SF-REF-7"}`)))
		req.Header.Set("X-Forwarded-For", "203.0.113.7")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("request %d: expected status %d, got %d", i, want, rr.Code)
		}
	}
}

func TestCheckoutHandlersErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "invalid input", err: services.ErrCheckoutInvalidInput, wantStatus: http.StatusBadRequest},
		{name: "unknown variant", err: services.ErrPricingUnknownVariant, wantStatus: http.StatusUnprocessableEntity},
		{name: "coupon rejected", err: services.ErrPricingCouponRejected, wantStatus: http.StatusUnprocessableEntity},
		{name: "insufficient stock", err: services.ErrInventoryInsufficientStock, wantStatus: http.StatusConflict},
		{name: "gateway failure", err: services.ErrPaymentGateway, wantStatus: http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewCheckoutHandlers(nil, &stubCheckoutService{
				initiateFunc: func(ctx context.Context, cmd services.InitiateCheckoutCommand) (services.CheckoutResult, error) {
					return services.CheckoutResult{}, tc.err
				},
			})

			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(checkoutRequestBody)))
			req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-9"}))

			rr := httptest.NewRecorder()
			router := chi.NewRouter()
			router.Route("/", handler.Routes)
			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
		})
	}
}
