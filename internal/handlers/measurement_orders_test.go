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

	"github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/services"
)

type stubMeasurementOrderService struct {
	createFunc           func(ctx context.Context, cmd services.CreateMeasurementOrderCommand) (services.MeasurementOrder, error)
	getFunc              func(ctx context.Context, orderID string) (services.MeasurementOrder, error)
	getForCustomerFunc   func(ctx context.Context, orderID, customerID string) (services.MeasurementOrder, error)
	listFunc             func(ctx context.Context, filter services.MeasurementOrderListFilter) (domain.CursorPage[services.MeasurementOrder], error)
	transitionStatusFunc func(ctx context.Context, cmd services.MeasurementStatusTransitionCommand) (services.MeasurementOrder, error)
	cancelFunc           func(ctx context.Context, cmd services.CancelMeasurementOrderCommand) (services.MeasurementOrder, error)
	setPriceFunc         func(ctx context.Context, cmd services.SetMeasurementPriceCommand) (services.MeasurementOrder, error)
}

func (s *stubMeasurementOrderService) Create(ctx context.Context, cmd services.CreateMeasurementOrderCommand) (services.MeasurementOrder, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return services.MeasurementOrder{}, nil
}

func (s *stubMeasurementOrderService) Get(ctx context.Context, orderID string) (services.MeasurementOrder, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, orderID)
	}
	return services.MeasurementOrder{}, nil
}

func (s *stubMeasurementOrderService) GetForCustomer(ctx context.Context, orderID, customerID string) (services.MeasurementOrder, error) {
	if s.getForCustomerFunc != nil {
		return s.getForCustomerFunc(ctx, orderID, customerID)
	}
	return services.MeasurementOrder{}, nil
}

func (s *stubMeasurementOrderService) List(ctx context.Context, filter services.MeasurementOrderListFilter) (domain.CursorPage[services.MeasurementOrder], error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, filter)
	}
	return domain.CursorPage[services.MeasurementOrder]{}, nil
}

func (s *stubMeasurementOrderService) TransitionStatus(ctx context.Context, cmd services.MeasurementStatusTransitionCommand) (services.MeasurementOrder, error) {
	if s.transitionStatusFunc != nil {
		return s.transitionStatusFunc(ctx, cmd)
	}
	return services.MeasurementOrder{}, nil
}

func (s *stubMeasurementOrderService) Cancel(ctx context.Context, cmd services.CancelMeasurementOrderCommand) (services.MeasurementOrder, error) {
	if s.cancelFunc != nil {
		return s.cancelFunc(ctx, cmd)
	}
	return services.MeasurementOrder{}, nil
}

func (s *stubMeasurementOrderService) SetPrice(ctx context.Context, cmd services.SetMeasurementPriceCommand) (services.MeasurementOrder, error) {
	if s.setPriceFunc != nil {
		return s.setPriceFunc(ctx, cmd)
	}
	return services.MeasurementOrder{}, nil
}

func measurementTestRouter(handler *MeasurementOrderHandlers) *chi.Mux {
	router := chi.NewRouter()
	router.Route("/", handler.Routes)
	return router
}

func TestMeasurementOrderHandlersCreate(t *testing.T) {
	var captured services.CreateMeasurementOrderCommand
	handler := NewMeasurementOrderHandlers(nil, &stubMeasurementOrderService{
		createFunc: func(ctx context.Context, cmd services.CreateMeasurementOrderCommand) (services.MeasurementOrder, error) {
			captured = cmd
			return services.MeasurementOrder{
				ID:           "mo-1",
				OrderNumber:  "SFM-2026-000007",
				CustomerID:   cmd.CustomerID,
				Status:       domain.MeasurementStatusReceived,
				FabricChoice: cmd.FabricChoice,
				Measurements: cmd.Measurements,
				CreatedAt:    time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
			}, nil
		},
	}, nil)

	body := []byte(`{
		"style_template_id": "  tpl-agbada-1 ",
		"fabric_choice": "ankara-royal-blue",
		"measurements": {"chest": 102.5, "waist": 86, "sleeve": 64.5},
		"notes": "slim fit",
		"shipping_address": {"recipient":"Ada Obi","line1":"14 Broad Street","city":"Lagos","postal_code":"101233","country":"ng"},
		"contact": {"email": "Ada@Example.com", "phone": "+2348012345678"}
	}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-1"}))

	rr := httptest.NewRecorder()
	measurementTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "cus-1" {
		t.Fatalf("expected customer id cus-1, got %q", captured.CustomerID)
	}
	if captured.StyleTemplateID == nil || *captured.StyleTemplateID != "tpl-agbada-1" {
		t.Fatalf("expected trimmed style template id, got %#v", captured.StyleTemplateID)
	}
	if captured.Measurements["chest"] != 102.5 {
		t.Fatalf("unexpected measurements %#v", captured.Measurements)
	}
	if captured.ShippingAddress == nil || captured.ShippingAddress.Country != "NG" {
		t.Fatalf("expected uppercased country, got %#v", captured.ShippingAddress)
	}
	if captured.Contact.Email != "ada@example.com" {
		t.Fatalf("expected lowercased contact email, got %q", captured.Contact.Email)
	}

	var payload measurementOrderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.ID != "mo-1" || payload.Status != "order_received" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestMeasurementOrderHandlersCreateGuest(t *testing.T) {
	var captured services.CreateMeasurementOrderCommand
	handler := NewMeasurementOrderHandlers(nil, &stubMeasurementOrderService{
		createFunc: func(ctx context.Context, cmd services.CreateMeasurementOrderCommand) (services.MeasurementOrder, error) {
			captured = cmd
			return services.MeasurementOrder{ID: "mo-2"}, nil
		},
	}, nil)

	body := []byte(`{"guest_email":"Guest@Example.com","fabric_choice":"aso-oke","measurements":{"chest":100},"contact":{"email":"guest@example.com"}}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))

	rr := httptest.NewRecorder()
	measurementTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "" || captured.GuestEmail != "guest@example.com" {
		t.Fatalf("expected guest intake, got %#v", captured)
	}
}

func TestMeasurementOrderHandlersCreateRequiresIdentityOrGuestEmail(t *testing.T) {
	handler := NewMeasurementOrderHandlers(nil, &stubMeasurementOrderService{}, nil)

	body := []byte(`{"fabric_choice":"ankara","measurements":{"chest":100}}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))

	rr := httptest.NewRecorder()
	measurementTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestMeasurementOrderHandlersGet(t *testing.T) {
	price := int64(55_000)
	pricedAt := time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC)
	handler := NewMeasurementOrderHandlers(nil, &stubMeasurementOrderService{
		getForCustomerFunc: func(ctx context.Context, orderID, customerID string) (services.MeasurementOrder, error) {
			if orderID != "mo-3" || customerID != "cus-3" {
				t.Fatalf("unexpected lookup %s/%s", orderID, customerID)
			}
			return services.MeasurementOrder{
				ID:       "mo-3",
				Status:   domain.MeasurementStatusSewing,
				Currency: "NGN",
				Price:    &price,
				PricedAt: &pricedAt,
			}, nil
		},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/mo-3", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-3"}))

	rr := httptest.NewRecorder()
	measurementTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var payload measurementOrderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Status != "sewing" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Price == nil || *payload.Price != 55_000 || payload.PricedAt == nil {
		t.Fatalf("expected price details in payload, got %#v", payload)
	}
}

func TestMeasurementOrderHandlersCheckoutUnpriced(t *testing.T) {
	handler := NewMeasurementOrderHandlers(nil, &stubMeasurementOrderService{}, &stubCheckoutService{
		initiateMeasurementFunc: func(ctx context.Context, cmd services.InitiateMeasurementCheckoutCommand) (services.CheckoutResult, error) {
			return services.CheckoutResult{}, services.ErrUnpricedOrder
		},
	})

	body := []byte(`{"provider":"monnify"}`)
	req := httptest.NewRequest(http.MethodPost, "/mo-4/checkout", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-4"}))

	rr := httptest.NewRecorder()
	measurementTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", rr.Code, rr.Body.String())
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("order_unpriced")) {
		t.Fatalf("expected order_unpriced code, got %s", rr.Body.String())
	}
}

func TestMeasurementOrderHandlersCheckout(t *testing.T) {
	var captured services.InitiateMeasurementCheckoutCommand
	handler := NewMeasurementOrderHandlers(nil, &stubMeasurementOrderService{}, &stubCheckoutService{
		initiateMeasurementFunc: func(ctx context.Context, cmd services.InitiateMeasurementCheckoutCommand) (services.CheckoutResult, error) {
			captured = cmd
			return services.CheckoutResult{
				OrderID:  cmd.OrderID,
				Amount:   55_000,
				Currency: "NGN",
				Payment: services.PaymentInitiation{
					Provider:    "monnify",
					Reference:   "SF-REF-9",
					RedirectURL: "https://pay.monnify.test/SF-REF-9",
				},
			}, nil
		},
	})

	body := []byte(`{"provider":"monnify","redirect_url":"https://shop.example.com/orders/mo-5"}`)
	req := httptest.NewRequest(http.MethodPost, "/mo-5/checkout", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-5"}))

	rr := httptest.NewRecorder()
	measurementTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "mo-5" || captured.CustomerID != "cus-5" || captured.Provider != "monnify" {
		t.Fatalf("unexpected command %#v", captured)
	}

	var payload checkoutResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Payment.Reference != "SF-REF-9" || payload.Amount != 55_000 {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestMeasurementOrderHandlersCancelLateStage(t *testing.T) {
	handler := NewMeasurementOrderHandlers(nil, &stubMeasurementOrderService{
		cancelFunc: func(ctx context.Context, cmd services.CancelMeasurementOrderCommand) (services.MeasurementOrder, error) {
			return services.MeasurementOrder{}, services.ErrMeasurementInvalidTransition
		},
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/mo-6/cancel", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-6"}))

	rr := httptest.NewRecorder()
	measurementTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}
