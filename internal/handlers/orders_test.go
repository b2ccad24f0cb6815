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

type stubOrderService struct {
	getOrderFunc            func(ctx context.Context, orderID string) (services.Order, error)
	getOrderForCustomerFunc func(ctx context.Context, orderID, customerID string) (services.Order, error)
	trackOrderFunc          func(ctx context.Context, orderNumber, email string) (services.Order, error)
	listOrdersFunc          func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error)
	transitionStatusFunc    func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error)
	cancelFunc              func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getOrderFunc != nil {
		return s.getOrderFunc(ctx, orderID)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) GetOrderForCustomer(ctx context.Context, orderID, customerID string) (services.Order, error) {
	if s.getOrderForCustomerFunc != nil {
		return s.getOrderForCustomerFunc(ctx, orderID, customerID)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) TrackOrder(ctx context.Context, orderNumber, email string) (services.Order, error) {
	if s.trackOrderFunc != nil {
		return s.trackOrderFunc(ctx, orderNumber, email)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listOrdersFunc != nil {
		return s.listOrdersFunc(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionStatusFunc != nil {
		return s.transitionStatusFunc(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFunc != nil {
		return s.cancelFunc(ctx, cmd)
	}
	return services.Order{}, nil
}

func orderTestRouter(handler *OrderHandlers) *chi.Mux {
	router := chi.NewRouter()
	router.Route("/", handler.Routes)
	return router
}

func TestOrderHandlersListOrders(t *testing.T) {
	createdAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	var captured services.OrderListFilter
	handler := NewOrderHandlers(nil, &stubOrderService{
		listOrdersFunc: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{
				Items: []services.Order{
					{
						ID:            "ord-1",
						OrderNumber:   "SF-2026-000042",
						Status:        domain.OrderStatusShipped,
						PaymentStatus: domain.PaymentStatusPaid,
						Currency:      "NGN",
						Totals:        services.OrderTotals{Total: 25_000},
						Items: []services.OrderLineItem{
							{SKU: "SHIRT-BLK-M", Quantity: 2},
							{SKU: "SHIRT-WHT-L", Quantity: 1},
						},
						CreatedAt: createdAt,
					},
				},
				NextPageToken: "next-token",
			}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/?status=shipped,delivered&page_size=5&page_token=tok", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-1"}))

	rr := httptest.NewRecorder()
	orderTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "cus-1" {
		t.Fatalf("expected filter scoped to cus-1, got %q", captured.CustomerID)
	}
	if len(captured.Status) != 2 || captured.Status[0] != "shipped" || captured.Status[1] != "delivered" {
		t.Fatalf("unexpected status filter %#v", captured.Status)
	}
	if captured.Pagination.PageSize != 5 || captured.Pagination.PageToken != "tok" {
		t.Fatalf("unexpected pagination %#v", captured.Pagination)
	}

	var payload orderPagePayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if len(payload.Items) != 1 || payload.NextPageToken != "next-token" {
		t.Fatalf("unexpected page %#v", payload)
	}
	if payload.Items[0].ItemsCount != 3 {
		t.Fatalf("expected items_count 3, got %d", payload.Items[0].ItemsCount)
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{
		getOrderForCustomerFunc: func(ctx context.Context, orderID, customerID string) (services.Order, error) {
			if orderID != "ord-2" || customerID != "cus-2" {
				t.Fatalf("unexpected lookup %s/%s", orderID, customerID)
			}
			paidAt := time.Date(2026, 3, 12, 15, 30, 0, 0, time.UTC)
			return services.Order{
				ID:            "ord-2",
				OrderNumber:   "SF-2026-000043",
				CustomerID:    customerID,
				Status:        domain.OrderStatusProcessing,
				PaymentStatus: domain.PaymentStatusPaid,
				Currency:      "NGN",
				Totals:        services.OrderTotals{Subtotal: 18_000, Shipping: 2_000, Total: 20_000},
				Items: []services.OrderLineItem{
					{SKU: "SHIRT-BLK-M", Quantity: 2, UnitPrice: 9_000, Total: 18_000},
				},
				PaidAt: &paidAt,
			}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/ord-2", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-2"}))

	rr := httptest.NewRecorder()
	orderTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var payload orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.ID != "ord-2" || payload.Status != "processing" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload.PaidAt == nil {
		t.Fatalf("expected paid_at to be set")
	}
	if payload.Totals.Total != 20_000 {
		t.Fatalf("unexpected totals %#v", payload.Totals)
	}
}

func TestOrderHandlersGetOrderHidesForeignOrders(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{
		getOrderForCustomerFunc: func(ctx context.Context, orderID, customerID string) (services.Order, error) {
			return services.Order{}, services.ErrOrderPermissionDenied
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/ord-9", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-3"}))

	rr := httptest.NewRecorder()
	orderTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("order_not_found")) {
		t.Fatalf("expected masked not-found error, got %s", rr.Body.String())
	}
}

func TestOrderHandlersCancelOrder(t *testing.T) {
	var captured services.CancelOrderCommand
	handler := NewOrderHandlers(nil, &stubOrderService{
		cancelFunc: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			return services.Order{ID: cmd.OrderID, Status: domain.OrderStatusCancelled}, nil
		},
	})

	body := []byte(`{"reason":"ordered the wrong size"}`)
	req := httptest.NewRequest(http.MethodPost, "/ord-4/cancel", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-4"}))

	rr := httptest.NewRecorder()
	orderTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord-4" || captured.CustomerID != "cus-4" || captured.ActorID != "cus-4" {
		t.Fatalf("unexpected command %#v", captured)
	}
	if captured.Reason != "ordered the wrong size" {
		t.Fatalf("unexpected reason %q", captured.Reason)
	}

	var payload orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Status != "cancelled" {
		t.Fatalf("expected cancelled status, got %q", payload.Status)
	}
}

func TestOrderHandlersCancelAfterShipment(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{
		cancelFunc: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidTransition
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/ord-5/cancel", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-5"}))

	rr := httptest.NewRecorder()
	orderTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("invalid_transition")) {
		t.Fatalf("expected invalid_transition code, got %s", rr.Body.String())
	}
}

func TestOrderHandlersUnauthenticated(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	orderTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
