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
	"github.com/stitchfield/api/internal/services"
)

func adminInventoryTestRouter(handler *AdminInventoryHandlers) *chi.Mux {
	router := chi.NewRouter()
	router.Route("/", handler.Routes)
	return router
}

func TestAdminInventoryHandlersGetStock(t *testing.T) {
	updated := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	handler := NewAdminInventoryHandlers(nil, &stubInventoryService{
		getStockFunc: func(ctx context.Context, sku string) (services.VariantStock, error) {
			if sku != "SHIRT-BLK-M" {
				t.Fatalf("unexpected sku %q", sku)
			}
			return services.VariantStock{
				SKU:       sku,
				ProductID: "prod-1",
				OnHand:    12,
				Reserved:  3,
				Available: 9,
				UpdatedAt: updated,
			}, nil
		},
	})

	req := staffContext(httptest.NewRequest(http.MethodGet, "/inventory/SHIRT-BLK-M", nil), "staff-1")
	rr := httptest.NewRecorder()
	adminInventoryTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var payload variantStockPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.SKU != "SHIRT-BLK-M" || payload.OnHand != 12 || payload.Reserved != 3 || payload.Available != 9 {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestAdminInventoryHandlersListLowStock(t *testing.T) {
	var captured services.InventoryLowStockFilter
	handler := NewAdminInventoryHandlers(nil, &stubInventoryService{
		listLowStockFunc: func(ctx context.Context, filter services.InventoryLowStockFilter) (domain.CursorPage[services.VariantStock], error) {
			captured = filter
			return domain.CursorPage[services.VariantStock]{
				Items:         []services.VariantStock{{SKU: "SHIRT-WHT-L", Available: 2}},
				NextPageToken: "next",
			}, nil
		},
	})

	req := staffContext(httptest.NewRequest(http.MethodGet, "/inventory/low-stock?threshold=5", nil), "staff-2")
	rr := httptest.NewRecorder()
	adminInventoryTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Threshold != 5 {
		t.Fatalf("expected threshold 5, got %d", captured.Threshold)
	}

	var payload variantStockPagePayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].SKU != "SHIRT-WHT-L" || payload.NextPageToken != "next" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestAdminInventoryHandlersListLowStockRejectsBadThreshold(t *testing.T) {
	handler := NewAdminInventoryHandlers(nil, &stubInventoryService{
		listLowStockFunc: func(ctx context.Context, filter services.InventoryLowStockFilter) (domain.CursorPage[services.VariantStock], error) {
			t.Fatalf("service must not be called for an invalid threshold")
			return domain.CursorPage[services.VariantStock]{}, nil
		},
	})

	req := staffContext(httptest.NewRequest(http.MethodGet, "/inventory/low-stock?threshold=-1", nil), "staff-3")
	rr := httptest.NewRecorder()
	adminInventoryTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminInventoryHandlersAdjustStock(t *testing.T) {
	var captured services.StockAdjustCommand
	handler := NewAdminInventoryHandlers(nil, &stubInventoryService{
		adjustStockFunc: func(ctx context.Context, cmd services.StockAdjustCommand) (services.VariantStock, error) {
			captured = cmd
			return services.VariantStock{SKU: cmd.SKU, OnHand: 9, Available: 9}, nil
		},
	})

	body := []byte(`{"product_id":"prod-1","delta":-3,"reason":"damaged"}`)
	req := staffContext(httptest.NewRequest(http.MethodPost, "/inventory/SHIRT-BLK-M/adjust", bytes.NewReader(body)), "staff-4")
	rr := httptest.NewRecorder()
	adminInventoryTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.SKU != "SHIRT-BLK-M" || captured.ProductID != "prod-1" || captured.Delta != -3 {
		t.Fatalf("unexpected command %#v", captured)
	}
	if captured.Reason != "damaged" || captured.ActorID != "staff-4" {
		t.Fatalf("unexpected command %#v", captured)
	}
}

func TestAdminInventoryHandlersStockNotFound(t *testing.T) {
	handler := NewAdminInventoryHandlers(nil, &stubInventoryService{
		getStockFunc: func(ctx context.Context, sku string) (services.VariantStock, error) {
			return services.VariantStock{}, services.ErrInventoryStockNotFound
		},
	})

	req := staffContext(httptest.NewRequest(http.MethodGet, "/inventory/GHOST-SKU", nil), "staff-5")
	rr := httptest.NewRecorder()
	adminInventoryTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("stock_not_found")) {
		t.Fatalf("expected stock_not_found code, got %s", rr.Body.String())
	}
}

func TestAdminInventoryHandlersUnauthenticated(t *testing.T) {
	handler := NewAdminInventoryHandlers(nil, &stubInventoryService{})

	req := httptest.NewRequest(http.MethodGet, "/inventory/SHIRT-BLK-M", nil)
	rr := httptest.NewRecorder()
	adminInventoryTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
