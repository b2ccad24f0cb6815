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

type stubCatalogService struct {
	listProductsFunc        func(ctx context.Context, filter services.ProductListFilter) (domain.CursorPage[services.ProductSummary], error)
	getProductFunc          func(ctx context.Context, productID string, includeUnpublished bool) (services.Product, error)
	upsertProductFunc       func(ctx context.Context, cmd services.UpsertProductCommand) (services.Product, error)
	deleteProductFunc       func(ctx context.Context, productID string, actorID string) error
	upsertVariantFunc       func(ctx context.Context, cmd services.UpsertVariantCommand) (services.ProductVariant, error)
	deleteVariantFunc       func(ctx context.Context, sku string, actorID string) error
	listStyleTemplatesFunc  func(ctx context.Context, filter services.StyleTemplateListFilter) (domain.CursorPage[services.StyleTemplate], error)
	getStyleTemplateFunc    func(ctx context.Context, templateID string, includeUnpublished bool) (services.StyleTemplate, error)
	upsertStyleTemplateFunc func(ctx context.Context, cmd services.UpsertStyleTemplateCommand) (services.StyleTemplate, error)
	deleteStyleTemplateFunc func(ctx context.Context, templateID string, actorID string) error
}

func (s *stubCatalogService) ListProducts(ctx context.Context, filter services.ProductListFilter) (domain.CursorPage[services.ProductSummary], error) {
	if s.listProductsFunc != nil {
		return s.listProductsFunc(ctx, filter)
	}
	return domain.CursorPage[services.ProductSummary]{}, nil
}

func (s *stubCatalogService) GetProduct(ctx context.Context, productID string, includeUnpublished bool) (services.Product, error) {
	if s.getProductFunc != nil {
		return s.getProductFunc(ctx, productID, includeUnpublished)
	}
	return services.Product{}, nil
}

func (s *stubCatalogService) UpsertProduct(ctx context.Context, cmd services.UpsertProductCommand) (services.Product, error) {
	if s.upsertProductFunc != nil {
		return s.upsertProductFunc(ctx, cmd)
	}
	return services.Product{}, nil
}

func (s *stubCatalogService) DeleteProduct(ctx context.Context, productID string, actorID string) error {
	if s.deleteProductFunc != nil {
		return s.deleteProductFunc(ctx, productID, actorID)
	}
	return nil
}

func (s *stubCatalogService) UpsertVariant(ctx context.Context, cmd services.UpsertVariantCommand) (services.ProductVariant, error) {
	if s.upsertVariantFunc != nil {
		return s.upsertVariantFunc(ctx, cmd)
	}
	return services.ProductVariant{}, nil
}

func (s *stubCatalogService) DeleteVariant(ctx context.Context, sku string, actorID string) error {
	if s.deleteVariantFunc != nil {
		return s.deleteVariantFunc(ctx, sku, actorID)
	}
	return nil
}

func (s *stubCatalogService) ListStyleTemplates(ctx context.Context, filter services.StyleTemplateListFilter) (domain.CursorPage[services.StyleTemplate], error) {
	if s.listStyleTemplatesFunc != nil {
		return s.listStyleTemplatesFunc(ctx, filter)
	}
	return domain.CursorPage[services.StyleTemplate]{}, nil
}

func (s *stubCatalogService) GetStyleTemplate(ctx context.Context, templateID string, includeUnpublished bool) (services.StyleTemplate, error) {
	if s.getStyleTemplateFunc != nil {
		return s.getStyleTemplateFunc(ctx, templateID, includeUnpublished)
	}
	return services.StyleTemplate{}, nil
}

func (s *stubCatalogService) UpsertStyleTemplate(ctx context.Context, cmd services.UpsertStyleTemplateCommand) (services.StyleTemplate, error) {
	if s.upsertStyleTemplateFunc != nil {
		return s.upsertStyleTemplateFunc(ctx, cmd)
	}
	return services.StyleTemplate{}, nil
}

func (s *stubCatalogService) DeleteStyleTemplate(ctx context.Context, templateID string, actorID string) error {
	if s.deleteStyleTemplateFunc != nil {
		return s.deleteStyleTemplateFunc(ctx, templateID, actorID)
	}
	return nil
}

func publicTestRouter(handler *PublicHandlers) *chi.Mux {
	router := chi.NewRouter()
	router.Route("/", handler.Routes)
	return router
}

func TestPublicHandlersListProducts(t *testing.T) {
	var captured services.ProductListFilter
	handler := NewPublicHandlers(&stubCatalogService{
		listProductsFunc: func(ctx context.Context, filter services.ProductListFilter) (domain.CursorPage[services.ProductSummary], error) {
			captured = filter
			return domain.CursorPage[services.ProductSummary]{
				Items: []services.ProductSummary{
					{
						ID:        "prod-1",
						Slug:      "ankara-shirt",
						Name:      "Ankara Shirt",
						Category:  "shirts",
						BasePrice: 12_000,
						Currency:  "NGN",
						CreatedAt: time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC),
					},
				},
			}, nil
		},
	}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/products?category=shirts&tags=new,featured&sort=asc", nil)
	rr := httptest.NewRecorder()
	publicTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !captured.OnlyPublished {
		t.Fatalf("expected only published products on the public surface")
	}
	if captured.Category == nil || *captured.Category != "shirts" {
		t.Fatalf("unexpected category %#v", captured.Category)
	}
	if len(captured.Tags) != 2 || captured.Tags[1] != "featured" {
		t.Fatalf("unexpected tags %#v", captured.Tags)
	}
	if captured.SortOrder != domain.SortAsc {
		t.Fatalf("unexpected sort order %v", captured.SortOrder)
	}

	var payload productPagePayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].Slug != "ankara-shirt" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestPublicHandlersListProductsRejectsBadSort(t *testing.T) {
	handler := NewPublicHandlers(&stubCatalogService{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/products?sort=sideways", nil)
	rr := httptest.NewRecorder()
	publicTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestPublicHandlersGetProduct(t *testing.T) {
	handler := NewPublicHandlers(&stubCatalogService{
		getProductFunc: func(ctx context.Context, productID string, includeUnpublished bool) (services.Product, error) {
			if includeUnpublished {
				t.Fatalf("public reads must exclude unpublished products")
			}
			return services.Product{
				ProductSummary: services.ProductSummary{ID: productID, Slug: "ankara-shirt", Name: "Ankara Shirt", Currency: "NGN"},
				Variants: []services.ProductVariant{
					{SKU: "SHIRT-BLK-M", Color: "black", Size: "M", UnitPrice: 12_000, Currency: "NGN", IsActive: true},
				},
			}, nil
		},
	}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/products/prod-1", nil)
	rr := httptest.NewRecorder()
	publicTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var payload productPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.ID != "prod-1" || len(payload.Variants) != 1 || payload.Variants[0].SKU != "SHIRT-BLK-M" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestPublicHandlersGetProductNotFound(t *testing.T) {
	handler := NewPublicHandlers(&stubCatalogService{
		getProductFunc: func(ctx context.Context, productID string, includeUnpublished bool) (services.Product, error) {
			return services.Product{}, services.ErrCatalogNotFound
		},
	}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/products/missing", nil)
	rr := httptest.NewRecorder()
	publicTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestPublicHandlersListStyleTemplates(t *testing.T) {
	hint := int64(45_000)
	handler := NewPublicHandlers(&stubCatalogService{
		listStyleTemplatesFunc: func(ctx context.Context, filter services.StyleTemplateListFilter) (domain.CursorPage[services.StyleTemplate], error) {
			if !filter.OnlyPublished {
				t.Fatalf("expected published-only filter")
			}
			return domain.CursorPage[services.StyleTemplate]{
				Items: []services.StyleTemplate{
					{ID: "tpl-1", Name: "Agbada Classic", Category: "agbada", BasePriceHint: &hint, Popularity: 12},
				},
			}, nil
		},
	}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/style-templates", nil)
	rr := httptest.NewRecorder()
	publicTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var payload styleTemplatePagePayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].BasePriceHint == nil || *payload.Items[0].BasePriceHint != 45_000 {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestPublicHandlersTrackOrder(t *testing.T) {
	shippedAt := time.Date(2026, 3, 20, 14, 0, 0, 0, time.UTC)
	handler := NewPublicHandlers(nil, &stubOrderService{
		trackOrderFunc: func(ctx context.Context, orderNumber, email string) (services.Order, error) {
			if orderNumber != "SF-2026-000042" || email != "ada@example.com" {
				t.Fatalf("unexpected lookup %s/%s", orderNumber, email)
			}
			return services.Order{
				OrderNumber: orderNumber,
				Status:      domain.OrderStatusInTransit,
				Totals:      services.OrderTotals{Total: 25_000},
				ShippedAt:   &shippedAt,
			}, nil
		},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/track?order_number=SF-2026-000042&email=Ada@Example.com", nil)
	rr := httptest.NewRecorder()
	publicTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var payload trackingPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Status != "in_transit" || payload.ShippedAt == nil {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if bytes.Contains(rr.Body.Bytes(), []byte("25000")) {
		t.Fatalf("tracking view must not expose order amounts: %s", rr.Body.String())
	}
}

func TestPublicHandlersTrackOrderRequiresBothParams(t *testing.T) {
	handler := NewPublicHandlers(nil, &stubOrderService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/track?order_number=SF-2026-000042", nil)
	rr := httptest.NewRecorder()
	publicTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestPublicHandlersSubscribeNewsletter(t *testing.T) {
	handler := NewPublicHandlers(nil, nil, &stubCustomerService{
		subscribeNewsletterFunc: func(ctx context.Context, email string) (services.NewsletterSubscriber, error) {
			if email != "ada@example.com" {
				t.Fatalf("expected normalized email, got %q", email)
			}
			return services.NewsletterSubscriber{
				Email:        email,
				SubscribedAt: time.Date(2026, 2, 14, 11, 0, 0, 0, time.UTC),
			}, nil
		},
	})

	body := []byte(`{"email":"  Ada@Example.com "}`)
	req := httptest.NewRequest(http.MethodPost, "/newsletter", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	publicTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var payload newsletterPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Email != "ada@example.com" || payload.SubscribedAt == "" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestPublicHandlersUnsubscribeNewsletter(t *testing.T) {
	unsubscribed := ""
	handler := NewPublicHandlers(nil, nil, &stubCustomerService{
		unsubscribeNewsletterFunc: func(ctx context.Context, email string) error {
			unsubscribed = email
			return nil
		},
	})

	body := []byte(`{"email":"ada@example.com"}`)
	req := httptest.NewRequest(http.MethodDelete, "/newsletter", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	publicTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if unsubscribed != "ada@example.com" {
		t.Fatalf("expected unsubscribe for ada@example.com, got %q", unsubscribed)
	}
}

func TestPublicHandlersTrackOrderRateLimited(t *testing.T) {
	handler := NewPublicHandlers(nil, &stubOrderService{
		trackOrderFunc: func(ctx context.Context, orderNumber string, email string) (services.Order, error) {
			return services.Order{OrderNumber: orderNumber, Status: domain.OrderStatusProcessing}, nil
		},
	}, nil, WithPublicRateLimit(1, time.Minute))

	router := publicTestRouter(handler)
	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/track?order_number=SF-2026-000042&email=ada@example.com", nil)
		req.RemoteAddr = "203.0.113.7:52100"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("request %d: expected status %d, got %d", i, want, rr.Code)
		}
	}
}
