package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
)

type stubCartRepo struct {
	carts map[string]domain.Cart
}

func newStubCartRepo() *stubCartRepo {
	return &stubCartRepo{carts: map[string]domain.Cart{}}
}

func (s *stubCartRepo) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	s.carts[cart.CustomerID] = cart
	return cart, nil
}

func (s *stubCartRepo) GetCart(ctx context.Context, customerID string) (domain.Cart, error) {
	if cart, ok := s.carts[customerID]; ok {
		return cart, nil
	}
	return domain.Cart{}, &stubRepoError{notFound: true}
}

func (s *stubCartRepo) ReplaceItems(ctx context.Context, customerID string, items []domain.CartItem) (domain.Cart, error) {
	cart, ok := s.carts[customerID]
	if !ok {
		return domain.Cart{}, &stubRepoError{notFound: true}
	}
	cart.Items = items
	s.carts[customerID] = cart
	return cart, nil
}

type stubStockReader struct {
	stubInventoryService
	stocks map[string]domain.VariantStock
}

func (s *stubStockReader) GetStock(ctx context.Context, sku string) (VariantStock, error) {
	if stock, ok := s.stocks[sku]; ok {
		return stock, nil
	}
	return VariantStock{}, ErrInventoryStockNotFound
}

var cartTestNow = time.Date(2026, 5, 18, 11, 0, 0, 0, time.UTC)

type cartFixture struct {
	svc     CartService
	repo    *stubCartRepo
	pricing *stubPricingEngine
	coupons *stubCouponValidator
}

func newCartFixture(t *testing.T) cartFixture {
	t.Helper()
	repo := newStubCartRepo()
	pricing := &stubPricingEngine{breakdown: PricingBreakdown{Currency: "NGN", Subtotal: 1000_00, Total: 1000_00}}
	coupons := &stubCouponValidator{result: CouponValidation{Code: "WELCOME10", Eligible: true, DiscountAmount: 100_00}}
	stock := &stubStockReader{stocks: map[string]domain.VariantStock{
		"TSH-BLK-M": {SKU: "TSH-BLK-M", Available: 5},
		"TSH-WHT-L": {SKU: "TSH-WHT-L", Available: 1},
	}}

	svc, err := NewCartService(CartServiceDeps{
		Repository:      repo,
		Catalog:         testCatalog(),
		Inventory:       stock,
		Pricing:         pricing,
		Coupons:         coupons,
		Clock:           func() time.Time { return cartTestNow },
		DefaultCurrency: "NGN",
	})
	if err != nil {
		t.Fatalf("new cart service: %v", err)
	}
	return cartFixture{svc: svc, repo: repo, pricing: pricing, coupons: coupons}
}

func TestCartGetOrCreateCreatesEmptyCart(t *testing.T) {
	fix := newCartFixture(t)

	cart, err := fix.svc.GetOrCreateCart(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if cart.CustomerID != "cus_1" || cart.Currency != "NGN" {
		t.Fatalf("unexpected new cart %+v", cart)
	}
	if len(cart.Items) != 0 || cart.Estimate != nil {
		t.Fatalf("expected empty cart without estimate, got %+v", cart)
	}
	if _, ok := fix.repo.carts["cus_1"]; !ok {
		t.Fatalf("expected cart persisted")
	}
}

func TestCartAddItemValidatesSKUAndStock(t *testing.T) {
	fix := newCartFixture(t)
	ctx := context.Background()

	cart, err := fix.svc.AddOrUpdateItem(ctx, UpsertCartItemCommand{CustomerID: "cus_1", SKU: "TSH-BLK-M", Quantity: 2})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].Quantity != 2 || cart.Items[0].ProductID != "prod-1" {
		t.Fatalf("unexpected items %+v", cart.Items)
	}
	if cart.Estimate == nil || cart.Estimate.Total != 1000_00 {
		t.Fatalf("expected priced estimate, got %+v", cart.Estimate)
	}

	if _, err := fix.svc.AddOrUpdateItem(ctx, UpsertCartItemCommand{CustomerID: "cus_1", SKU: "NOPE-1", Quantity: 1}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for unknown sku, got %v", err)
	}
	if _, err := fix.svc.AddOrUpdateItem(ctx, UpsertCartItemCommand{CustomerID: "cus_1", SKU: "CAP-RED-1", Quantity: 1}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for inactive sku, got %v", err)
	}
	if _, err := fix.svc.AddOrUpdateItem(ctx, UpsertCartItemCommand{CustomerID: "cus_1", SKU: "TSH-WHT-L", Quantity: 3}); !errors.Is(err, ErrCartOutOfStock) {
		t.Fatalf("expected out of stock, got %v", err)
	}
}

func TestCartAddItemUpdatesExistingLine(t *testing.T) {
	fix := newCartFixture(t)
	ctx := context.Background()

	if _, err := fix.svc.AddOrUpdateItem(ctx, UpsertCartItemCommand{CustomerID: "cus_1", SKU: "TSH-BLK-M", Quantity: 1}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	cart, err := fix.svc.AddOrUpdateItem(ctx, UpsertCartItemCommand{CustomerID: "cus_1", SKU: "TSH-BLK-M", Quantity: 4})
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].Quantity != 4 {
		t.Fatalf("expected quantity replaced, got %+v", cart.Items)
	}
	if cart.Items[0].UpdatedAt == nil {
		t.Fatalf("expected updatedAt stamped on the line")
	}
}

func TestCartRemoveItem(t *testing.T) {
	fix := newCartFixture(t)
	ctx := context.Background()

	if _, err := fix.svc.AddOrUpdateItem(ctx, UpsertCartItemCommand{CustomerID: "cus_1", SKU: "TSH-BLK-M", Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}

	cart, err := fix.svc.RemoveItem(ctx, RemoveCartItemCommand{CustomerID: "cus_1", SKU: "TSH-BLK-M"})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(cart.Items) != 0 {
		t.Fatalf("expected empty cart, got %+v", cart.Items)
	}

	if _, err := fix.svc.RemoveItem(ctx, RemoveCartItemCommand{CustomerID: "cus_1", SKU: "TSH-BLK-M"}); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected not found for missing line, got %v", err)
	}
}

func TestCartReplaceItemsMergesDuplicates(t *testing.T) {
	fix := newCartFixture(t)

	cart, err := fix.svc.ReplaceItems(context.Background(), ReplaceCartItemsCommand{
		CustomerID: "cus_1",
		Items: []CartItem{
			{SKU: "TSH-BLK-M", Quantity: 1},
			{SKU: "TSH-BLK-M", Quantity: 2},
			{SKU: "TSH-WHT-L", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(cart.Items) != 2 {
		t.Fatalf("expected merged lines, got %+v", cart.Items)
	}
	if cart.Items[0].SKU != "TSH-BLK-M" || cart.Items[0].Quantity != 3 {
		t.Fatalf("expected merged quantity 3, got %+v", cart.Items[0])
	}
}

func TestCartApplyCouponValidatesAgainstSubtotal(t *testing.T) {
	fix := newCartFixture(t)
	ctx := context.Background()

	if _, err := fix.svc.AddOrUpdateItem(ctx, UpsertCartItemCommand{CustomerID: "cus_1", SKU: "TSH-BLK-M", Quantity: 2}); err != nil {
		t.Fatalf("add: %v", err)
	}

	cart, err := fix.svc.ApplyCoupon(ctx, CartCouponCommand{CustomerID: "cus_1", Code: " welcome10 "})
	if err != nil {
		t.Fatalf("apply coupon: %v", err)
	}
	if cart.CouponCode == nil || *cart.CouponCode != "WELCOME10" {
		t.Fatalf("expected coupon pinned, got %+v", cart.CouponCode)
	}
	if len(fix.coupons.calls) != 1 || fix.coupons.calls[0].Subtotal != 2*500_00 {
		t.Fatalf("expected validation against catalog subtotal, got %+v", fix.coupons.calls)
	}
}

func TestCartApplyCouponRejectsIneligible(t *testing.T) {
	fix := newCartFixture(t)
	ctx := context.Background()
	fix.coupons.result = CouponValidation{Code: "WELCOME10", Eligible: false, Reason: "coupon expired"}

	if _, err := fix.svc.AddOrUpdateItem(ctx, UpsertCartItemCommand{CustomerID: "cus_1", SKU: "TSH-BLK-M", Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := fix.svc.ApplyCoupon(ctx, CartCouponCommand{CustomerID: "cus_1", Code: "WELCOME10"}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for ineligible coupon, got %v", err)
	}
}

func TestCartApplyCouponRequiresItems(t *testing.T) {
	fix := newCartFixture(t)
	ctx := context.Background()

	if _, err := fix.svc.GetOrCreateCart(ctx, "cus_1"); err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := fix.svc.ApplyCoupon(ctx, CartCouponCommand{CustomerID: "cus_1", Code: "WELCOME10"}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for empty cart, got %v", err)
	}
}

func TestCartSetShippingAddressFeedsEstimateLocation(t *testing.T) {
	fix := newCartFixture(t)
	ctx := context.Background()

	if _, err := fix.svc.AddOrUpdateItem(ctx, UpsertCartItemCommand{CustomerID: "cus_1", SKU: "TSH-BLK-M", Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	cart, err := fix.svc.SetShippingAddress(ctx, CartShippingAddressCommand{
		CustomerID: "cus_1",
		Address:    domain.Address{Line1: "4 Marina Road", City: "Lagos"},
	})
	if err != nil {
		t.Fatalf("set address: %v", err)
	}
	if cart.ShippingAddress == nil || cart.ShippingAddress.City != "Lagos" {
		t.Fatalf("expected address stored, got %+v", cart.ShippingAddress)
	}
	last := fix.pricing.requests[len(fix.pricing.requests)-1]
	if last.Location != "Lagos" {
		t.Fatalf("expected estimate quoted for Lagos, got %q", last.Location)
	}
}

func TestCartClearCart(t *testing.T) {
	fix := newCartFixture(t)
	ctx := context.Background()

	if _, err := fix.svc.AddOrUpdateItem(ctx, UpsertCartItemCommand{CustomerID: "cus_1", SKU: "TSH-BLK-M", Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := fix.svc.ClearCart(ctx, "cus_1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	cart, err := fix.svc.GetOrCreateCart(ctx, "cus_1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(cart.Items) != 0 || cart.CouponCode != nil {
		t.Fatalf("expected cleared cart, got %+v", cart)
	}

	if err := fix.svc.ClearCart(ctx, "cus_ghost"); err != nil {
		t.Fatalf("clearing a missing cart is a no-op, got %v", err)
	}
}
