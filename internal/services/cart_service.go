package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

const maxCartLines = 50

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart service: invalid input")
	// ErrCartUnavailable indicates the cart backend cannot fulfil the request.
	ErrCartUnavailable = errors.New("cart service: unavailable")
	// ErrCartNotFound indicates the requested cart or line does not exist.
	ErrCartNotFound = errors.New("cart service: not found")
	// ErrCartConflict indicates the cart changed underneath the caller.
	ErrCartConflict = errors.New("cart service: conflict")
	// ErrCartOutOfStock indicates the requested quantity exceeds availability.
	ErrCartOutOfStock = errors.New("cart service: insufficient stock")
)

// CartServiceDeps wires the storage, catalog and pricing dependencies for cart operations.
type CartServiceDeps struct {
	Repository      repositories.CartRepository
	Catalog         repositories.CatalogRepository
	Inventory       InventoryService
	Pricing         PricingEngine
	Coupons         CouponValidator
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
}

type cartService struct {
	repo      repositories.CartRepository
	catalog   repositories.CatalogRepository
	inventory InventoryService
	pricing   PricingEngine
	coupons   CouponValidator
	now       func() time.Time
	currency  string
	logger    func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errors.New("cart service: repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("cart service: catalog repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = defaultCurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		repo:      deps.Repository,
		catalog:   deps.Catalog,
		inventory: deps.Inventory,
		pricing:   deps.Pricing,
		coupons:   deps.Coupons,
		now:       func() time.Time { return clock().UTC() },
		currency:  currency,
		logger:    logger,
	}, nil
}

// GetOrCreateCart loads the customer's cart, creating an empty one when absent.
// The estimate is recomputed on every read so stale prices never surface.
func (s *cartService) GetOrCreateCart(ctx context.Context, customerID string) (Cart, error) {
	cart, err := s.loadOrCreate(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}
	s.refreshEstimate(ctx, &cart)
	return cart, nil
}

// AddOrUpdateItem sets the quantity for a SKU, appending a new line when the
// SKU is not in the cart yet. The variant must exist, be active and have
// enough available stock.
func (s *cartService) AddOrUpdateItem(ctx context.Context, cmd UpsertCartItemCommand) (Cart, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Cart{}, fmt.Errorf("%w: customer id is required", ErrCartInvalidInput)
	}
	sku := strings.TrimSpace(cmd.SKU)
	if sku == "" {
		return Cart{}, fmt.Errorf("%w: sku is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
	}

	variant, err := s.resolveVariant(ctx, sku)
	if err != nil {
		return Cart{}, err
	}
	if err := s.checkAvailability(ctx, sku, cmd.Quantity); err != nil {
		return Cart{}, err
	}

	cart, err := s.loadOrCreate(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}

	now := s.now()
	items := cloneCartItems(cart.Items)
	if idx := indexOfCartItem(items, sku); idx >= 0 {
		items[idx].Quantity = cmd.Quantity
		ts := now
		items[idx].UpdatedAt = &ts
	} else {
		if len(items) >= maxCartLines {
			return Cart{}, fmt.Errorf("%w: cart holds at most %d lines", ErrCartInvalidInput, maxCartLines)
		}
		items = append(items, domain.CartItem{
			SKU:       sku,
			ProductID: variant.ProductID,
			Quantity:  cmd.Quantity,
			AddedAt:   now,
		})
	}

	return s.persistItems(ctx, cart, items)
}

// RemoveItem drops the SKU's line from the cart.
func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	sku := strings.TrimSpace(cmd.SKU)
	if customerID == "" || sku == "" {
		return Cart{}, fmt.Errorf("%w: customer id and sku are required", ErrCartInvalidInput)
	}

	cart, err := s.getCart(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}

	items := cloneCartItems(cart.Items)
	idx := indexOfCartItem(items, sku)
	if idx < 0 {
		return Cart{}, ErrCartNotFound
	}
	items = append(items[:idx], items[idx+1:]...)

	return s.persistItems(ctx, cart, items)
}

// ReplaceItems swaps the whole line set, validating every SKU.
func (s *cartService) ReplaceItems(ctx context.Context, cmd ReplaceCartItemsCommand) (Cart, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Cart{}, fmt.Errorf("%w: customer id is required", ErrCartInvalidInput)
	}
	if len(cmd.Items) > maxCartLines {
		return Cart{}, fmt.Errorf("%w: cart holds at most %d lines", ErrCartInvalidInput, maxCartLines)
	}

	now := s.now()
	seen := make(map[string]int, len(cmd.Items))
	items := make([]domain.CartItem, 0, len(cmd.Items))
	for _, line := range cmd.Items {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			return Cart{}, fmt.Errorf("%w: sku is required", ErrCartInvalidInput)
		}
		if line.Quantity <= 0 {
			return Cart{}, fmt.Errorf("%w: quantity for %s must be greater than zero", ErrCartInvalidInput, sku)
		}

		variant, err := s.resolveVariant(ctx, sku)
		if err != nil {
			return Cart{}, err
		}

		if idx, ok := seen[sku]; ok {
			items[idx].Quantity += line.Quantity
			continue
		}
		seen[sku] = len(items)
		items = append(items, domain.CartItem{
			SKU:       sku,
			ProductID: variant.ProductID,
			Quantity:  line.Quantity,
			AddedAt:   now,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SKU < items[j].SKU })

	for _, item := range items {
		if err := s.checkAvailability(ctx, item.SKU, item.Quantity); err != nil {
			return Cart{}, err
		}
	}

	cart, err := s.loadOrCreate(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}
	return s.persistItems(ctx, cart, items)
}

// ApplyCoupon validates the code against the current subtotal and pins it to
// the cart. Checkout revalidates; the cart copy is a convenience.
func (s *cartService) ApplyCoupon(ctx context.Context, cmd CartCouponCommand) (Cart, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	code := strings.ToUpper(strings.TrimSpace(cmd.Code))
	if customerID == "" || code == "" {
		return Cart{}, fmt.Errorf("%w: customer id and code are required", ErrCartInvalidInput)
	}

	cart, err := s.getCart(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}
	if len(cart.Items) == 0 {
		return Cart{}, fmt.Errorf("%w: cannot apply a coupon to an empty cart", ErrCartInvalidInput)
	}

	if s.coupons != nil {
		subtotal, err := s.cartSubtotal(ctx, cart)
		if err != nil {
			return Cart{}, err
		}
		validation, err := s.coupons.ValidateCoupon(ctx, ValidateCouponCommand{
			Code:     code,
			Subtotal: subtotal,
			Now:      s.now(),
		})
		if err != nil {
			return Cart{}, err
		}
		if !validation.Eligible {
			return Cart{}, fmt.Errorf("%w: %s", ErrCartInvalidInput, validation.Reason)
		}
		code = validation.Code
	}

	cart.CouponCode = &code
	return s.saveCart(ctx, cart)
}

// RemoveCoupon clears the pinned code.
func (s *cartService) RemoveCoupon(ctx context.Context, customerID string) (Cart, error) {
	cart, err := s.getCart(ctx, strings.TrimSpace(customerID))
	if err != nil {
		return Cart{}, err
	}
	cart.CouponCode = nil
	return s.saveCart(ctx, cart)
}

// SetShippingAddress stores the delivery address used for shipping estimates.
func (s *cartService) SetShippingAddress(ctx context.Context, cmd CartShippingAddressCommand) (Cart, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Cart{}, fmt.Errorf("%w: customer id is required", ErrCartInvalidInput)
	}
	if strings.TrimSpace(cmd.Address.Line1) == "" || strings.TrimSpace(cmd.Address.City) == "" {
		return Cart{}, fmt.Errorf("%w: address line and city are required", ErrCartInvalidInput)
	}

	cart, err := s.loadOrCreate(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}
	address := cmd.Address
	cart.ShippingAddress = &address
	return s.saveCart(ctx, cart)
}

// ClearCart drops all lines and the coupon.
func (s *cartService) ClearCart(ctx context.Context, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return fmt.Errorf("%w: customer id is required", ErrCartInvalidInput)
	}

	cart, err := s.getCart(ctx, customerID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return nil
		}
		return err
	}

	cart.Items = nil
	cart.CouponCode = nil
	cart.Estimate = nil
	cart.UpdatedAt = s.now()
	if _, err := s.repo.UpsertCart(ctx, cart); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

// Internals --------------------------------------------------------------------

func (s *cartService) loadOrCreate(ctx context.Context, customerID string) (Cart, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Cart{}, fmt.Errorf("%w: customer id is required", ErrCartInvalidInput)
	}

	cart, err := s.repo.GetCart(ctx, customerID)
	if err != nil {
		if isRepoNotFound(err) {
			fresh := domain.Cart{
				ID:         customerID,
				CustomerID: customerID,
				Currency:   s.currency,
				UpdatedAt:  s.now(),
			}
			saved, err := s.repo.UpsertCart(ctx, fresh)
			if err != nil {
				return Cart{}, s.translateRepoError(err)
			}
			return saved, nil
		}
		return Cart{}, s.translateRepoError(err)
	}
	if cart.Currency == "" {
		cart.Currency = s.currency
	}
	return cart, nil
}

func (s *cartService) getCart(ctx context.Context, customerID string) (Cart, error) {
	if customerID == "" {
		return Cart{}, fmt.Errorf("%w: customer id is required", ErrCartInvalidInput)
	}
	cart, err := s.repo.GetCart(ctx, customerID)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	return cart, nil
}

func (s *cartService) persistItems(ctx context.Context, cart Cart, items []domain.CartItem) (Cart, error) {
	saved, err := s.repo.ReplaceItems(ctx, cart.CustomerID, items)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	if saved.Currency == "" {
		saved.Currency = s.currency
	}
	saved.CouponCode = cart.CouponCode
	saved.ShippingAddress = cart.ShippingAddress
	s.refreshEstimate(ctx, &saved)
	return saved, nil
}

func (s *cartService) saveCart(ctx context.Context, cart Cart) (Cart, error) {
	cart.UpdatedAt = s.now()
	saved, err := s.repo.UpsertCart(ctx, cart)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	s.refreshEstimate(ctx, &saved)
	return saved, nil
}

func (s *cartService) resolveVariant(ctx context.Context, sku string) (domain.ProductVariant, error) {
	variant, err := s.catalog.GetVariant(ctx, sku)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.ProductVariant{}, fmt.Errorf("%w: unknown sku %s", ErrCartInvalidInput, sku)
		}
		return domain.ProductVariant{}, s.translateRepoError(err)
	}
	if !variant.IsActive {
		return domain.ProductVariant{}, fmt.Errorf("%w: sku %s is unavailable", ErrCartInvalidInput, sku)
	}
	return variant, nil
}

func (s *cartService) checkAvailability(ctx context.Context, sku string, quantity int) error {
	if s.inventory == nil {
		return nil
	}
	stock, err := s.inventory.GetStock(ctx, sku)
	if err != nil {
		if errors.Is(err, ErrInventoryStockNotFound) {
			return fmt.Errorf("%w: %s", ErrCartOutOfStock, sku)
		}
		// Carts stay usable when the stock read fails; checkout re-checks
		// transactionally anyway.
		s.logger(ctx, "cart.stock_check_failed", map[string]any{"sku": sku, "error": err.Error()})
		return nil
	}
	if stock.Available < quantity {
		return fmt.Errorf("%w: %s has %d available", ErrCartOutOfStock, sku, stock.Available)
	}
	return nil
}

// refreshEstimate recomputes totals through the pricing engine. Estimates are
// advisory; a pricing failure leaves the cart readable with no estimate.
func (s *cartService) refreshEstimate(ctx context.Context, cart *Cart) {
	if s.pricing == nil || len(cart.Items) == 0 {
		cart.Estimate = nil
		return
	}

	breakdown, err := s.pricing.Quote(ctx, s.quoteRequest(*cart))
	if err != nil {
		s.logger(ctx, "cart.estimate_failed", map[string]any{
			"customerId": cart.CustomerID,
			"error":      err.Error(),
		})
		cart.Estimate = nil
		return
	}
	cart.Estimate = &CartEstimate{
		Subtotal: breakdown.Subtotal,
		Discount: breakdown.Discount,
		Shipping: breakdown.Shipping,
		Tax:      breakdown.Tax,
		Total:    breakdown.Total,
	}
}

func (s *cartService) cartSubtotal(ctx context.Context, cart Cart) (int64, error) {
	var subtotal int64
	for _, item := range cart.Items {
		variant, err := s.resolveVariant(ctx, item.SKU)
		if err != nil {
			return 0, err
		}
		subtotal += variant.UnitPrice * int64(item.Quantity)
	}
	return subtotal, nil
}

func (s *cartService) quoteRequest(cart Cart) QuoteRequest {
	lines := make([]QuoteLine, 0, len(cart.Items))
	for _, item := range cart.Items {
		lines = append(lines, QuoteLine{SKU: item.SKU, Quantity: item.Quantity})
	}
	req := QuoteRequest{
		Lines:      lines,
		CouponCode: cart.CouponCode,
		Now:        s.now(),
	}
	if cart.ShippingAddress != nil {
		req.Location = cart.ShippingAddress.City
	}
	return req
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCartNotFound
		case repoErr.IsConflict():
			return ErrCartConflict
		}
	}
	return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
}

func cloneCartItems(items []domain.CartItem) []domain.CartItem {
	if len(items) == 0 {
		return []domain.CartItem{}
	}
	dup := make([]domain.CartItem, len(items))
	copy(dup, items)
	return dup
}

func indexOfCartItem(items []domain.CartItem, sku string) int {
	for i, item := range items {
		if strings.EqualFold(strings.TrimSpace(item.SKU), sku) {
			return i
		}
	}
	return -1
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
