package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

var (
	// ErrPricingInvalidInput signals bad request data such as missing lines or zero quantities.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
	// ErrPricingUnknownVariant is returned when a requested SKU is not in the catalog.
	ErrPricingUnknownVariant = errors.New("pricing: unknown variant")
	// ErrPricingInactiveVariant is returned when a requested SKU is not purchasable.
	ErrPricingInactiveVariant = errors.New("pricing: variant not purchasable")
	// ErrPricingCurrencyMismatch is returned when lines resolve to multiple currencies.
	ErrPricingCurrencyMismatch = errors.New("pricing: currency mismatch")
	// ErrPricingCouponRejected is returned when the supplied coupon is not eligible.
	ErrPricingCouponRejected = errors.New("pricing: coupon not eligible")
)

// CouponValidator is the slice of the coupon service the pricing engine needs.
type CouponValidator interface {
	ValidateCoupon(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error)
}

// CheckoutPricingEngine computes authoritative totals from catalog prices and
// the admin shipping settings. Client-side amounts never enter the quote.
type CheckoutPricingEngine struct {
	catalog  repositories.CatalogRepository
	settings repositories.ShippingSettingsRepository
	coupons  CouponValidator
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
	cache    *shippingSettingsCache
}

// CheckoutPricingEngineDeps bundles the engine's collaborators.
type CheckoutPricingEngineDeps struct {
	Catalog  repositories.CatalogRepository
	Settings repositories.ShippingSettingsRepository
	Coupons  CouponValidator
	CacheTTL time.Duration
	Now      func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

// NewCheckoutPricingEngine constructs the engine. Settings reads are cached
// briefly so hot checkout paths do not hit Firestore on every quote.
func NewCheckoutPricingEngine(deps CheckoutPricingEngineDeps) (*CheckoutPricingEngine, error) {
	if deps.Catalog == nil {
		return nil, errors.New("pricing engine: catalog repository is required")
	}
	if deps.Settings == nil {
		return nil, errors.New("pricing engine: shipping settings repository is required")
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	utcNow := func() time.Time { return now().UTC() }

	return &CheckoutPricingEngine{
		catalog:  deps.Catalog,
		settings: deps.Settings,
		coupons:  deps.Coupons,
		now:      utcNow,
		logger:   logger,
		cache:    newShippingSettingsCache(ttl, utcNow),
	}, nil
}

// Quote prices the requested lines. Unit prices are resolved from the catalog,
// the coupon share is apportioned across lines by their subtotal weight, and
// shipping/tax come from the admin settings document.
func (e *CheckoutPricingEngine) Quote(ctx context.Context, req QuoteRequest) (PricingBreakdown, error) {
	if len(req.Lines) == 0 {
		return PricingBreakdown{}, fmt.Errorf("%w: at least one line is required", ErrPricingInvalidInput)
	}

	now := req.Now
	if now.IsZero() {
		now = e.now()
	}

	settings, err := e.shippingSettings(ctx)
	if err != nil {
		return PricingBreakdown{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = strings.ToUpper(strings.TrimSpace(settings.Currency))
	}

	items := make([]ItemPricingBreakdown, 0, len(req.Lines))
	weights := make([]int64, 0, len(req.Lines))
	var subtotal int64

	for _, line := range req.Lines {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			return PricingBreakdown{}, fmt.Errorf("%w: line sku is required", ErrPricingInvalidInput)
		}
		if line.Quantity <= 0 {
			return PricingBreakdown{}, fmt.Errorf("%w: quantity for %s must be positive", ErrPricingInvalidInput, sku)
		}

		variant, err := e.catalog.GetVariant(ctx, sku)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return PricingBreakdown{}, fmt.Errorf("%w: %s", ErrPricingUnknownVariant, sku)
			}
			return PricingBreakdown{}, err
		}
		if !variant.IsActive {
			return PricingBreakdown{}, fmt.Errorf("%w: %s", ErrPricingInactiveVariant, sku)
		}

		variantCurrency := strings.ToUpper(strings.TrimSpace(variant.Currency))
		if currency == "" {
			currency = variantCurrency
		}
		if variantCurrency != "" && variantCurrency != currency {
			return PricingBreakdown{}, fmt.Errorf("%w: %s priced in %s, expected %s", ErrPricingCurrencyMismatch, sku, variantCurrency, currency)
		}

		quantity := int64(line.Quantity)
		if variant.UnitPrice > 0 && variant.UnitPrice > math.MaxInt64/quantity {
			return PricingBreakdown{}, fmt.Errorf("%w: line %s subtotal overflow", ErrPricingInvalidInput, sku)
		}
		lineSubtotal := variant.UnitPrice * quantity
		if subtotal > math.MaxInt64-lineSubtotal {
			return PricingBreakdown{}, fmt.Errorf("%w: subtotal overflow", ErrPricingInvalidInput)
		}
		subtotal += lineSubtotal

		items = append(items, ItemPricingBreakdown{
			SKU:           sku,
			Quantity:      line.Quantity,
			UnitPrice:     variant.UnitPrice,
			DiscountPrice: variant.UnitPrice,
			Subtotal:      lineSubtotal,
			Total:         lineSubtotal,
		})
		weights = append(weights, lineSubtotal)
	}

	discount, couponBreakdown, err := e.applyCoupon(ctx, req.CouponCode, subtotal, now)
	if err != nil {
		return PricingBreakdown{}, err
	}
	if discount > subtotal {
		e.logger(ctx, "pricing.discount_clamped", map[string]any{"subtotal": subtotal, "discount": discount})
		discount = subtotal
		if couponBreakdown != nil {
			couponBreakdown.Amount = discount
		}
	}

	discountAlloc := allocateByWeight(discount, weights)
	for idx := range items {
		items[idx].Discount = discountAlloc[idx]
		items[idx].Total = items[idx].Subtotal - discountAlloc[idx]
		if items[idx].Total < 0 {
			items[idx].Total = 0
		}
		if q := int64(items[idx].Quantity); q > 0 {
			items[idx].DiscountPrice = items[idx].Total / q
		}
	}

	netSubtotal := subtotal - discount
	if netSubtotal < 0 {
		netSubtotal = 0
	}

	delivery := resolveShippingFee(settings, req.Location, netSubtotal)
	tax := netSubtotal * settings.TaxRateBasisPoints / 10_000

	total := netSubtotal + delivery.Fee + tax
	if total < 0 {
		total = 0
	}

	return PricingBreakdown{
		Currency: currency,
		Subtotal: subtotal,
		Discount: discount,
		Shipping: delivery.Fee,
		Tax:      tax,
		Total:    total,
		Items:    items,
		Coupon:   couponBreakdown,
		Delivery: delivery,
	}, nil
}

func (e *CheckoutPricingEngine) applyCoupon(ctx context.Context, code *string, subtotal int64, now time.Time) (int64, *DiscountBreakdown, error) {
	if code == nil {
		return 0, nil, nil
	}
	trimmed := strings.ToUpper(strings.TrimSpace(*code))
	if trimmed == "" {
		return 0, nil, nil
	}
	if e.coupons == nil {
		return 0, nil, fmt.Errorf("%w: coupon validation unavailable", ErrPricingCouponRejected)
	}

	result, err := e.coupons.ValidateCoupon(ctx, ValidateCouponCommand{
		Code:     trimmed,
		Subtotal: subtotal,
		Now:      now,
	})
	if err != nil {
		return 0, nil, err
	}
	if !result.Eligible {
		reason := result.Reason
		if reason == "" {
			reason = "coupon not eligible"
		}
		return 0, nil, fmt.Errorf("%w: %s", ErrPricingCouponRejected, reason)
	}

	discount := result.DiscountAmount
	if discount < 0 {
		discount = 0
	}
	return discount, &DiscountBreakdown{Code: result.Code, Kind: result.Kind, Amount: discount}, nil
}

func (e *CheckoutPricingEngine) shippingSettings(ctx context.Context) (ShippingSettings, error) {
	if settings, ok := e.cache.Get(); ok {
		return settings, nil
	}
	settings, err := e.settings.Get(ctx)
	if err != nil {
		return ShippingSettings{}, err
	}
	e.cache.Put(settings)
	return settings, nil
}

func resolveShippingFee(settings ShippingSettings, location string, netSubtotal int64) ShippingBreakdown {
	normalised := strings.ToLower(strings.TrimSpace(location))

	if settings.FreeShippingThreshold > 0 && netSubtotal >= settings.FreeShippingThreshold {
		return ShippingBreakdown{Location: normalised, Fee: 0, FreeShipping: true}
	}

	fee := settings.DefaultFee
	for _, zone := range settings.Zones {
		if strings.ToLower(strings.TrimSpace(zone.Location)) == normalised && normalised != "" {
			fee = zone.Fee
			break
		}
	}
	if fee < 0 {
		fee = 0
	}
	return ShippingBreakdown{Location: normalised, Fee: fee}
}

// allocateByWeight splits amount across weights proportionally, handing the
// rounding remainder to the largest fractional shares so the parts always sum
// back to the whole.
func allocateByWeight(amount int64, weights []int64) []int64 {
	if len(weights) == 0 {
		return nil
	}
	allocations := make([]int64, len(weights))
	if amount == 0 {
		return allocations
	}
	totalWeight := int64(0)
	for _, w := range weights {
		if w > 0 {
			totalWeight += w
		}
	}
	if totalWeight == 0 {
		// distribute evenly if all zero
		base := amount / int64(len(weights))
		remainder := amount % int64(len(weights))
		for i := range weights {
			allocations[i] = base
			if remainder > 0 {
				allocations[i]++
				remainder--
			}
		}
		return allocations
	}

	remainderPairs := make([]struct {
		idx       int
		remainder int64
	}, len(weights))

	distributed := int64(0)
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		share := (amount * w) / totalWeight
		allocations[i] = share
		distributed += share
		remainderPairs[i] = struct {
			idx       int
			remainder int64
		}{idx: i, remainder: (amount * w) % totalWeight}
	}

	remainder := amount - distributed
	if remainder <= 0 {
		return allocations
	}

	sort.SliceStable(remainderPairs, func(i, j int) bool {
		if remainderPairs[i].remainder == remainderPairs[j].remainder {
			return remainderPairs[i].idx < remainderPairs[j].idx
		}
		return remainderPairs[i].remainder > remainderPairs[j].remainder
	})

	for _, entry := range remainderPairs {
		if remainder == 0 {
			break
		}
		allocations[entry.idx]++
		remainder--
	}

	return allocations
}

type shippingSettingsCache struct {
	ttl time.Duration
	now func() time.Time
	mu  sync.RWMutex

	settings domain.ShippingSettings
	loaded   bool
	expires  time.Time
}

func newShippingSettingsCache(ttl time.Duration, now func() time.Time) *shippingSettingsCache {
	return &shippingSettingsCache{ttl: ttl, now: now}
}

func (c *shippingSettingsCache) Get() (domain.ShippingSettings, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded || c.now().After(c.expires) {
		return domain.ShippingSettings{}, false
	}
	return c.settings, true
}

func (c *shippingSettingsCache) Put(settings domain.ShippingSettings) {
	c.mu.Lock()
	c.settings = settings
	c.loaded = true
	c.expires = c.now().Add(c.ttl)
	c.mu.Unlock()
}

// Invalidate drops the cached settings so the next quote re-reads Firestore.
// Called by the admin settings update path.
func (c *shippingSettingsCache) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}

// InvalidateSettings exposes cache invalidation to the settings admin service.
func (e *CheckoutPricingEngine) InvalidateSettings() {
	e.cache.Invalidate()
}
