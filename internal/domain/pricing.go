package domain

// PricingBreakdown captures the aggregated monetary results of pricing a
// checkout attempt. All amounts are minor units in Currency.
type PricingBreakdown struct {
	Currency string
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
	Items    []ItemPricingBreakdown
	Coupon   *DiscountBreakdown
	Delivery ShippingBreakdown
}

// ItemPricingBreakdown stores per-line pricing outputs after running the engine.
// DiscountPrice is the effective per-unit price after the coupon share was
// apportioned across lines.
type ItemPricingBreakdown struct {
	SKU           string
	Quantity      int
	UnitPrice     int64
	DiscountPrice int64
	Subtotal      int64
	Discount      int64
	Total         int64
}

// DiscountBreakdown records the coupon adjustment applied to the attempt.
type DiscountBreakdown struct {
	Code   string
	Kind   CouponKind
	Amount int64
}

// ShippingBreakdown records the shipping fee resolution for the attempt.
type ShippingBreakdown struct {
	Location     string
	Fee          int64
	FreeShipping bool
}
