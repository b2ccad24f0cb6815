package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// ProductSummary represents public-facing product information for listings.
type ProductSummary struct {
	ID          string
	Slug        string
	Name        string
	Category    string
	BasePrice   int64
	Currency    string
	ImagePaths  []string
	IsPublished bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Product represents full product metadata for detail endpoints and admin edits.
type Product struct {
	ProductSummary
	DescriptionHTML string
	Tags            []string
	Variants        []ProductVariant
}

// ProductVariant is one purchasable color+size SKU of a product. Stock counts
// live on the inventory documents keyed by SKU; the variant carries the
// catalog price and presentation attributes.
type ProductVariant struct {
	SKU         string
	ProductID   string
	Color       string
	Size        string
	UnitPrice   int64
	Currency    string
	IsActive    bool
	WeightGrams int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StyleTemplate describes a curated bespoke-garment template customers pick
// from when placing a measurement order.
type StyleTemplate struct {
	ID              string
	Name            string
	Category        string
	DescriptionHTML string
	ImagePaths      []string
	BasePriceHint   *int64
	Popularity      int
	IsPublished     bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Cart aggregates the mutable shopping cart state for a customer or session.
type Cart struct {
	ID              string
	CustomerID      string
	Currency        string
	ShippingAddress *Address
	CouponCode      *string
	Items           []CartItem
	Estimate        *CartEstimate
	UpdatedAt       time.Time
}

// CartItem stores a single SKU entry within a cart.
type CartItem struct {
	SKU       string
	ProductID string
	Quantity  int
	AddedAt   time.Time
	UpdatedAt *time.Time
}

// CartEstimate summarizes totals calculated server-side for the cart.
type CartEstimate struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// PaymentStatus enumerates the payment lifecycle shared by orders and
// measurement orders. Pending is the only non-terminal state.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment has not yet been confirmed.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates the gateway confirmed a successful payment.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the gateway reported failure or the attempt expired.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusCancelled indicates the customer or an admin cancelled before payment.
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// IsTerminal reports whether the payment status can no longer change.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusPaid, PaymentStatusFailed, PaymentStatusCancelled:
		return true
	default:
		return false
	}
}

// OrderStatus enumerates fulfillment stages for regular catalog orders.
type OrderStatus string

const (
	// OrderStatusPlaced is the initial stage set when payment is confirmed.
	OrderStatusPlaced OrderStatus = "order_placed"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusPacked indicates items are packed and awaiting carrier handoff.
	OrderStatusPacked OrderStatus = "packed"
	// OrderStatusShipped indicates the carrier has the parcel.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusInTransit indicates the parcel is moving through the carrier network.
	OrderStatusInTransit OrderStatus = "in_transit"
	// OrderStatusOutForDelivery indicates final-mile delivery is underway.
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	// OrderStatusDelivered indicates the customer received the parcel. Terminal.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled pre-shipment. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// MeasurementStatus enumerates the manufacturing pipeline for bespoke orders.
type MeasurementStatus string

const (
	// MeasurementStatusReceived is the initial stage once payment is confirmed.
	MeasurementStatusReceived MeasurementStatus = "order_received"
	// MeasurementStatusDesignReview indicates the design is under review with the customer.
	MeasurementStatusDesignReview MeasurementStatus = "design_review"
	// MeasurementStatusFabricSelection indicates fabric is being sourced/confirmed.
	MeasurementStatusFabricSelection MeasurementStatus = "fabric_selection"
	// MeasurementStatusPatternMaking indicates the pattern is being drafted.
	MeasurementStatusPatternMaking MeasurementStatus = "pattern_making"
	// MeasurementStatusCutting indicates fabric cutting is underway.
	MeasurementStatusCutting MeasurementStatus = "cutting"
	// MeasurementStatusSewing indicates garment assembly is underway.
	MeasurementStatusSewing MeasurementStatus = "sewing"
	// MeasurementStatusQualityCheck indicates final QC before packing.
	MeasurementStatusQualityCheck MeasurementStatus = "quality_check"
	// MeasurementStatusPacked indicates the garment is packed for shipment.
	MeasurementStatusPacked MeasurementStatus = "packed"
	// MeasurementStatusShipped indicates the carrier has the parcel.
	MeasurementStatusShipped MeasurementStatus = "shipped"
	// MeasurementStatusInTransit indicates the parcel is in the carrier network.
	MeasurementStatusInTransit MeasurementStatus = "in_transit"
	// MeasurementStatusOutForDelivery indicates final-mile delivery is underway.
	MeasurementStatusOutForDelivery MeasurementStatus = "out_for_delivery"
	// MeasurementStatusDelivered indicates the garment was delivered. Terminal.
	MeasurementStatusDelivered MeasurementStatus = "delivered"
	// MeasurementStatusCancelled indicates the order was cancelled pre-shipment. Terminal.
	MeasurementStatusCancelled MeasurementStatus = "cancelled"
)

// Order captures a customer purchase of catalog items.
type Order struct {
	ID               string
	OrderNumber      string
	CustomerID       string
	GuestEmail       string
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	PaymentProvider  string
	PaymentReference string
	ReservationID    string
	Currency         string
	Totals           OrderTotals
	CouponCode       *string
	Items            []OrderLineItem
	ShippingAddress  *Address
	Contact          OrderContact
	Audit            OrderAudit
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PlacedAt         *time.Time
	PaidAt           *time.Time
	ShippedAt        *time.Time
	DeliveredAt      *time.Time
	CancelledAt      *time.Time
	CancelReason     *string
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
// Total = Subtotal - Discount + Shipping + Tax, computed server-side.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// OrderLineItem mirrors cart items at the time of checkout with the catalog
// price that was charged. DiscountPrice is the effective per-unit price after
// coupon application; it equals UnitPrice when no discount applied.
type OrderLineItem struct {
	SKU           string
	ProductID     string
	Name          string
	Color         string
	Size          string
	Quantity      int
	UnitPrice     int64
	DiscountPrice int64
	Total         int64
}

// OrderContact stores the contact snapshot used for notifications.
type OrderContact struct {
	Email string
	Phone string
}

// OrderAudit records the actors responsible for creating/updating the order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// MeasurementOrder represents a bespoke garment request. It shares the payment
// lifecycle with Order but carries a manufacturing pipeline and an
// admin-assigned price that must be set before checkout can proceed.
type MeasurementOrder struct {
	ID               string
	OrderNumber      string
	CustomerID       string
	GuestEmail       string
	Status           MeasurementStatus
	PaymentStatus    PaymentStatus
	PaymentProvider  string
	PaymentReference string
	StyleTemplateID  *string
	FabricChoice     string
	Measurements     map[string]float64
	Notes            string
	Currency         string
	Price            *int64
	PricedBy         *string
	PricedAt         *time.Time
	ShippingAddress  *Address
	Contact          OrderContact
	Audit            OrderAudit
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PaidAt           *time.Time
	ShippedAt        *time.Time
	DeliveredAt      *time.Time
	CancelledAt      *time.Time
	CancelReason     *string
}

// PaymentInitiation represents gateway transaction metadata stored by services
// when checkout hands the customer to the provider.
type PaymentInitiation struct {
	Provider    string
	Reference   string
	RedirectURL string
	ExpiresAt   time.Time
}

// StockReservationLine stores per-SKU quantities for a reservation.
type StockReservationLine struct {
	SKU       string
	ProductID string
	Quantity  int
}

// StockReservation holds temporary or committed stock against a pending order.
type StockReservation struct {
	ID             string
	OrderRef       string
	CustomerRef    string
	Status         string
	Lines          []StockReservationLine
	IdempotencyKey string
	Reason         string
	ExpiresAt      time.Time
	ReleasedAt     *time.Time
	CommittedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// VariantStock represents current stock metrics tracked per SKU.
// Available is always OnHand - Reserved and never negative.
type VariantStock struct {
	SKU       string
	ProductID string
	OnHand    int
	Reserved  int
	Available int
	UpdatedAt time.Time
}

// StockEvent captures stock mutations for downstream analytics/audit.
type StockEvent struct {
	Type          string
	ReservationID string
	OrderRef      string
	SKU           string
	ProductID     string
	DeltaOnHand   int
	DeltaReserved int
	OnHand        int
	Reserved      int
	OccurredAt    time.Time
	Metadata      map[string]any
}

// ShippingZone maps a delivery location to a flat shipping fee.
type ShippingZone struct {
	Location string
	Fee      int64
}

// ShippingSettings is the admin-managed fee table consulted by the pricing
// engine. Orders at or above FreeShippingThreshold ship free.
type ShippingSettings struct {
	Zones                 []ShippingZone
	DefaultFee            int64
	FreeShippingThreshold int64
	TaxRateBasisPoints    int64
	Currency              string
	UpdatedAt             time.Time
}

// CouponKind distinguishes percentage from fixed-amount discounts.
type CouponKind string

const (
	// CouponKindPercent discounts a percentage of the subtotal.
	CouponKindPercent CouponKind = "percent"
	// CouponKindFixed discounts a fixed amount from the subtotal.
	CouponKindFixed CouponKind = "fixed"
)

// Coupon describes a discount code persisted by admin services.
type Coupon struct {
	ID          string
	Code        string
	Kind        CouponKind
	Value       int64
	MinSubtotal int64
	UsageLimit  *int
	UsageCount  int
	StartsAt    time.Time
	ExpiresAt   time.Time
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CouponValidationResult is returned when a coupon is evaluated for a cart.
type CouponValidationResult struct {
	Code           string
	Kind           CouponKind
	Eligible       bool
	Reason         string
	DiscountAmount int64
}

// Address represents postal address structures shared by customer and order
// layers. ID and Label are populated only for address-book entries; addresses
// embedded on orders are plain values.
type Address struct {
	ID         string
	Label      string
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// AuthProvider records linked Firebase identity provider metadata.
type AuthProvider struct {
	ProviderID  string
	UID         string
	Email       string
	DisplayName string
	PhoneNumber string
	PhotoURL    string
}

// CustomerProfile captures the canonical projection of a Firebase Auth user.
type CustomerProfile struct {
	ID                   string
	DisplayName          string
	Email                string
	PhoneNumber          string
	PhotoURL             string
	PreferredLanguage    string
	Roles                []string
	IsActive             bool
	NewsletterSubscribed bool
	ProviderData         []AuthProvider
	CreatedAt            time.Time
	UpdatedAt            time.Time
	LastSyncTime         time.Time
}

// WishlistItem ties a customer to a product variant for fast lookups.
type WishlistItem struct {
	SKU       string
	ProductID string
	AddedAt   time.Time
}

// NewsletterSubscriber stores a public newsletter signup.
type NewsletterSubscriber struct {
	Email          string
	SubscribedAt   time.Time
	UnsubscribedAt *time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry stores normalized audit information for admin use.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	IPHash    string
	UserAgent string
	Severity  string
	RequestID string
	CreatedAt time.Time
}

// SignedAssetResponse returns signed URL payloads for upload/download flows.
type SignedAssetResponse struct {
	AssetID   string
	URL       string
	ExpiresAt time.Time
	Method    string
	Headers   map[string]string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
