package services

import (
	"context"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination           = domain.Pagination
	SortOrder            = domain.SortOrder
	Cart                 = domain.Cart
	CartItem             = domain.CartItem
	CartEstimate         = domain.CartEstimate
	PricingBreakdown     = domain.PricingBreakdown
	ItemPricingBreakdown = domain.ItemPricingBreakdown
	DiscountBreakdown    = domain.DiscountBreakdown
	ShippingBreakdown    = domain.ShippingBreakdown
	Order                = domain.Order
	OrderTotals          = domain.OrderTotals
	OrderLineItem        = domain.OrderLineItem
	OrderStatus          = domain.OrderStatus
	OrderContact         = domain.OrderContact
	OrderAudit           = domain.OrderAudit
	MeasurementOrder     = domain.MeasurementOrder
	MeasurementStatus    = domain.MeasurementStatus
	PaymentStatus        = domain.PaymentStatus
	PaymentInitiation    = domain.PaymentInitiation
	StockReservation     = domain.StockReservation
	StockReservationLine = domain.StockReservationLine
	VariantStock         = domain.VariantStock
	StockEvent           = domain.StockEvent
	Product              = domain.Product
	ProductSummary       = domain.ProductSummary
	ProductVariant       = domain.ProductVariant
	StyleTemplate        = domain.StyleTemplate
	ShippingSettings     = domain.ShippingSettings
	Coupon               = domain.Coupon
	CouponValidation     = domain.CouponValidationResult
	Address              = domain.Address
	CustomerProfile      = domain.CustomerProfile
	WishlistItem         = domain.WishlistItem
	NewsletterSubscriber = domain.NewsletterSubscriber
	SystemHealthReport   = domain.SystemHealthReport
	AuditLogEntry        = domain.AuditLogEntry
	SignedAssetResponse  = domain.SignedAssetResponse
)

// InventoryService centralizes stock reservation, commit, release and
// adjustment workflows.
type InventoryService interface {
	ReserveStocks(ctx context.Context, cmd InventoryReserveCommand) (StockReservation, error)
	CommitReservation(ctx context.Context, cmd InventoryCommitCommand) (StockReservation, error)
	ReleaseReservation(ctx context.Context, cmd InventoryReleaseCommand) (StockReservation, error)
	ReleaseExpiredReservations(ctx context.Context, now time.Time) (int, error)
	AdjustStock(ctx context.Context, cmd StockAdjustCommand) (VariantStock, error)
	GetStock(ctx context.Context, sku string) (VariantStock, error)
	ListLowStock(ctx context.Context, filter InventoryLowStockFilter) (domain.CursorPage[VariantStock], error)
}

// PricingEngine computes authoritative totals for carts and checkouts.
// Client-supplied amounts are never trusted.
type PricingEngine interface {
	Quote(ctx context.Context, req QuoteRequest) (PricingBreakdown, error)
}

// CheckoutService orchestrates the reservation, order creation and gateway
// handoff for both catalog carts and priced measurement orders.
type CheckoutService interface {
	InitiateCheckout(ctx context.Context, cmd InitiateCheckoutCommand) (CheckoutResult, error)
	InitiateMeasurementCheckout(ctx context.Context, cmd InitiateMeasurementCheckoutCommand) (CheckoutResult, error)
}

// ReconciliationService converges webhook and polled gateway state onto a
// single idempotent payment transition keyed by payment reference.
type ReconciliationService interface {
	HandleWebhook(ctx context.Context, cmd WebhookCommand) error
	HandlePolledVerification(ctx context.Context, reference string) (PaymentReconciliationResult, error)
}

// OrderService exposes catalog order reads, the fulfillment state machine and
// cancellation.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetOrderForCustomer(ctx context.Context, orderID, customerID string) (Order, error)
	TrackOrder(ctx context.Context, orderNumber, email string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// MeasurementOrderService manages bespoke orders: intake, the manufacturing
// state machine, and the admin pricing gate.
type MeasurementOrderService interface {
	Create(ctx context.Context, cmd CreateMeasurementOrderCommand) (MeasurementOrder, error)
	Get(ctx context.Context, orderID string) (MeasurementOrder, error)
	GetForCustomer(ctx context.Context, orderID, customerID string) (MeasurementOrder, error)
	List(ctx context.Context, filter MeasurementOrderListFilter) (domain.CursorPage[MeasurementOrder], error)
	TransitionStatus(ctx context.Context, cmd MeasurementStatusTransitionCommand) (MeasurementOrder, error)
	Cancel(ctx context.Context, cmd CancelMeasurementOrderCommand) (MeasurementOrder, error)
	SetPrice(ctx context.Context, cmd SetMeasurementPriceCommand) (MeasurementOrder, error)
}

// CartService manages mutable cart state and server-side estimates.
type CartService interface {
	GetOrCreateCart(ctx context.Context, customerID string) (Cart, error)
	AddOrUpdateItem(ctx context.Context, cmd UpsertCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	ReplaceItems(ctx context.Context, cmd ReplaceCartItemsCommand) (Cart, error)
	ApplyCoupon(ctx context.Context, cmd CartCouponCommand) (Cart, error)
	RemoveCoupon(ctx context.Context, customerID string) (Cart, error)
	SetShippingAddress(ctx context.Context, cmd CartShippingAddressCommand) (Cart, error)
	ClearCart(ctx context.Context, customerID string) error
}

// CatalogService manages products, variants and style templates.
type CatalogService interface {
	ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[ProductSummary], error)
	GetProduct(ctx context.Context, productID string, includeUnpublished bool) (Product, error)
	UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	DeleteProduct(ctx context.Context, productID string, actorID string) error
	UpsertVariant(ctx context.Context, cmd UpsertVariantCommand) (ProductVariant, error)
	DeleteVariant(ctx context.Context, sku string, actorID string) error
	ListStyleTemplates(ctx context.Context, filter StyleTemplateListFilter) (domain.CursorPage[StyleTemplate], error)
	GetStyleTemplate(ctx context.Context, templateID string, includeUnpublished bool) (StyleTemplate, error)
	UpsertStyleTemplate(ctx context.Context, cmd UpsertStyleTemplateCommand) (StyleTemplate, error)
	DeleteStyleTemplate(ctx context.Context, templateID string, actorID string) error
}

// CouponService exposes coupon lifecycle and validation operations.
type CouponService interface {
	ValidateCoupon(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error)
	RedeemCoupon(ctx context.Context, code string, now time.Time) (Coupon, error)
	ListCoupons(ctx context.Context, filter CouponListFilter) (domain.CursorPage[Coupon], error)
	CreateCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error)
	UpdateCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error)
	DeleteCoupon(ctx context.Context, couponID string, actorID string) error
}

// CustomerService manages profile, address book, wishlist and newsletter surfaces.
type CustomerService interface {
	GetProfile(ctx context.Context, customerID string) (CustomerProfile, error)
	UpdateProfile(ctx context.Context, cmd UpdateProfileCommand) (CustomerProfile, error)
	ListAddresses(ctx context.Context, customerID string) ([]Address, error)
	UpsertAddress(ctx context.Context, cmd UpsertAddressCommand) (Address, error)
	DeleteAddress(ctx context.Context, cmd DeleteAddressCommand) error
	ListWishlist(ctx context.Context, customerID string, pager Pagination) (domain.CursorPage[WishlistItem], error)
	AddToWishlist(ctx context.Context, cmd WishlistCommand) error
	RemoveFromWishlist(ctx context.Context, cmd WishlistCommand) error
	SubscribeNewsletter(ctx context.Context, email string) (NewsletterSubscriber, error)
	UnsubscribeNewsletter(ctx context.Context, email string) error
}

// ShippingSettingsService manages the admin fee table consulted at checkout.
type ShippingSettingsService interface {
	GetSettings(ctx context.Context) (ShippingSettings, error)
	UpdateSettings(ctx context.Context, cmd UpdateShippingSettingsCommand) (ShippingSettings, error)
}

// NotificationService enqueues customer emails for asynchronous delivery.
// Dispatch is fire-and-forget: enqueue failures are logged, never surfaced.
type NotificationService interface {
	SendOrderConfirmation(ctx context.Context, notice OrderNotice)
	SendPriceQuote(ctx context.Context, notice PriceQuoteNotice)
	SendShippingUpdate(ctx context.Context, notice ShippingUpdateNotice)
}

// AssetService issues signed URLs and coordinates storage metadata syncing.
type AssetService interface {
	IssueSignedUpload(ctx context.Context, cmd SignedUploadCommand) (SignedAssetResponse, error)
	IssueSignedDownload(ctx context.Context, cmd SignedDownloadCommand) (SignedAssetResponse, error)
}

// SystemService aggregates utility endpoints (health checks, audit logs, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// CounterService draws monotonically increasing values from named sequences
// and formats them into human-facing numbers (order numbers, invoice numbers).
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
	NextInvoiceNumber(ctx context.Context) (string, error)
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// StockEventPublisher accepts stock change notifications for downstream processing.
type StockEventPublisher interface {
	PublishStockEvent(ctx context.Context, event StockEvent) error
}

// ErrorTranslator converts repository or platform errors into domain-aware sentinel errors.
type ErrorTranslator interface {
	Translate(err error) error
}

// DomainError represents a structured error with stable codes for transport across layers.
type DomainError interface {
	error
	Code() string
	SafeMessage() string
}

// Command and DTO definitions ------------------------------------------------

type InventoryReserveCommand struct {
	OrderRef       string
	CustomerID     string
	Lines          []InventoryLine
	TTL            time.Duration
	Reason         string
	IdempotencyKey string
}

type InventoryCommitCommand struct {
	ReservationID string
	OrderRef      string
	ActorID       string
}

type InventoryReleaseCommand struct {
	ReservationID string
	Reason        string
	ActorID       string
}

type InventoryLine struct {
	ProductID string
	SKU       string
	Quantity  int
}

type StockAdjustCommand struct {
	SKU       string
	ProductID string
	Delta     int
	Reason    string
	ActorID   string
}

type InventoryLowStockFilter struct {
	Threshold  int
	Pagination Pagination
}

// QuoteRequest feeds the pricing engine. Lines carry quantities only; unit
// prices are resolved from the catalog.
type QuoteRequest struct {
	Lines      []QuoteLine
	CouponCode *string
	Location   string
	Currency   string
	Now        time.Time
}

type QuoteLine struct {
	SKU      string
	Quantity int
}

type InitiateCheckoutCommand struct {
	CustomerID      string
	GuestEmail      string
	Items           []QuoteLine
	CouponCode      *string
	ShippingAddress Address
	Contact         OrderContact
	Provider        string
	RedirectURL     string
}

type InitiateMeasurementCheckoutCommand struct {
	OrderID     string
	CustomerID  string
	Provider    string
	RedirectURL string
}

// CheckoutResult returns the created order reference and the gateway handoff.
type CheckoutResult struct {
	OrderID     string
	OrderNumber string
	Amount      int64
	Currency    string
	Breakdown   *PricingBreakdown
	Payment     PaymentInitiation
}

type WebhookCommand struct {
	Provider  string
	Payload   []byte
	Signature string
}

// PaymentReconciliationResult reports the converged payment state.
type PaymentReconciliationResult struct {
	Reference      string
	PaymentStatus  PaymentStatus
	AlreadyApplied bool
}

type OrderListFilter = repositories.OrderListFilter

type MeasurementOrderListFilter = repositories.MeasurementOrderListFilter

type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus OrderStatus
	ActorID      string
	Reason       string
}

type CancelOrderCommand struct {
	OrderID    string
	ActorID    string
	CustomerID string
	Reason     string
}

type CreateMeasurementOrderCommand struct {
	CustomerID      string
	GuestEmail      string
	StyleTemplateID *string
	FabricChoice    string
	Measurements    map[string]float64
	Notes           string
	ShippingAddress *Address
	Contact         OrderContact
}

type MeasurementStatusTransitionCommand struct {
	OrderID      string
	TargetStatus MeasurementStatus
	ActorID      string
	Reason       string
}

type CancelMeasurementOrderCommand struct {
	OrderID    string
	ActorID    string
	CustomerID string
	Reason     string
}

type SetMeasurementPriceCommand struct {
	OrderID string
	Amount  int64
	ActorID string
}

type UpsertCartItemCommand struct {
	CustomerID string
	SKU        string
	ProductID  string
	Quantity   int
}

type RemoveCartItemCommand struct {
	CustomerID string
	SKU        string
}

type ReplaceCartItemsCommand struct {
	CustomerID string
	Items      []CartItem
}

type CartCouponCommand struct {
	CustomerID string
	Code       string
}

type CartShippingAddressCommand struct {
	CustomerID string
	Address    Address
}

type ProductListFilter = repositories.ProductFilter

type UpsertProductCommand struct {
	Product Product
	ActorID string
}

type UpsertVariantCommand struct {
	Variant ProductVariant
	ActorID string
}

type StyleTemplateListFilter = repositories.StyleTemplateFilter

type UpsertStyleTemplateCommand struct {
	Template StyleTemplate
	ActorID  string
}

type ValidateCouponCommand struct {
	Code     string
	Subtotal int64
	Now      time.Time
}

type CouponListFilter = repositories.CouponListFilter

type UpsertCouponCommand struct {
	Coupon  Coupon
	ActorID string
}

type UpdateProfileCommand struct {
	CustomerID        string
	ActorID           string
	DisplayName       *string
	PhoneNumber       *string
	PreferredLanguage *string
	ExpectedSyncTime  *time.Time
}

type UpsertAddressCommand struct {
	CustomerID string
	AddressID  *string
	Address    Address
}

type DeleteAddressCommand struct {
	CustomerID string
	AddressID  string
}

type WishlistCommand struct {
	CustomerID string
	SKU        string
	ProductID  string
}

type UpdateShippingSettingsCommand struct {
	Settings ShippingSettings
	ActorID  string
}

// OrderNotice carries the fields the confirmation email template needs.
type OrderNotice struct {
	OrderID     string
	OrderNumber string
	Email       string
	Name        string
	Amount      int64
	Currency    string
	Kind        string
}

type PriceQuoteNotice struct {
	OrderID     string
	OrderNumber string
	Email       string
	Name        string
	Amount      int64
	Currency    string
}

type ShippingUpdateNotice struct {
	OrderID     string
	OrderNumber string
	Email       string
	Name        string
	Status      string
	Kind        string
}

type SignedUploadCommand struct {
	ActorID     string
	ProductID   *string
	Kind        string
	Purpose     string
	FileName    string
	ContentType string
	SizeBytes   int64
}

type SignedDownloadCommand struct {
	ActorID string
	AssetID string
}

// AuditLogRecord defines the payload accepted by the audit writer service.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	Diff                  map[string]AuditLogDiff
	SensitiveMetadataKeys []string
	SensitiveDiffKeys     []string
	IPAddress             string
	UserAgent             string
}

// AuditLogDiff captures before/after values for tracked fields.
type AuditLogDiff struct {
	Before any
	After  any
}

type AuditLogFilter = repositories.AuditLogFilter

type CounterCommand struct {
	CounterID string
	Step      int64
}
