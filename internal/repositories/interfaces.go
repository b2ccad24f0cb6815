package repositories

import (
	"context"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartRepository owns cart header + items persistence.
type CartRepository interface {
	UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	GetCart(ctx context.Context, customerID string) (domain.Cart, error)
	ReplaceItems(ctx context.Context, customerID string, items []domain.CartItem) (domain.Cart, error)
}

// InventoryRepository manages stock levels and reservation lifecycle with transactional guarantees.
// Reserve must perform the available-quantity check and the reserved increment inside a single
// transaction per attempt; Commit and Release must be safe to call repeatedly.
type InventoryRepository interface {
	Reserve(ctx context.Context, req InventoryReserveRequest) (InventoryReserveResult, error)
	Commit(ctx context.Context, req InventoryCommitRequest) (InventoryCommitResult, error)
	Release(ctx context.Context, req InventoryReleaseRequest) (InventoryReleaseResult, error)
	GetReservation(ctx context.Context, reservationID string) (domain.StockReservation, error)
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]domain.StockReservation, error)
	GetStock(ctx context.Context, sku string) (domain.VariantStock, error)
	AdjustOnHand(ctx context.Context, sku string, productID string, delta int, now time.Time) (domain.VariantStock, error)
	ListLowStock(ctx context.Context, query InventoryLowStockQuery) (domain.CursorPage[domain.VariantStock], error)
}

// InventoryReserveRequest encapsulates reservation creation metadata for the repository.
type InventoryReserveRequest struct {
	Reservation domain.StockReservation
	Now         time.Time
}

// InventoryReserveResult returns the saved reservation and updated stock projections.
type InventoryReserveResult struct {
	Reservation domain.StockReservation
	Stocks      map[string]domain.VariantStock
}

// InventoryCommitRequest finalises a reservation and decrements on-hand counts.
type InventoryCommitRequest struct {
	ReservationID string
	OrderRef      string
	Now           time.Time
}

// InventoryCommitResult reports the reservation and stock metrics after commit.
// AlreadyApplied is set when the reservation had been committed previously and
// the call changed nothing.
type InventoryCommitResult struct {
	Reservation    domain.StockReservation
	Stocks         map[string]domain.VariantStock
	AlreadyApplied bool
}

// InventoryReleaseRequest restores reserved stock back to availability.
type InventoryReleaseRequest struct {
	ReservationID string
	Reason        string
	Now           time.Time
}

// InventoryReleaseResult reports the reservation and stock metrics after release.
// AlreadyApplied is set when the reservation was already released or committed
// and no stock moved.
type InventoryReleaseResult struct {
	Reservation    domain.StockReservation
	Stocks         map[string]domain.VariantStock
	AlreadyApplied bool
}

// InventoryLowStockQuery controls pagination and threshold filtering for low stock listings.
type InventoryLowStockQuery struct {
	Threshold int
	PageSize  int
	PageToken string
}

// OrderRepository persists order headers and provides query helpers for customers and admins.
// UpdatePaymentTransition must write atomically: the overwrite only lands while
// the stored payment status still equals expected, and a lost race surfaces as
// a RepositoryError with IsConflict.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	UpdatePaymentTransition(ctx context.Context, order domain.Order, expected domain.PaymentStatus) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentReference(ctx context.Context, reference string) (domain.Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// MeasurementOrderRepository persists bespoke-garment orders. Payment
// transitions follow the same conditional-write contract as OrderRepository.
type MeasurementOrderRepository interface {
	Insert(ctx context.Context, order domain.MeasurementOrder) error
	Update(ctx context.Context, order domain.MeasurementOrder) error
	UpdatePaymentTransition(ctx context.Context, order domain.MeasurementOrder, expected domain.PaymentStatus) error
	FindByID(ctx context.Context, orderID string) (domain.MeasurementOrder, error)
	FindByPaymentReference(ctx context.Context, reference string) (domain.MeasurementOrder, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (domain.MeasurementOrder, error)
	List(ctx context.Context, filter MeasurementOrderListFilter) (domain.CursorPage[domain.MeasurementOrder], error)
}

// CatalogRepository bundles product/variant/style-template storage.
type CatalogRepository interface {
	ListProducts(ctx context.Context, filter ProductFilter) (domain.CursorPage[domain.ProductSummary], error)
	GetPublishedProduct(ctx context.Context, productID string) (domain.Product, error)
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	UpsertProduct(ctx context.Context, product domain.Product) (domain.Product, error)
	DeleteProduct(ctx context.Context, productID string) error

	// GetVariant resolves a variant by SKU regardless of the owning product's
	// publication state; callers enforce visibility. Should return a
	// RepositoryError with IsNotFound when the SKU is unknown.
	GetVariant(ctx context.Context, sku string) (domain.ProductVariant, error)
	UpsertVariant(ctx context.Context, variant domain.ProductVariant) (domain.ProductVariant, error)
	DeleteVariant(ctx context.Context, sku string) error

	ListStyleTemplates(ctx context.Context, filter StyleTemplateFilter) (domain.CursorPage[domain.StyleTemplate], error)
	GetPublishedStyleTemplate(ctx context.Context, templateID string) (domain.StyleTemplate, error)
	GetStyleTemplate(ctx context.Context, templateID string) (domain.StyleTemplate, error)
	UpsertStyleTemplate(ctx context.Context, template domain.StyleTemplate) (domain.StyleTemplate, error)
	DeleteStyleTemplate(ctx context.Context, templateID string) error
}

// ShippingSettingsRepository stores the singleton fee table consulted at checkout.
type ShippingSettingsRepository interface {
	Get(ctx context.Context) (domain.ShippingSettings, error)
	Save(ctx context.Context, settings domain.ShippingSettings) (domain.ShippingSettings, error)
}

// CouponRepository maintains coupon definitions and usage counters.
type CouponRepository interface {
	Insert(ctx context.Context, coupon domain.Coupon) error
	Update(ctx context.Context, coupon domain.Coupon) error
	Delete(ctx context.Context, couponID string) error
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	IncrementUsage(ctx context.Context, couponID string, now time.Time) (domain.Coupon, error)
	List(ctx context.Context, filter CouponListFilter) (domain.CursorPage[domain.Coupon], error)
}

// CustomerRepository stores customer profiles synchronized with Firebase Auth.
type CustomerRepository interface {
	FindByID(ctx context.Context, customerID string) (domain.CustomerProfile, error)
	UpdateProfile(ctx context.Context, profile domain.CustomerProfile) (domain.CustomerProfile, error)
}

// AddressRepository stores shipping addresses per customer.
type AddressRepository interface {
	List(ctx context.Context, customerID string) ([]domain.Address, error)
	Upsert(ctx context.Context, customerID string, addressID *string, addr domain.Address) (domain.Address, error)
	Delete(ctx context.Context, customerID string, addressID string) error
	Get(ctx context.Context, customerID string, addressID string) (domain.Address, error)
}

// WishlistRepository tracks saved variants per customer.
type WishlistRepository interface {
	List(ctx context.Context, customerID string, pager domain.Pagination) (domain.CursorPage[domain.WishlistItem], error)
	Put(ctx context.Context, customerID string, item domain.WishlistItem, limit int) (bool, error)
	Delete(ctx context.Context, customerID string, sku string) error
}

// NewsletterRepository stores public newsletter signups keyed by email.
type NewsletterRepository interface {
	Subscribe(ctx context.Context, email string, now time.Time) (domain.NewsletterSubscriber, error)
	Unsubscribe(ctx context.Context, email string, now time.Time) error
	Get(ctx context.Context, email string) (domain.NewsletterSubscriber, error)
}

// AssetRepository handles metadata synchronized with Cloud Storage objects.
type AssetRepository interface {
	CreateSignedUpload(ctx context.Context, cmd SignedUploadRecord) (domain.SignedAssetResponse, error)
	CreateSignedDownload(ctx context.Context, cmd SignedDownloadRecord) (domain.SignedAssetResponse, error)
	MarkUploaded(ctx context.Context, assetID string, actorID string, metadata map[string]any) error
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	CustomerID    string
	Status        []string
	PaymentStatus []string
	DateRange     domain.RangeQuery[time.Time]
	Pagination    domain.Pagination
}

type MeasurementOrderListFilter struct {
	CustomerID    string
	Status        []string
	PaymentStatus []string
	Unpriced      *bool
	DateRange     domain.RangeQuery[time.Time]
	Pagination    domain.Pagination
}

type ProductFilter struct {
	Category      *string
	Tags          []string
	OnlyPublished bool
	SortOrder     domain.SortOrder
	Pagination    domain.Pagination
}

type StyleTemplateFilter struct {
	Category      *string
	OnlyPublished bool
	Pagination    domain.Pagination
}

type CouponListFilter struct {
	ActiveOnly bool
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type SignedUploadRecord struct {
	ActorID     string
	Kind        string
	Purpose     string
	ProductID   *string
	FileName    string
	ContentType string
	SizeBytes   int64
}

type SignedDownloadRecord struct {
	ActorID string
	AssetID string
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
