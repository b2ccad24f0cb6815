package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	pfirestore "github.com/stitchfield/api/internal/platform/firestore"
	"github.com/stitchfield/api/internal/repositories"
)

const (
	cartCollection = "carts"
)

// CartRepository persists carts within Firestore, keyed by customer ID. Items
// are embedded on the cart document; carts are small and always read whole.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil)
	return &CartRepository{
		base:     base,
		provider: provider,
	}, nil
}

// UpsertCart persists the cart using the customer ID as document identifier.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}

	cartID := strings.TrimSpace(cart.ID)
	if cartID == "" {
		cartID = strings.TrimSpace(cart.CustomerID)
	}
	if cartID == "" {
		return domain.Cart{}, errors.New("cart repository: cart id is required")
	}

	now := time.Now().UTC()
	if !cart.UpdatedAt.IsZero() {
		now = cart.UpdatedAt.UTC()
	}

	doc := newCartDocument(cart, now)
	result, err := r.base.Set(ctx, cartID, doc)
	if err != nil {
		return domain.Cart{}, err
	}

	saved := doc.toDomain(cartID)
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// GetCart loads the cart for the given customer ID.
func (r *CartRepository) GetCart(ctx context.Context, customerID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	id := strings.TrimSpace(customerID)
	if id == "" {
		return domain.Cart{}, errors.New("cart repository: customer id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Cart{}, err
	}

	cart := doc.Data.toDomain(doc.ID)
	if !doc.UpdateTime.IsZero() {
		cart.UpdatedAt = doc.UpdateTime
	}
	return cart, nil
}

// ReplaceItems overwrites the cart's line items, creating the cart when absent.
func (r *CartRepository) ReplaceItems(ctx context.Context, customerID string, items []domain.CartItem) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	id := strings.TrimSpace(customerID)
	if id == "" {
		return domain.Cart{}, errors.New("cart repository: customer id is required")
	}

	cart, err := r.GetCart(ctx, id)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			cart = domain.Cart{ID: id, CustomerID: id}
		} else {
			return domain.Cart{}, err
		}
	}
	cart.Items = items
	cart.UpdatedAt = time.Now().UTC()
	return r.UpsertCart(ctx, cart)
}

type cartDocument struct {
	CustomerRef     string             `firestore:"customerRef"`
	Currency        string             `firestore:"currency"`
	CouponCode      string             `firestore:"couponCode,omitempty"`
	ShippingAddress *addressDocument   `firestore:"shippingAddress,omitempty"`
	Items           []cartItemDocument `firestore:"items"`
	Estimate        *cartEstimateDoc   `firestore:"estimate,omitempty"`
	UpdatedAt       time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	SKU        string     `firestore:"sku"`
	ProductRef string     `firestore:"productRef"`
	Quantity   int        `firestore:"qty"`
	AddedAt    time.Time  `firestore:"addedAt"`
	UpdatedAt  *time.Time `firestore:"updatedAt,omitempty"`
}

type cartEstimateDoc struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discount"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

func newCartDocument(cart domain.Cart, now time.Time) cartDocument {
	items := make([]cartItemDocument, len(cart.Items))
	for i, item := range cart.Items {
		items[i] = cartItemDocument{
			SKU:        strings.TrimSpace(item.SKU),
			ProductRef: strings.TrimSpace(item.ProductID),
			Quantity:   item.Quantity,
			AddedAt:    item.AddedAt.UTC(),
			UpdatedAt:  item.UpdatedAt,
		}
	}
	doc := cartDocument{
		CustomerRef: strings.TrimSpace(cart.CustomerID),
		Currency:    strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:       items,
		UpdatedAt:   now,
	}
	if cart.CouponCode != nil {
		doc.CouponCode = strings.TrimSpace(*cart.CouponCode)
	}
	if cart.ShippingAddress != nil {
		addr := newAddressDocument(*cart.ShippingAddress)
		doc.ShippingAddress = &addr
	}
	if cart.Estimate != nil {
		doc.Estimate = &cartEstimateDoc{
			Subtotal: cart.Estimate.Subtotal,
			Discount: cart.Estimate.Discount,
			Shipping: cart.Estimate.Shipping,
			Tax:      cart.Estimate.Tax,
			Total:    cart.Estimate.Total,
		}
	}
	return doc
}

func (d cartDocument) toDomain(id string) domain.Cart {
	items := make([]domain.CartItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.CartItem{
			SKU:       strings.TrimSpace(item.SKU),
			ProductID: strings.TrimSpace(item.ProductRef),
			Quantity:  item.Quantity,
			AddedAt:   item.AddedAt,
			UpdatedAt: item.UpdatedAt,
		}
	}
	cart := domain.Cart{
		ID:         id,
		CustomerID: strings.TrimSpace(d.CustomerRef),
		Currency:   strings.ToUpper(strings.TrimSpace(d.Currency)),
		Items:      items,
		UpdatedAt:  d.UpdatedAt,
	}
	if cart.CustomerID == "" {
		cart.CustomerID = id
	}
	if code := strings.TrimSpace(d.CouponCode); code != "" {
		cart.CouponCode = &code
	}
	if d.ShippingAddress != nil {
		// Embedded cart addresses are not standalone documents; no id to carry.
		addr := d.ShippingAddress.toDomain("")
		cart.ShippingAddress = &addr
	}
	if d.Estimate != nil {
		cart.Estimate = &domain.CartEstimate{
			Subtotal: d.Estimate.Subtotal,
			Discount: d.Estimate.Discount,
			Shipping: d.Estimate.Shipping,
			Tax:      d.Estimate.Tax,
			Total:    d.Estimate.Total,
		}
	}
	return cart
}

var _ repositories.CartRepository = (*CartRepository)(nil)
