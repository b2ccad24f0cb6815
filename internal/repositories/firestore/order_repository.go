package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stitchfield/api/internal/domain"
	pfirestore "github.com/stitchfield/api/internal/platform/firestore"
	"github.com/stitchfield/api/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository persists catalog orders in Firestore.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	return &OrderRepository{base: base, provider: provider}, nil
}

// Insert creates the order document, failing when the id is already taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}

	doc := newOrderDocument(order)
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	if _, err := r.base.Set(ctx, id, newOrderDocument(order)); err != nil {
		return err
	}
	return nil
}

// UpdatePaymentTransition overwrites the order document only while the stored
// payment status still matches expected. When two reconciliation attempts race
// on the same reference the transaction lets exactly one write win; the loser
// sees a conflict.
func (r *OrderRepository) UpdatePaymentTransition(ctx context.Context, order domain.Order, expected domain.PaymentStatus) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", id, err)
		}
		if doc.PaymentStatus != string(expected) {
			return status.Errorf(codes.FailedPrecondition, "order %s payment status is %q, not %q", id, doc.PaymentStatus, expected)
		}
		return tx.Set(ref, newOrderDocument(order))
	})
	if err != nil {
		return pfirestore.WrapError("orders.updatePaymentTransition", err)
	}
	return nil
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByPaymentReference resolves the order holding the gateway reference.
// The reference is the reconciliation idempotency key, so it is unique.
func (r *OrderRepository) FindByPaymentReference(ctx context.Context, reference string) (domain.Order, error) {
	return r.findOneByField(ctx, "paymentReference", strings.TrimSpace(reference), "orders.findByPaymentReference")
}

// FindByOrderNumber resolves an order by its human-readable number.
func (r *OrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return r.findOneByField(ctx, "orderNumber", strings.TrimSpace(orderNumber), "orders.findByOrderNumber")
}

func (r *OrderRepository) findOneByField(ctx context.Context, field, value, op string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if value == "" {
		return domain.Order{}, fmt.Errorf("order repository: %s is required", field)
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", value).Limit(1)
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError(op, status.Errorf(codes.NotFound, "order with %s %q not found", field, value))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// List returns orders matching the filter, newest first, with cursor paging.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(orderCollection).Query
	if customer := strings.TrimSpace(filter.CustomerID); customer != "" {
		query = query.Where("customerRef", "==", customer)
	}
	if len(filter.Status) > 0 {
		query = query.Where("status", "in", filter.Status)
	}
	if len(filter.PaymentStatus) > 0 {
		query = query.Where("paymentStatus", "in", filter.PaymentStatus)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		ts, id, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("orders.list: invalid page token: %w", err)
		}
		query = query.StartAfter(ts, id)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	type orderRow struct {
		order domain.Order
		docID string
	}
	var rows []orderRow
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		rows = append(rows, orderRow{order: doc.toDomain(snap.Ref.ID), docID: snap.Ref.ID})
	}

	nextToken := ""
	if len(rows) > pageSize {
		last := rows[pageSize-1]
		nextToken = encodeOrderPageToken(last.order.CreatedAt, last.docID)
		rows = rows[:pageSize]
	}

	items := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.order)
	}
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: nextToken}, nil
}

// Document mapping ----------------------------------------------------------

type orderDocument struct {
	OrderNumber      string              `firestore:"orderNumber"`
	CustomerRef      string              `firestore:"customerRef,omitempty"`
	GuestEmail       string              `firestore:"guestEmail,omitempty"`
	Status           string              `firestore:"status"`
	PaymentStatus    string              `firestore:"paymentStatus"`
	PaymentProvider  string              `firestore:"paymentProvider,omitempty"`
	PaymentReference string              `firestore:"paymentReference,omitempty"`
	ReservationRef   string              `firestore:"reservationRef,omitempty"`
	Currency         string              `firestore:"currency"`
	Totals           orderTotalsDocument `firestore:"totals"`
	CouponCode       string              `firestore:"couponCode,omitempty"`
	Items            []orderLineDocument `firestore:"items"`
	ShippingAddress  *addressDocument    `firestore:"shippingAddress,omitempty"`
	ContactEmail     string              `firestore:"contactEmail,omitempty"`
	ContactPhone     string              `firestore:"contactPhone,omitempty"`
	CreatedBy        *string             `firestore:"createdBy,omitempty"`
	UpdatedBy        *string             `firestore:"updatedBy,omitempty"`
	CreatedAt        time.Time           `firestore:"createdAt"`
	UpdatedAt        time.Time           `firestore:"updatedAt"`
	PlacedAt         *time.Time          `firestore:"placedAt,omitempty"`
	PaidAt           *time.Time          `firestore:"paidAt,omitempty"`
	ShippedAt        *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt      *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt      *time.Time          `firestore:"cancelledAt,omitempty"`
	CancelReason     *string             `firestore:"cancelReason,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discount"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

type orderLineDocument struct {
	SKU           string `firestore:"sku"`
	ProductRef    string `firestore:"productRef"`
	Name          string `firestore:"name"`
	Color         string `firestore:"color,omitempty"`
	Size          string `firestore:"size,omitempty"`
	Quantity      int    `firestore:"qty"`
	UnitPrice     int64  `firestore:"unitPrice"`
	DiscountPrice int64  `firestore:"discountPrice"`
	Total         int64  `firestore:"total"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderLineDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderLineDocument{
			SKU:           strings.TrimSpace(item.SKU),
			ProductRef:    strings.TrimSpace(item.ProductID),
			Name:          strings.TrimSpace(item.Name),
			Color:         strings.TrimSpace(item.Color),
			Size:          strings.TrimSpace(item.Size),
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			DiscountPrice: item.DiscountPrice,
			Total:         item.Total,
		}
	}
	doc := orderDocument{
		OrderNumber:      strings.TrimSpace(order.OrderNumber),
		CustomerRef:      strings.TrimSpace(order.CustomerID),
		GuestEmail:       strings.ToLower(strings.TrimSpace(order.GuestEmail)),
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		PaymentProvider:  strings.TrimSpace(order.PaymentProvider),
		PaymentReference: strings.TrimSpace(order.PaymentReference),
		ReservationRef:   strings.TrimSpace(order.ReservationID),
		Currency:         strings.ToUpper(strings.TrimSpace(order.Currency)),
		Totals: orderTotalsDocument{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		Items:        items,
		ContactEmail: strings.TrimSpace(order.Contact.Email),
		ContactPhone: strings.TrimSpace(order.Contact.Phone),
		CreatedBy:    order.Audit.CreatedBy,
		UpdatedBy:    order.Audit.UpdatedBy,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
		PlacedAt:     order.PlacedAt,
		PaidAt:       order.PaidAt,
		ShippedAt:    order.ShippedAt,
		DeliveredAt:  order.DeliveredAt,
		CancelledAt:  order.CancelledAt,
		CancelReason: order.CancelReason,
	}
	if order.CouponCode != nil {
		doc.CouponCode = strings.TrimSpace(*order.CouponCode)
	}
	if order.ShippingAddress != nil {
		addr := newAddressDocument(*order.ShippingAddress)
		doc.ShippingAddress = &addr
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem{
			SKU:           strings.TrimSpace(item.SKU),
			ProductID:     strings.TrimSpace(item.ProductRef),
			Name:          strings.TrimSpace(item.Name),
			Color:         strings.TrimSpace(item.Color),
			Size:          strings.TrimSpace(item.Size),
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			DiscountPrice: item.DiscountPrice,
			Total:         item.Total,
		}
	}
	order := domain.Order{
		ID:               id,
		OrderNumber:      strings.TrimSpace(d.OrderNumber),
		CustomerID:       strings.TrimSpace(d.CustomerRef),
		GuestEmail:       strings.TrimSpace(d.GuestEmail),
		Status:           domain.OrderStatus(d.Status),
		PaymentStatus:    domain.PaymentStatus(d.PaymentStatus),
		PaymentProvider:  strings.TrimSpace(d.PaymentProvider),
		PaymentReference: strings.TrimSpace(d.PaymentReference),
		ReservationID:    strings.TrimSpace(d.ReservationRef),
		Currency:         strings.ToUpper(strings.TrimSpace(d.Currency)),
		Totals: domain.OrderTotals{
			Subtotal: d.Totals.Subtotal,
			Discount: d.Totals.Discount,
			Shipping: d.Totals.Shipping,
			Tax:      d.Totals.Tax,
			Total:    d.Totals.Total,
		},
		Items: items,
		Contact: domain.OrderContact{
			Email: strings.TrimSpace(d.ContactEmail),
			Phone: strings.TrimSpace(d.ContactPhone),
		},
		Audit: domain.OrderAudit{
			CreatedBy: d.CreatedBy,
			UpdatedBy: d.UpdatedBy,
		},
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		PlacedAt:     d.PlacedAt,
		PaidAt:       d.PaidAt,
		ShippedAt:    d.ShippedAt,
		DeliveredAt:  d.DeliveredAt,
		CancelledAt:  d.CancelledAt,
		CancelReason: d.CancelReason,
	}
	if code := strings.TrimSpace(d.CouponCode); code != "" {
		order.CouponCode = &code
	}
	if d.ShippingAddress != nil {
		addr := d.ShippingAddress.toDomain("")
		order.ShippingAddress = &addr
	}
	return order
}

func encodeOrderPageToken(createdAt time.Time, docID string) string {
	payload := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeOrderPageToken(token string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("invalid token format")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, parts[1], nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
