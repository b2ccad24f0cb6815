package firestore

import (
	"context"
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

const measurementOrderCollection = "measurementOrders"

// MeasurementOrderRepository persists bespoke tailoring orders in Firestore.
type MeasurementOrderRepository struct {
	base     *pfirestore.BaseRepository[measurementOrderDocument]
	provider *pfirestore.Provider
}

// NewMeasurementOrderRepository constructs a Firestore-backed measurement order repository.
func NewMeasurementOrderRepository(provider *pfirestore.Provider) (*MeasurementOrderRepository, error) {
	if provider == nil {
		return nil, errors.New("measurement order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[measurementOrderDocument](provider, measurementOrderCollection, nil, nil)
	return &MeasurementOrderRepository{base: base, provider: provider}, nil
}

// Insert creates the measurement order document.
func (r *MeasurementOrderRepository) Insert(ctx context.Context, order domain.MeasurementOrder) error {
	if r == nil || r.base == nil {
		return errors.New("measurement order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("measurement order repository: order id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newMeasurementOrderDocument(order)); err != nil {
		return pfirestore.WrapError("measurementOrders.insert", err)
	}
	return nil
}

// Update overwrites the measurement order document.
func (r *MeasurementOrderRepository) Update(ctx context.Context, order domain.MeasurementOrder) error {
	if r == nil || r.base == nil {
		return errors.New("measurement order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("measurement order repository: order id is required")
	}
	if _, err := r.base.Set(ctx, id, newMeasurementOrderDocument(order)); err != nil {
		return err
	}
	return nil
}

// UpdatePaymentTransition overwrites the order document only while the stored
// payment status still matches expected, so racing reconciliation attempts
// resolve to a single winning write.
func (r *MeasurementOrderRepository) UpdatePaymentTransition(ctx context.Context, order domain.MeasurementOrder, expected domain.PaymentStatus) error {
	if r == nil || r.provider == nil {
		return errors.New("measurement order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("measurement order repository: order id is required")
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
		var doc measurementOrderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode measurement order %s: %w", id, err)
		}
		if doc.PaymentStatus != string(expected) {
			return status.Errorf(codes.FailedPrecondition, "measurement order %s payment status is %q, not %q", id, doc.PaymentStatus, expected)
		}
		return tx.Set(ref, newMeasurementOrderDocument(order))
	})
	if err != nil {
		return pfirestore.WrapError("measurementOrders.updatePaymentTransition", err)
	}
	return nil
}

// FindByID loads a single measurement order.
func (r *MeasurementOrderRepository) FindByID(ctx context.Context, orderID string) (domain.MeasurementOrder, error) {
	if r == nil || r.base == nil {
		return domain.MeasurementOrder{}, errors.New("measurement order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.MeasurementOrder{}, errors.New("measurement order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.MeasurementOrder{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByPaymentReference resolves the measurement order holding the gateway reference.
func (r *MeasurementOrderRepository) FindByPaymentReference(ctx context.Context, reference string) (domain.MeasurementOrder, error) {
	return r.findOneByField(ctx, "paymentReference", strings.TrimSpace(reference), "measurementOrders.findByPaymentReference")
}

// FindByOrderNumber resolves a measurement order by its human-readable number.
func (r *MeasurementOrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.MeasurementOrder, error) {
	return r.findOneByField(ctx, "orderNumber", strings.TrimSpace(orderNumber), "measurementOrders.findByOrderNumber")
}

func (r *MeasurementOrderRepository) findOneByField(ctx context.Context, field, value, op string) (domain.MeasurementOrder, error) {
	if r == nil || r.base == nil {
		return domain.MeasurementOrder{}, errors.New("measurement order repository not initialised")
	}
	if value == "" {
		return domain.MeasurementOrder{}, fmt.Errorf("measurement order repository: %s is required", field)
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", value).Limit(1)
	})
	if err != nil {
		return domain.MeasurementOrder{}, pfirestore.WrapError(op, err)
	}
	if len(docs) == 0 {
		return domain.MeasurementOrder{}, pfirestore.WrapError(op, status.Errorf(codes.NotFound, "measurement order with %s %q not found", field, value))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// List returns measurement orders matching the filter, newest first.
func (r *MeasurementOrderRepository) List(ctx context.Context, filter repositories.MeasurementOrderListFilter) (domain.CursorPage[domain.MeasurementOrder], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.MeasurementOrder]{}, errors.New("measurement order repository not initialised")
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
		return domain.CursorPage[domain.MeasurementOrder]{}, pfirestore.WrapError("measurementOrders.list", err)
	}

	query := client.Collection(measurementOrderCollection).Query
	if customer := strings.TrimSpace(filter.CustomerID); customer != "" {
		query = query.Where("customerRef", "==", customer)
	}
	if len(filter.Status) > 0 {
		query = query.Where("status", "in", filter.Status)
	}
	if len(filter.PaymentStatus) > 0 {
		query = query.Where("paymentStatus", "in", filter.PaymentStatus)
	}
	if filter.Unpriced != nil {
		// an unpriced order has no price set yet, which the admin queue filters on
		if *filter.Unpriced {
			query = query.Where("price", "==", nil)
		} else {
			query = query.Where("price", ">", 0)
		}
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
			return domain.CursorPage[domain.MeasurementOrder]{}, fmt.Errorf("measurementOrders.list: invalid page token: %w", err)
		}
		query = query.StartAfter(ts, id)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	type row struct {
		order domain.MeasurementOrder
		docID string
	}
	var rows []row
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.MeasurementOrder]{}, pfirestore.WrapError("measurementOrders.list", err)
		}
		var doc measurementOrderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.MeasurementOrder]{}, fmt.Errorf("decode measurement order %s: %w", snap.Ref.ID, err)
		}
		rows = append(rows, row{order: doc.toDomain(snap.Ref.ID), docID: snap.Ref.ID})
	}

	nextToken := ""
	if len(rows) > pageSize {
		last := rows[pageSize-1]
		nextToken = encodeOrderPageToken(last.order.CreatedAt, last.docID)
		rows = rows[:pageSize]
	}

	items := make([]domain.MeasurementOrder, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.order)
	}
	return domain.CursorPage[domain.MeasurementOrder]{Items: items, NextPageToken: nextToken}, nil
}

// Document mapping ----------------------------------------------------------

type measurementOrderDocument struct {
	OrderNumber      string             `firestore:"orderNumber"`
	CustomerRef      string             `firestore:"customerRef,omitempty"`
	GuestEmail       string             `firestore:"guestEmail,omitempty"`
	Status           string             `firestore:"status"`
	PaymentStatus    string             `firestore:"paymentStatus"`
	PaymentProvider  string             `firestore:"paymentProvider,omitempty"`
	PaymentReference string             `firestore:"paymentReference,omitempty"`
	StyleTemplateRef *string            `firestore:"styleTemplateRef,omitempty"`
	FabricChoice     string             `firestore:"fabricChoice,omitempty"`
	Measurements     map[string]float64 `firestore:"measurements"`
	Notes            string             `firestore:"notes,omitempty"`
	Currency         string             `firestore:"currency"`
	Price            *int64             `firestore:"price"`
	PricedBy         *string            `firestore:"pricedBy,omitempty"`
	PricedAt         *time.Time         `firestore:"pricedAt,omitempty"`
	ShippingAddress  *addressDocument   `firestore:"shippingAddress,omitempty"`
	ContactEmail     string             `firestore:"contactEmail,omitempty"`
	ContactPhone     string             `firestore:"contactPhone,omitempty"`
	CreatedBy        *string            `firestore:"createdBy,omitempty"`
	UpdatedBy        *string            `firestore:"updatedBy,omitempty"`
	CreatedAt        time.Time          `firestore:"createdAt"`
	UpdatedAt        time.Time          `firestore:"updatedAt"`
	PaidAt           *time.Time         `firestore:"paidAt,omitempty"`
	ShippedAt        *time.Time         `firestore:"shippedAt,omitempty"`
	DeliveredAt      *time.Time         `firestore:"deliveredAt,omitempty"`
	CancelledAt      *time.Time         `firestore:"cancelledAt,omitempty"`
	CancelReason     *string            `firestore:"cancelReason,omitempty"`
}

func newMeasurementOrderDocument(order domain.MeasurementOrder) measurementOrderDocument {
	doc := measurementOrderDocument{
		OrderNumber:      strings.TrimSpace(order.OrderNumber),
		CustomerRef:      strings.TrimSpace(order.CustomerID),
		GuestEmail:       strings.ToLower(strings.TrimSpace(order.GuestEmail)),
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		PaymentProvider:  strings.TrimSpace(order.PaymentProvider),
		PaymentReference: strings.TrimSpace(order.PaymentReference),
		StyleTemplateRef: cloneOptionalString(order.StyleTemplateID),
		FabricChoice:     strings.TrimSpace(order.FabricChoice),
		Measurements:     cloneMeasurements(order.Measurements),
		Notes:            strings.TrimSpace(order.Notes),
		Currency:         strings.ToUpper(strings.TrimSpace(order.Currency)),
		Price:            order.Price,
		PricedBy:         order.PricedBy,
		PricedAt:         order.PricedAt,
		ContactEmail:     strings.TrimSpace(order.Contact.Email),
		ContactPhone:     strings.TrimSpace(order.Contact.Phone),
		CreatedBy:        order.Audit.CreatedBy,
		UpdatedBy:        order.Audit.UpdatedBy,
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
		PaidAt:           order.PaidAt,
		ShippedAt:        order.ShippedAt,
		DeliveredAt:      order.DeliveredAt,
		CancelledAt:      order.CancelledAt,
		CancelReason:     order.CancelReason,
	}
	if order.ShippingAddress != nil {
		addr := newAddressDocument(*order.ShippingAddress)
		doc.ShippingAddress = &addr
	}
	return doc
}

func (d measurementOrderDocument) toDomain(id string) domain.MeasurementOrder {
	order := domain.MeasurementOrder{
		ID:               id,
		OrderNumber:      strings.TrimSpace(d.OrderNumber),
		CustomerID:       strings.TrimSpace(d.CustomerRef),
		GuestEmail:       strings.TrimSpace(d.GuestEmail),
		Status:           domain.MeasurementStatus(d.Status),
		PaymentStatus:    domain.PaymentStatus(d.PaymentStatus),
		PaymentProvider:  strings.TrimSpace(d.PaymentProvider),
		PaymentReference: strings.TrimSpace(d.PaymentReference),
		StyleTemplateID:  cloneOptionalString(d.StyleTemplateRef),
		FabricChoice:     strings.TrimSpace(d.FabricChoice),
		Measurements:     cloneMeasurements(d.Measurements),
		Notes:            strings.TrimSpace(d.Notes),
		Currency:         strings.ToUpper(strings.TrimSpace(d.Currency)),
		Price:            d.Price,
		PricedBy:         d.PricedBy,
		PricedAt:         d.PricedAt,
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
		PaidAt:       d.PaidAt,
		ShippedAt:    d.ShippedAt,
		DeliveredAt:  d.DeliveredAt,
		CancelledAt:  d.CancelledAt,
		CancelReason: d.CancelReason,
	}
	if d.ShippingAddress != nil {
		addr := d.ShippingAddress.toDomain("")
		order.ShippingAddress = &addr
	}
	return order
}

func cloneMeasurements(values map[string]float64) map[string]float64 {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]float64, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

var _ repositories.MeasurementOrderRepository = (*MeasurementOrderRepository)(nil)
