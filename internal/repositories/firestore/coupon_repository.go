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

const couponCollection = "coupons"

// CouponRepository maintains coupon definitions and their usage counters.
type CouponRepository struct {
	base     *pfirestore.BaseRepository[couponDocument]
	provider *pfirestore.Provider
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[couponDocument](provider, couponCollection, nil, nil)
	return &CouponRepository{base: base, provider: provider}, nil
}

// Insert creates a coupon, refusing duplicate codes.
func (r *CouponRepository) Insert(ctx context.Context, coupon domain.Coupon) error {
	if r == nil || r.provider == nil {
		return errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(coupon.ID)
	if id == "" {
		return errors.New("coupon repository: coupon id is required")
	}
	code := normaliseCouponCode(coupon.Code)
	if code == "" {
		return errors.New("coupon repository: coupon code is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		coll := client.Collection(couponCollection)
		snaps, err := tx.Documents(coll.Where("code", "==", code).Limit(1)).GetAll()
		if err != nil {
			return err
		}
		if len(snaps) > 0 {
			return status.Errorf(codes.AlreadyExists, "coupon code %q already exists", code)
		}
		return tx.Create(coll.Doc(id), newCouponDocument(coupon))
	})
	if err != nil {
		return pfirestore.WrapError("coupons.insert", err)
	}
	return nil
}

// Update overwrites the coupon document.
func (r *CouponRepository) Update(ctx context.Context, coupon domain.Coupon) error {
	if r == nil || r.base == nil {
		return errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(coupon.ID)
	if id == "" {
		return errors.New("coupon repository: coupon id is required")
	}
	if _, err := r.base.Set(ctx, id, newCouponDocument(coupon)); err != nil {
		return err
	}
	return nil
}

// Delete removes the coupon document.
func (r *CouponRepository) Delete(ctx context.Context, couponID string) error {
	if r == nil || r.base == nil {
		return errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(couponID)
	if id == "" {
		return errors.New("coupon repository: coupon id is required")
	}
	return r.base.Delete(ctx, id)
}

// FindByCode resolves a coupon by its normalised code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.base == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	normalised := normaliseCouponCode(code)
	if normalised == "" {
		return domain.Coupon{}, errors.New("coupon repository: coupon code is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("code", "==", normalised).Limit(1)
	})
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.findByCode", err)
	}
	if len(docs) == 0 {
		return domain.Coupon{}, pfirestore.WrapError("coupons.findByCode", status.Errorf(codes.NotFound, "coupon %q not found", normalised))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// IncrementUsage bumps the redemption counter inside a transaction, enforcing
// the usage limit under concurrency.
func (r *CouponRepository) IncrementUsage(ctx context.Context, couponID string, now time.Time) (domain.Coupon, error) {
	if r == nil || r.provider == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(couponID)
	if id == "" {
		return domain.Coupon{}, errors.New("coupon repository: coupon id is required")
	}

	var updated domain.Coupon
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc couponDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode coupon %s: %w", id, err)
		}
		if doc.UsageLimit != nil && doc.UsageCount >= *doc.UsageLimit {
			return status.Errorf(codes.FailedPrecondition, "coupon %q usage limit reached", doc.Code)
		}
		doc.UsageCount++
		doc.UpdatedAt = now.UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.incrementUsage", err)
	}
	return updated, nil
}

// List returns coupons, optionally restricted to active ones.
func (r *CouponRepository) List(ctx context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Coupon]{}, errors.New("coupon repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupons.list", err)
	}

	query := client.Collection(couponCollection).Query
	if filter.ActiveOnly {
		query = query.Where("isActive", "==", true)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		ts, id, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, fmt.Errorf("coupons.list: invalid page token: %w", err)
		}
		query = query.StartAfter(ts, id)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	type row struct {
		coupon domain.Coupon
		docID  string
	}
	var rows []row
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupons.list", err)
		}
		var doc couponDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Coupon]{}, fmt.Errorf("decode coupon %s: %w", snap.Ref.ID, err)
		}
		rows = append(rows, row{coupon: doc.toDomain(snap.Ref.ID), docID: snap.Ref.ID})
	}

	nextToken := ""
	if len(rows) > pageSize {
		last := rows[pageSize-1]
		nextToken = encodeOrderPageToken(last.coupon.CreatedAt, last.docID)
		rows = rows[:pageSize]
	}

	items := make([]domain.Coupon, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.coupon)
	}
	return domain.CursorPage[domain.Coupon]{Items: items, NextPageToken: nextToken}, nil
}

type couponDocument struct {
	Code        string    `firestore:"code"`
	Kind        string    `firestore:"kind"`
	Value       int64     `firestore:"value"`
	MinSubtotal int64     `firestore:"minSubtotal"`
	UsageLimit  *int      `firestore:"usageLimit,omitempty"`
	UsageCount  int       `firestore:"usageCount"`
	StartsAt    time.Time `firestore:"startsAt"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
	IsActive    bool      `firestore:"isActive"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func newCouponDocument(coupon domain.Coupon) couponDocument {
	return couponDocument{
		Code:        normaliseCouponCode(coupon.Code),
		Kind:        string(coupon.Kind),
		Value:       coupon.Value,
		MinSubtotal: coupon.MinSubtotal,
		UsageLimit:  coupon.UsageLimit,
		UsageCount:  coupon.UsageCount,
		StartsAt:    coupon.StartsAt.UTC(),
		ExpiresAt:   coupon.ExpiresAt.UTC(),
		IsActive:    coupon.IsActive,
		CreatedAt:   coupon.CreatedAt.UTC(),
		UpdatedAt:   coupon.UpdatedAt.UTC(),
	}
}

func (d couponDocument) toDomain(id string) domain.Coupon {
	return domain.Coupon{
		ID:          id,
		Code:        d.Code,
		Kind:        domain.CouponKind(d.Kind),
		Value:       d.Value,
		MinSubtotal: d.MinSubtotal,
		UsageLimit:  d.UsageLimit,
		UsageCount:  d.UsageCount,
		StartsAt:    d.StartsAt,
		ExpiresAt:   d.ExpiresAt,
		IsActive:    d.IsActive,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func normaliseCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)
