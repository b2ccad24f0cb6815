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

const wishlistCollectionPattern = "customers/%s/wishlist"

// WishlistRepository persists saved variants per customer. Documents are keyed
// by SKU so adds are naturally idempotent.
type WishlistRepository struct {
	provider *pfirestore.Provider
}

// NewWishlistRepository constructs a Firestore-backed wishlist repository.
func NewWishlistRepository(provider *pfirestore.Provider) (*WishlistRepository, error) {
	if provider == nil {
		return nil, errors.New("wishlist repository requires firestore provider")
	}
	return &WishlistRepository{provider: provider}, nil
}

// List returns wishlist entries ordered by most recent addition.
func (r *WishlistRepository) List(ctx context.Context, customerID string, pager domain.Pagination) (domain.CursorPage[domain.WishlistItem], error) {
	coll, err := r.collection(ctx, customerID)
	if err != nil {
		return domain.CursorPage[domain.WishlistItem]{}, err
	}

	limit := pager.PageSize
	if limit < 0 {
		limit = 0
	}

	query := coll.OrderBy("addedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	var fetchLimit int
	if limit > 0 {
		fetchLimit = limit + 1
		query = query.Limit(fetchLimit)
	}

	if token := strings.TrimSpace(pager.PageToken); token != "" {
		tokenTime, tokenID, err := decodeWishlistToken(token)
		if err != nil {
			return domain.CursorPage[domain.WishlistItem]{}, fmt.Errorf("wishlist.list: invalid page token: %w", err)
		}
		query = query.StartAfter(tokenTime, tokenID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	type wishlistRow struct {
		data  domain.WishlistItem
		docID string
	}

	var rows []wishlistRow
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.WishlistItem]{}, pfirestore.WrapError("wishlist.list", err)
		}
		item, err := decodeWishlistDocument(snap)
		if err != nil {
			return domain.CursorPage[domain.WishlistItem]{}, err
		}
		rows = append(rows, wishlistRow{data: item, docID: snap.Ref.ID})
	}

	nextToken := ""
	if limit > 0 && len(rows) == fetchLimit {
		last := rows[len(rows)-1]
		nextToken = encodeWishlistToken(last.data.AddedAt, last.docID)
		rows = rows[:len(rows)-1]
	}

	items := make([]domain.WishlistItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.data)
	}

	return domain.CursorPage[domain.WishlistItem]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

// Put stores the item unless it already exists. Returns true when a new entry
// was created.
func (r *WishlistRepository) Put(ctx context.Context, customerID string, item domain.WishlistItem, limit int) (bool, error) {
	coll, err := r.collection(ctx, customerID)
	if err != nil {
		return false, err
	}

	sku := strings.TrimSpace(item.SKU)
	if sku == "" {
		return false, errors.New("wishlist repository: sku is required")
	}

	created := false
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef := coll.Doc(sku)
		if _, err := tx.Get(docRef); err == nil {
			created = false
			return nil
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		if limit > 0 {
			countQuery := coll.Select("addedAt").Limit(limit)
			snaps, err := tx.Documents(countQuery).GetAll()
			if err != nil {
				return err
			}
			if len(snaps) >= limit {
				return status.Error(codes.FailedPrecondition, "wishlist limit reached")
			}
		}

		doc := wishlistDocument{
			ProductRef: strings.TrimSpace(item.ProductID),
			AddedAt:    item.AddedAt.UTC(),
		}
		if doc.AddedAt.IsZero() {
			doc.AddedAt = time.Now().UTC()
		}
		if err := tx.Set(docRef, doc); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, pfirestore.WrapError("wishlist.put", err)
	}
	return created, nil
}

// Delete removes the wishlist document.
func (r *WishlistRepository) Delete(ctx context.Context, customerID string, sku string) error {
	coll, err := r.collection(ctx, customerID)
	if err != nil {
		return err
	}
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return errors.New("wishlist repository: sku is required")
	}
	if _, err := coll.Doc(sku).Delete(ctx); err != nil {
		return pfirestore.WrapError("wishlist.delete", err)
	}
	return nil
}

func (r *WishlistRepository) collection(ctx context.Context, customerID string) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("wishlist repository not initialised")
	}
	id := strings.TrimSpace(customerID)
	if id == "" {
		return nil, errors.New("wishlist repository: customer id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf(wishlistCollectionPattern, id)
	return client.Collection(path), nil
}

func decodeWishlistDocument(snapshot *firestore.DocumentSnapshot) (domain.WishlistItem, error) {
	var doc wishlistDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.WishlistItem{}, fmt.Errorf("decode wishlist item %s: %w", snapshot.Ref.ID, err)
	}
	return domain.WishlistItem{
		SKU:       snapshot.Ref.ID,
		ProductID: strings.TrimSpace(doc.ProductRef),
		AddedAt:   doc.AddedAt,
	}, nil
}

type wishlistDocument struct {
	ProductRef string    `firestore:"productRef"`
	AddedAt    time.Time `firestore:"addedAt"`
}

func encodeWishlistToken(addedAt time.Time, docID string) string {
	payload := fmt.Sprintf("%s|%s", addedAt.UTC().Format(time.RFC3339Nano), docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeWishlistToken(token string) (time.Time, string, error) {
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

// Ensure interface compliance.
var _ repositories.WishlistRepository = (*WishlistRepository)(nil)
