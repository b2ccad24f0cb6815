package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
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

const (
	variantStockCollection      = "variantStock"
	stockReservationsCollection = "stockReservations"

	reservationStatusReserved  = "reserved"
	reservationStatusCommitted = "committed"
	reservationStatusReleased  = "released"
)

type InventoryRepository struct {
	provider     *pfirestore.Provider
	stocks       *pfirestore.BaseRepository[stockDocument]
	reservations *pfirestore.BaseRepository[reservationDocument]
}

func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	stocks := pfirestore.NewBaseRepository[stockDocument](provider, variantStockCollection, nil, nil)
	reservations := pfirestore.NewBaseRepository[reservationDocument](provider, stockReservationsCollection, nil, nil)
	return &InventoryRepository{provider: provider, stocks: stocks, reservations: reservations}, nil
}

// Reserve creates the reservation and increments per-SKU reserved counts in a
// single transaction. The availability check and the increment happen on the
// same snapshot, so two checkouts racing on the last unit cannot both win.
// Shortfalls are collected across every line before the transaction aborts.
func (r *InventoryRepository) Reserve(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryReserveResult{}, errors.New("inventory repository not initialised")
	}
	if req.Reservation.ID == "" {
		return repositories.InventoryReserveResult{}, errors.New("inventory reserve: reservation id is required")
	}
	if len(req.Reservation.Lines) == 0 {
		return repositories.InventoryReserveResult{}, errors.New("inventory reserve: at least one line is required")
	}

	now := req.Now.UTC()
	reservation := req.Reservation
	reservation.Status = reservationStatusReserved
	reservation.CreatedAt = reservation.CreatedAt.UTC()
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = now
	}
	reservation.UpdatedAt = now
	reservation.ExpiresAt = reservation.ExpiresAt.UTC()

	var result repositories.InventoryReserveResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, reservation.ID)
		if err != nil {
			return err
		}

		if _, err := tx.Get(resRef); err == nil {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", reservation.ID), nil)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		type pendingWrite struct {
			ref *firestore.DocumentRef
			doc stockDocument
		}
		var shortfalls []repositories.StockShortfall
		writes := make([]pendingWrite, 0, len(reservation.Lines))
		stocks := make(map[string]domain.VariantStock)
		for _, line := range reservation.Lines {
			sku := strings.TrimSpace(line.SKU)
			if sku == "" {
				return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "inventory reserve: sku is required", nil)
			}
			if line.Quantity <= 0 {
				return repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("inventory reserve: quantity for %s must be > 0", sku), nil)
			}

			stockRef, err := r.stocks.DocumentRef(ctx, sku)
			if err != nil {
				return err
			}
			snap, err := tx.Get(stockRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", sku), err)
				}
				return err
			}
			var stockDoc stockDocument
			if err := snap.DataTo(&stockDoc); err != nil {
				return fmt.Errorf("decode variant stock %s: %w", sku, err)
			}
			available := stockDoc.OnHand - stockDoc.Reserved
			if available < line.Quantity {
				shortfalls = append(shortfalls, repositories.StockShortfall{SKU: sku, Requested: line.Quantity, Available: available})
				continue
			}
			stockDoc.Reserved += line.Quantity
			stockDoc.UpdatedAt = now
			stockDoc.recalculate()
			writes = append(writes, pendingWrite{ref: stockRef, doc: stockDoc})
			stocks[sku] = stockDoc.toDomain(sku)
		}
		if len(shortfalls) > 0 {
			invErr := repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, fmt.Sprintf("insufficient stock for %d line(s)", len(shortfalls)), nil)
			invErr.Shortfalls = shortfalls
			return invErr
		}
		for _, w := range writes {
			if err := tx.Set(w.ref, w.doc); err != nil {
				return err
			}
		}

		resDoc := newReservationDocument(reservation)
		resDoc.UpdatedAt = now
		if resDoc.CreatedAt.IsZero() {
			resDoc.CreatedAt = now
		}
		resDoc.Status = reservationStatusReserved

		if err := tx.Create(resRef, resDoc); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", reservation.ID), err)
			}
			return err
		}

		result = repositories.InventoryReserveResult{
			Reservation: resDoc.toDomain(reservation.ID),
			Stocks:      stocks,
		}
		return nil
	})
	if err != nil {
		return repositories.InventoryReserveResult{}, wrapInventoryError("inventory.reserve", err)
	}
	return result, nil
}

// Commit converts the hold into a permanent decrement: reserved and onHand drop
// together. Committing an already-committed reservation reports AlreadyApplied
// without touching stock; committing a released reservation is a state error.
func (r *InventoryRepository) Commit(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryCommitResult{}, errors.New("inventory repository not initialised")
	}
	if strings.TrimSpace(req.ReservationID) == "" {
		return repositories.InventoryCommitResult{}, errors.New("inventory commit: reservation id is required")
	}

	now := req.Now.UTC()
	var result repositories.InventoryCommitResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		resSnap, err := tx.Get(resRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, fmt.Sprintf("reservation %s not found", req.ReservationID), err)
			}
			return err
		}
		resDoc, err := decodeReservation(resSnap)
		if err != nil {
			return err
		}
		switch resDoc.Status {
		case reservationStatusCommitted:
			result = repositories.InventoryCommitResult{
				Reservation:    resDoc.toDomain(req.ReservationID),
				Stocks:         map[string]domain.VariantStock{},
				AlreadyApplied: true,
			}
			return nil
		case reservationStatusReleased:
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s was released", req.ReservationID), nil)
		case reservationStatusReserved:
		default:
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s has unknown status %q", req.ReservationID, resDoc.Status), nil)
		}
		if req.OrderRef != "" && !strings.EqualFold(resDoc.OrderRef, req.OrderRef) {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s order mismatch", req.ReservationID), nil)
		}

		// All reads happen before any write in a Firestore transaction.
		staged, err := r.readReservedStocks(ctx, tx, resDoc.Lines)
		if err != nil {
			return err
		}
		stocks := make(map[string]domain.VariantStock)
		for _, entry := range staged {
			if entry.doc.OnHand < entry.line.Quantity {
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("onHand for %s cannot drop below zero", entry.sku), nil)
			}
			entry.doc.Reserved -= entry.line.Quantity
			entry.doc.OnHand -= entry.line.Quantity
			entry.doc.UpdatedAt = now
			entry.doc.recalculate()
			if err := tx.Set(entry.ref, entry.doc); err != nil {
				return err
			}
			stocks[entry.sku] = entry.doc.toDomain(entry.sku)
		}

		resDoc.Status = reservationStatusCommitted
		resDoc.UpdatedAt = now
		resDoc.CommittedAt = &now
		if err := tx.Set(resRef, resDoc); err != nil {
			return err
		}

		result = repositories.InventoryCommitResult{
			Reservation: resDoc.toDomain(req.ReservationID),
			Stocks:      stocks,
		}
		return nil
	})
	if err != nil {
		return repositories.InventoryCommitResult{}, wrapInventoryError("inventory.commit", err)
	}
	return result, nil
}

// Release returns reserved quantities to availability. Releasing a reservation
// that was already released, or that was committed (stock already sold), is a
// no-op reported via AlreadyApplied so webhook handlers and sweeps can race.
func (r *InventoryRepository) Release(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryReleaseResult{}, errors.New("inventory repository not initialised")
	}
	if strings.TrimSpace(req.ReservationID) == "" {
		return repositories.InventoryReleaseResult{}, errors.New("inventory release: reservation id is required")
	}

	now := req.Now.UTC()
	var result repositories.InventoryReleaseResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		resSnap, err := tx.Get(resRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, fmt.Sprintf("reservation %s not found", req.ReservationID), err)
			}
			return err
		}
		resDoc, err := decodeReservation(resSnap)
		if err != nil {
			return err
		}
		if resDoc.Status != reservationStatusReserved {
			result = repositories.InventoryReleaseResult{
				Reservation:    resDoc.toDomain(req.ReservationID),
				Stocks:         map[string]domain.VariantStock{},
				AlreadyApplied: true,
			}
			return nil
		}

		staged, err := r.readReservedStocks(ctx, tx, resDoc.Lines)
		if err != nil {
			return err
		}
		stocks := make(map[string]domain.VariantStock)
		for _, entry := range staged {
			entry.doc.Reserved -= entry.line.Quantity
			entry.doc.UpdatedAt = now
			entry.doc.recalculate()
			if err := tx.Set(entry.ref, entry.doc); err != nil {
				return err
			}
			stocks[entry.sku] = entry.doc.toDomain(entry.sku)
		}

		resDoc.Status = reservationStatusReleased
		resDoc.UpdatedAt = now
		resDoc.ReleasedAt = &now
		if req.Reason != "" {
			resDoc.Reason = strings.TrimSpace(req.Reason)
		}
		if err := tx.Set(resRef, resDoc); err != nil {
			return err
		}

		result = repositories.InventoryReleaseResult{
			Reservation: resDoc.toDomain(req.ReservationID),
			Stocks:      stocks,
		}
		return nil
	})
	if err != nil {
		return repositories.InventoryReleaseResult{}, wrapInventoryError("inventory.release", err)
	}
	return result, nil
}

func (r *InventoryRepository) GetReservation(ctx context.Context, reservationID string) (domain.StockReservation, error) {
	if r == nil || r.reservations == nil {
		return domain.StockReservation{}, errors.New("inventory repository not initialised")
	}
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return domain.StockReservation{}, errors.New("inventory get reservation: id is required")
	}

	doc, err := r.reservations.Get(ctx, reservationID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.StockReservation{}, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), err)
		}
		return domain.StockReservation{}, wrapInventoryError("inventory.getReservation", err)
	}

	return doc.Data.toDomain(doc.ID), nil
}

// ListExpired returns reservations still holding stock past their expiry,
// oldest first, for the abandoned-checkout sweep.
func (r *InventoryRepository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]domain.StockReservation, error) {
	if r == nil || r.reservations == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}

	docs, err := r.reservations.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", reservationStatusReserved).
			Where("expiresAt", "<=", cutoff.UTC()).
			OrderBy("expiresAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, wrapInventoryError("inventory.listExpired", err)
	}

	expired := make([]domain.StockReservation, 0, len(docs))
	for _, doc := range docs {
		expired = append(expired, doc.Data.toDomain(doc.ID))
	}
	return expired, nil
}

func (r *InventoryRepository) GetStock(ctx context.Context, sku string) (domain.VariantStock, error) {
	if r == nil || r.stocks == nil {
		return domain.VariantStock{}, errors.New("inventory repository not initialised")
	}
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.VariantStock{}, errors.New("inventory get stock: sku is required")
	}

	doc, err := r.stocks.Get(ctx, sku)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.VariantStock{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", sku), err)
		}
		return domain.VariantStock{}, wrapInventoryError("inventory.getStock", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// AdjustOnHand applies an admin stock correction. The resulting onHand may not
// drop below the currently reserved quantity.
func (r *InventoryRepository) AdjustOnHand(ctx context.Context, sku string, productID string, delta int, now time.Time) (domain.VariantStock, error) {
	if r == nil || r.stocks == nil {
		return domain.VariantStock{}, errors.New("inventory repository not initialised")
	}
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.VariantStock{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "inventory adjust: sku is required", nil)
	}

	ts := now.UTC()
	var updated domain.VariantStock
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stockRef, err := r.stocks.DocumentRef(ctx, sku)
		if err != nil {
			return err
		}
		var doc stockDocument
		snap, err := tx.Get(stockRef)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			doc = stockDocument{}
		} else if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode variant stock %s: %w", sku, err)
		}
		doc.SKU = sku
		if trimmed := strings.TrimSpace(productID); trimmed != "" {
			doc.ProductRef = trimmed
		}
		next := doc.OnHand + delta
		if next < doc.Reserved {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("onHand for %s cannot drop below reserved (%d)", sku, doc.Reserved), nil)
		}
		doc.OnHand = next
		doc.UpdatedAt = ts
		doc.recalculate()
		if err := tx.Set(stockRef, doc); err != nil {
			return err
		}
		updated = doc.toDomain(sku)
		return nil
	})
	if err != nil {
		return domain.VariantStock{}, wrapInventoryError("inventory.adjust", err)
	}
	return updated, nil
}

func (r *InventoryRepository) ListLowStock(ctx context.Context, query repositories.InventoryLowStockQuery) (domain.CursorPage[domain.VariantStock], error) {
	if r == nil || r.stocks == nil {
		return domain.CursorPage[domain.VariantStock]{}, errors.New("inventory repository not initialised")
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	threshold := query.Threshold
	if threshold <= 0 {
		threshold = 5
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.VariantStock]{}, wrapInventoryError("inventory.lowStock", err)
	}

	firestoreQuery := client.Collection(variantStockCollection).Query.
		Where("available", "<=", threshold).
		OrderBy("available", firestore.Asc).
		OrderBy("sku", firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(query.PageToken); token != "" {
		tok, err := decodeInventoryPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.VariantStock]{}, wrapInventoryError("inventory.lowStock", err)
		}
		firestoreQuery = firestoreQuery.StartAfter(tok.Available, tok.SKU)
	}

	iter := firestoreQuery.Documents(ctx)
	defer iter.Stop()

	var stocks []domain.VariantStock
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.VariantStock]{}, wrapInventoryError("inventory.lowStock", err)
		}
		var doc stockDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.VariantStock]{}, fmt.Errorf("decode variant stock %s: %w", snap.Ref.ID, err)
		}
		stocks = append(stocks, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(stocks) > pageSize
	if hasMore {
		stocks = stocks[:pageSize]
	}
	var nextToken string
	if hasMore && len(stocks) > 0 {
		last := stocks[len(stocks)-1]
		encoded, err := encodeInventoryPageToken(inventoryPageToken{SKU: last.SKU, Available: last.Available})
		if err != nil {
			return domain.CursorPage[domain.VariantStock]{}, wrapInventoryError("inventory.lowStock", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.VariantStock]{
		Items:         stocks,
		NextPageToken: nextToken,
	}, nil
}

// Helper structures ---------------------------------------------------------

type stockDocument struct {
	SKU        string    `firestore:"sku"`
	ProductRef string    `firestore:"productRef"`
	OnHand     int       `firestore:"onHand"`
	Reserved   int       `firestore:"reserved"`
	Available  int       `firestore:"available"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func (s *stockDocument) recalculate() {
	s.Available = s.OnHand - s.Reserved
}

func (s stockDocument) toDomain(id string) domain.VariantStock {
	return domain.VariantStock{
		SKU:       id,
		ProductID: strings.TrimSpace(s.ProductRef),
		OnHand:    s.OnHand,
		Reserved:  s.Reserved,
		Available: s.Available,
		UpdatedAt: s.UpdatedAt,
	}
}

type reservationDocument struct {
	OrderRef       string                    `firestore:"orderRef"`
	CustomerRef    string                    `firestore:"customerRef"`
	Status         string                    `firestore:"status"`
	Lines          []reservationLineDocument `firestore:"lines"`
	IdempotencyKey string                    `firestore:"idempotencyKey,omitempty"`
	Reason         string                    `firestore:"reason,omitempty"`
	ExpiresAt      time.Time                 `firestore:"expiresAt"`
	ReleasedAt     *time.Time                `firestore:"releasedAt,omitempty"`
	CommittedAt    *time.Time                `firestore:"committedAt,omitempty"`
	CreatedAt      time.Time                 `firestore:"createdAt"`
	UpdatedAt      time.Time                 `firestore:"updatedAt"`
}

type reservationLineDocument struct {
	ProductRef string `firestore:"productRef"`
	SKU        string `firestore:"sku"`
	Quantity   int    `firestore:"qty"`
}

func newReservationDocument(res domain.StockReservation) reservationDocument {
	lines := make([]reservationLineDocument, len(res.Lines))
	for i, line := range res.Lines {
		lines[i] = reservationLineDocument{
			ProductRef: strings.TrimSpace(line.ProductID),
			SKU:        strings.TrimSpace(line.SKU),
			Quantity:   line.Quantity,
		}
	}
	return reservationDocument{
		OrderRef:       strings.TrimSpace(res.OrderRef),
		CustomerRef:    strings.TrimSpace(res.CustomerRef),
		Status:         strings.TrimSpace(res.Status),
		Lines:          lines,
		IdempotencyKey: strings.TrimSpace(res.IdempotencyKey),
		Reason:         strings.TrimSpace(res.Reason),
		ExpiresAt:      res.ExpiresAt.UTC(),
		ReleasedAt:     res.ReleasedAt,
		CommittedAt:    res.CommittedAt,
		CreatedAt:      res.CreatedAt.UTC(),
		UpdatedAt:      res.UpdatedAt.UTC(),
	}
}

type inventoryPageToken struct {
	SKU       string
	Available int
}

func encodeInventoryPageToken(token inventoryPageToken) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(token); err != nil {
		return "", fmt.Errorf("encode inventory page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeInventoryPageToken(encoded string) (*inventoryPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode inventory page token: %w", err)
	}
	var token inventoryPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode inventory page token json: %w", err)
	}
	return &token, nil
}

func (d reservationDocument) toDomain(id string) domain.StockReservation {
	lines := make([]domain.StockReservationLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.StockReservationLine{
			ProductID: strings.TrimSpace(line.ProductRef),
			SKU:       strings.TrimSpace(line.SKU),
			Quantity:  line.Quantity,
		}
	}
	return domain.StockReservation{
		ID:             id,
		OrderRef:       strings.TrimSpace(d.OrderRef),
		CustomerRef:    strings.TrimSpace(d.CustomerRef),
		Status:         strings.TrimSpace(d.Status),
		Lines:          lines,
		IdempotencyKey: strings.TrimSpace(d.IdempotencyKey),
		Reason:         strings.TrimSpace(d.Reason),
		ExpiresAt:      d.ExpiresAt,
		ReleasedAt:     d.ReleasedAt,
		CommittedAt:    d.CommittedAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

type stagedStock struct {
	sku  string
	line reservationLineDocument
	ref  *firestore.DocumentRef
	doc  stockDocument
}

// readReservedStocks loads the stock document behind every reservation line and
// verifies the reserved count still covers the line quantity.
func (r *InventoryRepository) readReservedStocks(ctx context.Context, tx *firestore.Transaction, lines []reservationLineDocument) ([]stagedStock, error) {
	staged := make([]stagedStock, 0, len(lines))
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		stockRef, err := r.stocks.DocumentRef(ctx, sku)
		if err != nil {
			return nil, err
		}
		snap, err := tx.Get(stockRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", sku), err)
			}
			return nil, err
		}
		var stockDoc stockDocument
		if err := snap.DataTo(&stockDoc); err != nil {
			return nil, fmt.Errorf("decode variant stock %s: %w", sku, err)
		}
		if stockDoc.Reserved < line.Quantity {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reserved quantity for %s is insufficient", sku), nil)
		}
		staged = append(staged, stagedStock{sku: sku, line: line, ref: stockRef, doc: stockDoc})
	}
	return staged, nil
}

func decodeReservation(snap *firestore.DocumentSnapshot) (reservationDocument, error) {
	var doc reservationDocument
	if err := snap.DataTo(&doc); err != nil {
		return reservationDocument{}, fmt.Errorf("decode reservation %s: %w", snap.Ref.ID, err)
	}
	return doc, nil
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
