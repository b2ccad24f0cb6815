package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

type stubInventoryRepo struct {
	reserveFn     func(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error)
	commitFn      func(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error)
	releaseFn     func(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error)
	listExpiredFn func(ctx context.Context, cutoff time.Time, limit int) ([]domain.StockReservation, error)
	getStockFn    func(ctx context.Context, sku string) (domain.VariantStock, error)
	adjustFn      func(ctx context.Context, sku string, productID string, delta int, now time.Time) (domain.VariantStock, error)
	listLowFn     func(ctx context.Context, query repositories.InventoryLowStockQuery) (domain.CursorPage[domain.VariantStock], error)
}

func (s *stubInventoryRepo) Reserve(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, req)
	}
	return repositories.InventoryReserveResult{}, nil
}

func (s *stubInventoryRepo) Commit(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
	if s.commitFn != nil {
		return s.commitFn(ctx, req)
	}
	return repositories.InventoryCommitResult{}, nil
}

func (s *stubInventoryRepo) Release(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, req)
	}
	return repositories.InventoryReleaseResult{}, nil
}

func (s *stubInventoryRepo) GetReservation(ctx context.Context, reservationID string) (domain.StockReservation, error) {
	return domain.StockReservation{}, errors.New("not implemented")
}

func (s *stubInventoryRepo) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]domain.StockReservation, error) {
	if s.listExpiredFn != nil {
		return s.listExpiredFn(ctx, cutoff, limit)
	}
	return nil, nil
}

func (s *stubInventoryRepo) GetStock(ctx context.Context, sku string) (domain.VariantStock, error) {
	if s.getStockFn != nil {
		return s.getStockFn(ctx, sku)
	}
	return domain.VariantStock{}, errors.New("not implemented")
}

func (s *stubInventoryRepo) AdjustOnHand(ctx context.Context, sku string, productID string, delta int, now time.Time) (domain.VariantStock, error) {
	if s.adjustFn != nil {
		return s.adjustFn(ctx, sku, productID, delta, now)
	}
	return domain.VariantStock{}, errors.New("not implemented")
}

func (s *stubInventoryRepo) ListLowStock(ctx context.Context, query repositories.InventoryLowStockQuery) (domain.CursorPage[domain.VariantStock], error) {
	if s.listLowFn != nil {
		return s.listLowFn(ctx, query)
	}
	return domain.CursorPage[domain.VariantStock]{}, nil
}

type captureStockEvents struct {
	events []StockEvent
}

func (c *captureStockEvents) PublishStockEvent(_ context.Context, event StockEvent) error {
	c.events = append(c.events, event)
	return nil
}

func TestInventoryServiceReserveAggregatesLinesAndEmitsEvents(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := &stubInventoryRepo{}
	events := &captureStockEvents{}
	repo.reserveFn = func(_ context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
		if len(req.Reservation.Lines) != 1 {
			t.Fatalf("expected aggregated single line, got %d", len(req.Reservation.Lines))
		}
		line := req.Reservation.Lines[0]
		if line.Quantity != 3 {
			t.Fatalf("expected quantity 3, got %d", line.Quantity)
		}
		if line.ProductID != "prod-1" {
			t.Fatalf("unexpected product id %s", line.ProductID)
		}
		if !req.Reservation.ExpiresAt.Equal(now.Add(time.Minute)) {
			t.Fatalf("unexpected expiry %v", req.Reservation.ExpiresAt)
		}
		return repositories.InventoryReserveResult{
			Reservation: req.Reservation,
			Stocks: map[string]domain.VariantStock{
				"TSH-BLK-M": {
					SKU:       "TSH-BLK-M",
					ProductID: "prod-1",
					OnHand:    10,
					Reserved:  3,
					Available: 7,
					UpdatedAt: req.Now,
				},
			},
		}, nil
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory:   repo,
		Events:      events,
		Clock:       func() time.Time { return now },
		IDGenerator: func() string { return "testid" },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	ctx := context.Background()
	reservation, err := svc.ReserveStocks(ctx, InventoryReserveCommand{
		OrderRef:   "order-1",
		CustomerID: "cust-1",
		TTL:        time.Minute,
		Reason:     "checkout",
		Lines: []InventoryLine{
			{ProductID: "prod-1", SKU: "TSH-BLK-M", Quantity: 1},
			{ProductID: "prod-1", SKU: "TSH-BLK-M", Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("reserve stocks: %v", err)
	}
	if reservation.ID != "sr_testid" {
		t.Fatalf("expected reservation id sr_testid, got %s", reservation.ID)
	}
	if len(events.events) != 1 {
		t.Fatalf("expected single event, got %d", len(events.events))
	}
	event := events.events[0]
	if event.Type != eventStockReserve {
		t.Fatalf("unexpected event type %s", event.Type)
	}
	if event.DeltaReserved != 3 || event.DeltaOnHand != 0 {
		t.Fatalf("unexpected deltas %+v", event)
	}
	if reason, ok := event.Metadata["reason"].(string); !ok || reason != "checkout" {
		t.Fatalf("expected metadata reason checkout, got %#v", event.Metadata["reason"])
	}
}

func TestInventoryServiceReserveValidatesInput(t *testing.T) {
	repo := &stubInventoryRepo{}
	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory: repo,
		Clock:     func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	_, err = svc.ReserveStocks(context.Background(), InventoryReserveCommand{})
	if err == nil || !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestInventoryServiceReserveMapsInsufficientStock(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubInventoryRepo{}
	repo.reserveFn = func(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
		return repositories.InventoryReserveResult{}, repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, "only 1 remaining", nil)
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory: repo,
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	_, err = svc.ReserveStocks(context.Background(), InventoryReserveCommand{
		OrderRef:   "order-1",
		CustomerID: "cust-1",
		TTL:        time.Minute,
		Lines:      []InventoryLine{{ProductID: "prod-1", SKU: "TSH-BLK-M", Quantity: 2}},
	})
	if err == nil || !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
}

func TestInventoryServiceCommitEmitsEvents(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubInventoryRepo{}
	events := &captureStockEvents{}
	repo.commitFn = func(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
		if req.OrderRef != "order-1" {
			t.Fatalf("expected order ref order-1, got %s", req.OrderRef)
		}
		return repositories.InventoryCommitResult{
			Reservation: domain.StockReservation{
				ID:          req.ReservationID,
				OrderRef:    "order-1",
				CustomerRef: "cust-1",
				Status:      reservationStatusCommitted,
				Lines:       []domain.StockReservationLine{{SKU: "TSH-BLK-M", ProductID: "prod-1", Quantity: 2}},
				UpdatedAt:   req.Now,
			},
			Stocks: map[string]domain.VariantStock{
				"TSH-BLK-M": {SKU: "TSH-BLK-M", ProductID: "prod-1", OnHand: 5, Reserved: 0, Available: 5, UpdatedAt: req.Now},
			},
		}, nil
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory: repo,
		Events:    events,
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	reservation, err := svc.CommitReservation(context.Background(), InventoryCommitCommand{
		ReservationID: "sr_test",
		OrderRef:      "order-1",
		ActorID:       "staff-1",
	})
	if err != nil {
		t.Fatalf("commit reservation: %v", err)
	}
	if reservation.Status != reservationStatusCommitted {
		t.Fatalf("expected committed status, got %s", reservation.Status)
	}
	if len(events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(events.events))
	}
	event := events.events[0]
	if event.DeltaOnHand != -2 || event.DeltaReserved != -2 {
		t.Fatalf("unexpected deltas %+v", event)
	}
	if actor, ok := event.Metadata["actorId"].(string); !ok || actor != "staff-1" {
		t.Fatalf("expected actor metadata staff-1, got %#v", event.Metadata["actorId"])
	}
}

func TestInventoryServiceCommitAlreadyAppliedSkipsEvents(t *testing.T) {
	repo := &stubInventoryRepo{}
	events := &captureStockEvents{}
	repo.commitFn = func(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
		return repositories.InventoryCommitResult{
			Reservation: domain.StockReservation{
				ID:     req.ReservationID,
				Status: reservationStatusCommitted,
				Lines:  []domain.StockReservationLine{{SKU: "TSH-BLK-M", ProductID: "prod-1", Quantity: 2}},
			},
			AlreadyApplied: true,
		}, nil
	}

	svc, err := NewInventoryService(InventoryServiceDeps{Inventory: repo, Events: events})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	reservation, err := svc.CommitReservation(context.Background(), InventoryCommitCommand{ReservationID: "sr_test", OrderRef: "order-1"})
	if err != nil {
		t.Fatalf("commit reservation: %v", err)
	}
	if reservation.Status != reservationStatusCommitted {
		t.Fatalf("expected committed status, got %s", reservation.Status)
	}
	if len(events.events) != 0 {
		t.Fatalf("expected no events for already-applied commit, got %d", len(events.events))
	}
}

func TestInventoryServiceReleaseEmitsEvents(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubInventoryRepo{}
	events := &captureStockEvents{}
	repo.releaseFn = func(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
		return repositories.InventoryReleaseResult{
			Reservation: domain.StockReservation{
				ID:        req.ReservationID,
				OrderRef:  "order-1",
				Status:    reservationStatusReleased,
				Lines:     []domain.StockReservationLine{{SKU: "TSH-BLK-M", ProductID: "prod-1", Quantity: 2}},
				UpdatedAt: req.Now,
			},
			Stocks: map[string]domain.VariantStock{
				"TSH-BLK-M": {SKU: "TSH-BLK-M", ProductID: "prod-1", OnHand: 5, Reserved: 0, Available: 5},
			},
		}, nil
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory: repo,
		Events:    events,
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	reservation, err := svc.ReleaseReservation(context.Background(), InventoryReleaseCommand{
		ReservationID: "sr_test",
		Reason:        "payment failed",
	})
	if err != nil {
		t.Fatalf("release reservation: %v", err)
	}
	if reservation.Status != reservationStatusReleased {
		t.Fatalf("expected released status, got %s", reservation.Status)
	}
	if len(events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(events.events))
	}
	if events.events[0].DeltaReserved != -2 || events.events[0].DeltaOnHand != 0 {
		t.Fatalf("unexpected deltas %+v", events.events[0])
	}
}

func TestInventoryServiceReleaseExpiredReservations(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := &stubInventoryRepo{}
	events := &captureStockEvents{}

	repo.listExpiredFn = func(ctx context.Context, cutoff time.Time, limit int) ([]domain.StockReservation, error) {
		if !cutoff.Equal(now) {
			t.Fatalf("expected cutoff %v, got %v", now, cutoff)
		}
		return []domain.StockReservation{
			{ID: "sr_a", Status: reservationStatusReserved},
			{ID: "sr_b", Status: reservationStatusReserved},
			{ID: "sr_c", Status: reservationStatusReserved},
		}, nil
	}
	repo.releaseFn = func(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
		switch req.ReservationID {
		case "sr_b":
			// Raced with a commit between listing and release.
			return repositories.InventoryReleaseResult{
				Reservation:    domain.StockReservation{ID: req.ReservationID, Status: reservationStatusCommitted},
				AlreadyApplied: true,
			}, nil
		default:
			if req.Reason != "reservation expired" {
				t.Fatalf("unexpected release reason %q", req.Reason)
			}
			return repositories.InventoryReleaseResult{
				Reservation: domain.StockReservation{
					ID:     req.ReservationID,
					Status: reservationStatusReleased,
					Lines:  []domain.StockReservationLine{{SKU: "TSH-BLK-M", ProductID: "prod-1", Quantity: 1}},
				},
				Stocks: map[string]domain.VariantStock{"TSH-BLK-M": {SKU: "TSH-BLK-M", OnHand: 5, Reserved: 0, Available: 5}},
			}, nil
		}
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory: repo,
		Events:    events,
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	released, err := svc.ReleaseExpiredReservations(context.Background(), now)
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if released != 2 {
		t.Fatalf("expected 2 released, got %d", released)
	}
	if len(events.events) != 2 {
		t.Fatalf("expected 2 sweep events, got %d", len(events.events))
	}
	if events.events[0].Type != eventStockSweep {
		t.Fatalf("unexpected event type %s", events.events[0].Type)
	}
}

func TestInventoryServiceAdjustStock(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubInventoryRepo{}
	events := &captureStockEvents{}
	repo.adjustFn = func(ctx context.Context, sku string, productID string, delta int, adjustedAt time.Time) (domain.VariantStock, error) {
		if sku != "TSH-BLK-M" || delta != 10 {
			t.Fatalf("unexpected adjust args %s %d", sku, delta)
		}
		return domain.VariantStock{SKU: sku, ProductID: productID, OnHand: 15, Reserved: 2, Available: 13, UpdatedAt: adjustedAt}, nil
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory: repo,
		Events:    events,
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	stock, err := svc.AdjustStock(context.Background(), StockAdjustCommand{
		SKU:       " TSH-BLK-M ",
		ProductID: "prod-1",
		Delta:     10,
		Reason:    "restock",
		ActorID:   "staff-1",
	})
	if err != nil {
		t.Fatalf("adjust stock: %v", err)
	}
	if stock.OnHand != 15 {
		t.Fatalf("expected on hand 15, got %d", stock.OnHand)
	}
	if len(events.events) != 1 || events.events[0].Type != eventStockAdjust {
		t.Fatalf("expected adjust event, got %+v", events.events)
	}

	if _, err := svc.AdjustStock(context.Background(), StockAdjustCommand{SKU: "TSH-BLK-M"}); !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected invalid input for zero delta, got %v", err)
	}
}

func TestInventoryServiceListLowStock(t *testing.T) {
	repo := &stubInventoryRepo{}
	repo.listLowFn = func(ctx context.Context, query repositories.InventoryLowStockQuery) (domain.CursorPage[domain.VariantStock], error) {
		if query.Threshold != 5 {
			t.Fatalf("expected threshold 5, got %d", query.Threshold)
		}
		return domain.CursorPage[domain.VariantStock]{
			Items:         []domain.VariantStock{{SKU: "TSH-BLK-M", ProductID: "prod-1", OnHand: 4, Reserved: 2, Available: 2}},
			NextPageToken: "token",
		}, nil
	}

	svc, err := NewInventoryService(InventoryServiceDeps{Inventory: repo})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	page, err := svc.ListLowStock(context.Background(), InventoryLowStockFilter{Threshold: 5})
	if err != nil {
		t.Fatalf("list low stock: %v", err)
	}
	if page.NextPageToken != "token" {
		t.Fatalf("expected token next page, got %s", page.NextPageToken)
	}
	if len(page.Items) != 1 || page.Items[0].Available != 2 {
		t.Fatalf("unexpected page contents: %+v", page.Items)
	}
}
