package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

// Shared stubs -----------------------------------------------------------------

type stubOrderRepo struct {
	byID         map[string]domain.Order
	byNumber     map[string]domain.Order
	byRef        map[string]domain.Order
	insertFn     func(ctx context.Context, order domain.Order) error
	updateFn     func(ctx context.Context, order domain.Order) error
	transitionFn func(ctx context.Context, order domain.Order, expected domain.PaymentStatus) error
	listFn       func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
	inserted     []domain.Order
	updated      []domain.Order
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	s.inserted = append(s.inserted, order)
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order) error {
	s.updated = append(s.updated, order)
	if s.updateFn != nil {
		return s.updateFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) UpdatePaymentTransition(ctx context.Context, order domain.Order, expected domain.PaymentStatus) error {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, order, expected)
	}
	return s.Update(ctx, order)
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if order, ok := s.byID[orderID]; ok {
		return order, nil
	}
	return domain.Order{}, &stubRepoError{notFound: true}
}

func (s *stubOrderRepo) FindByPaymentReference(ctx context.Context, reference string) (domain.Order, error) {
	if order, ok := s.byRef[reference]; ok {
		return order, nil
	}
	return domain.Order{}, &stubRepoError{notFound: true}
}

func (s *stubOrderRepo) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if order, ok := s.byNumber[orderNumber]; ok {
		return order, nil
	}
	return domain.Order{}, &stubRepoError{notFound: true}
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

type captureOrderEvents struct {
	events []OrderEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(ctx context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return c.err
}

type captureNotices struct {
	confirmations   []OrderNotice
	priceQuotes     []PriceQuoteNotice
	shippingUpdates []ShippingUpdateNotice
}

func (c *captureNotices) SendOrderConfirmation(ctx context.Context, notice OrderNotice) {
	c.confirmations = append(c.confirmations, notice)
}

func (c *captureNotices) SendPriceQuote(ctx context.Context, notice PriceQuoteNotice) {
	c.priceQuotes = append(c.priceQuotes, notice)
}

func (c *captureNotices) SendShippingUpdate(ctx context.Context, notice ShippingUpdateNotice) {
	c.shippingUpdates = append(c.shippingUpdates, notice)
}

type captureAuditLog struct {
	records []AuditLogRecord
}

func (c *captureAuditLog) Record(ctx context.Context, record AuditLogRecord) {
	c.records = append(c.records, record)
}

func (c *captureAuditLog) List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error) {
	return domain.CursorPage[AuditLogEntry]{}, nil
}

type stubInventoryService struct {
	reserveFn func(ctx context.Context, cmd InventoryReserveCommand) (StockReservation, error)
	commitFn  func(ctx context.Context, cmd InventoryCommitCommand) (StockReservation, error)
	releaseFn func(ctx context.Context, cmd InventoryReleaseCommand) (StockReservation, error)

	reserves []InventoryReserveCommand
	commits  []InventoryCommitCommand
	releases []InventoryReleaseCommand
}

func (s *stubInventoryService) ReserveStocks(ctx context.Context, cmd InventoryReserveCommand) (StockReservation, error) {
	s.reserves = append(s.reserves, cmd)
	if s.reserveFn != nil {
		return s.reserveFn(ctx, cmd)
	}
	return StockReservation{ID: "sr_1", Status: "reserved"}, nil
}

func (s *stubInventoryService) CommitReservation(ctx context.Context, cmd InventoryCommitCommand) (StockReservation, error) {
	s.commits = append(s.commits, cmd)
	if s.commitFn != nil {
		return s.commitFn(ctx, cmd)
	}
	return StockReservation{ID: cmd.ReservationID, Status: "committed"}, nil
}

func (s *stubInventoryService) ReleaseReservation(ctx context.Context, cmd InventoryReleaseCommand) (StockReservation, error) {
	s.releases = append(s.releases, cmd)
	if s.releaseFn != nil {
		return s.releaseFn(ctx, cmd)
	}
	return StockReservation{ID: cmd.ReservationID, Status: "released"}, nil
}

func (s *stubInventoryService) ReleaseExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (s *stubInventoryService) AdjustStock(ctx context.Context, cmd StockAdjustCommand) (VariantStock, error) {
	return VariantStock{}, errors.New("not implemented")
}

func (s *stubInventoryService) GetStock(ctx context.Context, sku string) (VariantStock, error) {
	return VariantStock{}, errors.New("not implemented")
}

func (s *stubInventoryService) ListLowStock(ctx context.Context, filter InventoryLowStockFilter) (domain.CursorPage[VariantStock], error) {
	return domain.CursorPage[VariantStock]{}, nil
}

// Fixtures ---------------------------------------------------------------------

var orderTestNow = time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)

func paidOrder() domain.Order {
	paidAt := orderTestNow.Add(-time.Hour)
	return domain.Order{
		ID:               "ord_1",
		OrderNumber:      "SF-2026-000001",
		CustomerID:       "cus_1",
		Status:           domain.OrderStatusProcessing,
		PaymentStatus:    domain.PaymentStatusPaid,
		PaymentReference: "SF-2026-000001",
		ReservationID:    "sr_1",
		Currency:         "NGN",
		Contact:          domain.OrderContact{Email: "ada@example.com"},
		PaidAt:           &paidAt,
	}
}

type orderServiceFixture struct {
	svc       OrderService
	repo      *stubOrderRepo
	inventory *stubInventoryService
	events    *captureOrderEvents
	notices   *captureNotices
	audit     *captureAuditLog
}

func newOrderServiceFixture(t *testing.T, orders ...domain.Order) orderServiceFixture {
	t.Helper()
	repo := &stubOrderRepo{byID: map[string]domain.Order{}, byNumber: map[string]domain.Order{}, byRef: map[string]domain.Order{}}
	for _, order := range orders {
		repo.byID[order.ID] = order
		repo.byNumber[order.OrderNumber] = order
		repo.byRef[order.PaymentReference] = order
	}
	inventory := &stubInventoryService{}
	events := &captureOrderEvents{}
	notices := &captureNotices{}
	audit := &captureAuditLog{}

	svc, err := NewOrderService(OrderServiceDeps{
		Orders:        repo,
		Inventory:     inventory,
		Audit:         audit,
		Events:        events,
		Notifications: notices,
		Clock:         func() time.Time { return orderTestNow },
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return orderServiceFixture{svc: svc, repo: repo, inventory: inventory, events: events, notices: notices, audit: audit}
}

// Tests ------------------------------------------------------------------------

func TestOrderServiceTransitionForwardWithSkip(t *testing.T) {
	fix := newOrderServiceFixture(t, paidOrder())

	order, err := fix.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusShipped,
		ActorID:      "adm_1",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if order.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %s", order.Status)
	}
	if order.ShippedAt == nil || !order.ShippedAt.Equal(orderTestNow) {
		t.Fatalf("expected shippedAt stamped, got %v", order.ShippedAt)
	}
	if len(fix.events.events) != 1 || fix.events.events[0].Type != orderEventStatusChanged {
		t.Fatalf("expected status-changed event, got %+v", fix.events.events)
	}
	if len(fix.notices.shippingUpdates) != 1 {
		t.Fatalf("expected shipping update notice, got %d", len(fix.notices.shippingUpdates))
	}
	if len(fix.audit.records) != 1 {
		t.Fatalf("expected audit record, got %d", len(fix.audit.records))
	}
}

func TestOrderServiceTransitionRejectsBackward(t *testing.T) {
	order := paidOrder()
	order.Status = domain.OrderStatusShipped
	fix := newOrderServiceFixture(t, order)

	_, err := fix.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusProcessing,
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if len(fix.repo.updated) != 0 {
		t.Fatalf("expected no persistence on rejected transition")
	}
}

func TestOrderServiceTransitionRejectsFromTerminal(t *testing.T) {
	for _, status := range []domain.OrderStatus{domain.OrderStatusDelivered, domain.OrderStatusCancelled} {
		order := paidOrder()
		order.Status = status
		fix := newOrderServiceFixture(t, order)

		_, err := fix.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
			OrderID:      "ord_1",
			TargetStatus: domain.OrderStatusInTransit,
		})
		if !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("%s: expected invalid transition, got %v", status, err)
		}
	}
}

func TestOrderServiceTransitionRequiresPayment(t *testing.T) {
	order := paidOrder()
	order.PaymentStatus = domain.PaymentStatusPending
	fix := newOrderServiceFixture(t, order)

	_, err := fix.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusPacked,
	})
	if !errors.Is(err, ErrOrderNotPaid) {
		t.Fatalf("expected not-paid error, got %v", err)
	}
}

func TestOrderServiceDeliveredStampsTimestamps(t *testing.T) {
	fix := newOrderServiceFixture(t, paidOrder())

	order, err := fix.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusDelivered,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if order.DeliveredAt == nil || order.ShippedAt == nil {
		t.Fatalf("expected delivered and shipped stamps, got %+v", order)
	}
}

func TestOrderServiceCancelReleasesPendingReservation(t *testing.T) {
	order := paidOrder()
	order.PaymentStatus = domain.PaymentStatusPending
	order.Status = domain.OrderStatusPlaced
	fix := newOrderServiceFixture(t, order)

	cancelled, err := fix.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_1",
		ActorID: "adm_1",
		Reason:  "customer request",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.PaymentStatus != domain.PaymentStatusCancelled {
		t.Fatalf("expected payment cancelled, got %s", cancelled.PaymentStatus)
	}
	if cancelled.CancelReason == nil || *cancelled.CancelReason != "customer request" {
		t.Fatalf("expected cancel reason recorded")
	}
	if len(fix.inventory.releases) != 1 || fix.inventory.releases[0].ReservationID != "sr_1" {
		t.Fatalf("expected reservation released, got %+v", fix.inventory.releases)
	}
	if len(fix.events.events) != 1 || fix.events.events[0].Type != orderEventCancelled {
		t.Fatalf("expected cancelled event, got %+v", fix.events.events)
	}
}

func TestOrderServiceCancelPaidOrderKeepsCommittedStock(t *testing.T) {
	fix := newOrderServiceFixture(t, paidOrder())

	cancelled, err := fix.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("paid status must survive cancellation, got %s", cancelled.PaymentStatus)
	}
	if len(fix.inventory.releases) != 0 {
		t.Fatalf("committed stock must not be released on cancel, got %+v", fix.inventory.releases)
	}
}

func TestOrderServiceCancelRejectedAfterShipment(t *testing.T) {
	for _, status := range []domain.OrderStatus{
		domain.OrderStatusShipped,
		domain.OrderStatusInTransit,
		domain.OrderStatusOutForDelivery,
	} {
		order := paidOrder()
		order.Status = status
		fix := newOrderServiceFixture(t, order)

		_, err := fix.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1"})
		if !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("%s: expected invalid transition, got %v", status, err)
		}
	}
}

func TestOrderServiceCancelEnforcesOwnership(t *testing.T) {
	order := paidOrder()
	order.Status = domain.OrderStatusPlaced
	fix := newOrderServiceFixture(t, order)

	_, err := fix.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1", CustomerID: "cus_other"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not-found for foreign customer, got %v", err)
	}
}

func TestOrderServiceGetForCustomerHidesForeignOrders(t *testing.T) {
	fix := newOrderServiceFixture(t, paidOrder())

	if _, err := fix.svc.GetOrderForCustomer(context.Background(), "ord_1", "cus_1"); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if _, err := fix.svc.GetOrderForCustomer(context.Background(), "ord_1", "cus_2"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not-found for foreign customer, got %v", err)
	}
}

func TestOrderServiceTrackOrderMatchesEmail(t *testing.T) {
	order := paidOrder()
	order.GuestEmail = "guest@example.com"
	fix := newOrderServiceFixture(t, order)

	if _, err := fix.svc.TrackOrder(context.Background(), "SF-2026-000001", "ADA@example.com"); err != nil {
		t.Fatalf("contact email lookup: %v", err)
	}
	if _, err := fix.svc.TrackOrder(context.Background(), "SF-2026-000001", "guest@example.com"); err != nil {
		t.Fatalf("guest email lookup: %v", err)
	}
	if _, err := fix.svc.TrackOrder(context.Background(), "SF-2026-000001", "stranger@example.com"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not-found for mismatched email, got %v", err)
	}
}

func TestOrderServiceTransitionDelegatesCancel(t *testing.T) {
	order := paidOrder()
	order.Status = domain.OrderStatusPacked
	fix := newOrderServiceFixture(t, order)

	cancelled, err := fix.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusCancelled,
		Reason:       "stock damage",
	})
	if err != nil {
		t.Fatalf("transition to cancelled: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
}
