package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

type stubMeasurementRepo struct {
	byID     map[string]domain.MeasurementOrder
	byNumber map[string]domain.MeasurementOrder
	byRef    map[string]domain.MeasurementOrder
	insertFn     func(ctx context.Context, order domain.MeasurementOrder) error
	updateFn     func(ctx context.Context, order domain.MeasurementOrder) error
	transitionFn func(ctx context.Context, order domain.MeasurementOrder, expected domain.PaymentStatus) error
	inserted     []domain.MeasurementOrder
	updated      []domain.MeasurementOrder
}

func (s *stubMeasurementRepo) Insert(ctx context.Context, order domain.MeasurementOrder) error {
	s.inserted = append(s.inserted, order)
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubMeasurementRepo) Update(ctx context.Context, order domain.MeasurementOrder) error {
	s.updated = append(s.updated, order)
	if s.updateFn != nil {
		return s.updateFn(ctx, order)
	}
	return nil
}

func (s *stubMeasurementRepo) UpdatePaymentTransition(ctx context.Context, order domain.MeasurementOrder, expected domain.PaymentStatus) error {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, order, expected)
	}
	return s.Update(ctx, order)
}

func (s *stubMeasurementRepo) FindByID(ctx context.Context, orderID string) (domain.MeasurementOrder, error) {
	if order, ok := s.byID[orderID]; ok {
		return order, nil
	}
	return domain.MeasurementOrder{}, &stubRepoError{notFound: true}
}

func (s *stubMeasurementRepo) FindByPaymentReference(ctx context.Context, reference string) (domain.MeasurementOrder, error) {
	if order, ok := s.byRef[reference]; ok {
		return order, nil
	}
	return domain.MeasurementOrder{}, &stubRepoError{notFound: true}
}

func (s *stubMeasurementRepo) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.MeasurementOrder, error) {
	if order, ok := s.byNumber[orderNumber]; ok {
		return order, nil
	}
	return domain.MeasurementOrder{}, &stubRepoError{notFound: true}
}

func (s *stubMeasurementRepo) List(ctx context.Context, filter repositories.MeasurementOrderListFilter) (domain.CursorPage[domain.MeasurementOrder], error) {
	return domain.CursorPage[domain.MeasurementOrder]{}, nil
}

type stubCounterRepo struct {
	value  int64
	nextFn func(ctx context.Context, counterID string, step int64) (int64, error)
	ids    []string
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	s.ids = append(s.ids, counterID)
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	s.value += step
	return s.value, nil
}

func (s *stubCounterRepo) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	return nil
}

var measurementTestNow = time.Date(2026, 5, 12, 14, 0, 0, 0, time.UTC)

func paidMeasurementOrder() domain.MeasurementOrder {
	price := int64(250_000_00)
	return domain.MeasurementOrder{
		ID:               "mord_1",
		OrderNumber:      "SF-2026-000002",
		CustomerID:       "cus_1",
		Status:           domain.MeasurementStatusSewing,
		PaymentStatus:    domain.PaymentStatusPaid,
		PaymentReference: "SF-2026-000002",
		Currency:         "NGN",
		Price:            &price,
		Contact:          domain.OrderContact{Email: "ada@example.com"},
		Measurements:     map[string]float64{"chest": 102, "waist": 86},
	}
}

type measurementFixture struct {
	svc     MeasurementOrderService
	repo    *stubMeasurementRepo
	counter *stubCounterRepo
	events  *captureOrderEvents
	notices *captureNotices
	audit   *captureAuditLog
}

func newMeasurementFixture(t *testing.T, orders ...domain.MeasurementOrder) measurementFixture {
	t.Helper()
	repo := &stubMeasurementRepo{byID: map[string]domain.MeasurementOrder{}, byNumber: map[string]domain.MeasurementOrder{}, byRef: map[string]domain.MeasurementOrder{}}
	for _, order := range orders {
		repo.byID[order.ID] = order
		repo.byNumber[order.OrderNumber] = order
		repo.byRef[order.PaymentReference] = order
	}
	counter := &stubCounterRepo{value: 41}
	events := &captureOrderEvents{}
	notices := &captureNotices{}
	audit := &captureAuditLog{}

	svc, err := NewMeasurementOrderService(MeasurementOrderServiceDeps{
		Orders:        repo,
		Catalog:       testCatalog(),
		Counters:      counter,
		Audit:         audit,
		Events:        events,
		Notifications: notices,
		Clock:         func() time.Time { return measurementTestNow },
		IDGenerator:   func() string { return "testid" },
	})
	if err != nil {
		t.Fatalf("new measurement order service: %v", err)
	}
	return measurementFixture{svc: svc, repo: repo, counter: counter, events: events, notices: notices, audit: audit}
}

func TestMeasurementCreateDrawsOrderNumber(t *testing.T) {
	fix := newMeasurementFixture(t)

	order, err := fix.svc.Create(context.Background(), CreateMeasurementOrderCommand{
		GuestEmail:   "Guest@Example.com ",
		FabricChoice: "ankara",
		Measurements: map[string]float64{"chest": 100, "sleeve": 62},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.ID != "mord_testid" {
		t.Fatalf("expected generated id, got %q", order.ID)
	}
	if order.OrderNumber != "SF-2026-000042" {
		t.Fatalf("expected formatted order number, got %q", order.OrderNumber)
	}
	if len(fix.counter.ids) != 1 || fix.counter.ids[0] != "orders:2026" {
		t.Fatalf("expected yearly counter draw, got %v", fix.counter.ids)
	}
	if order.GuestEmail != "guest@example.com" {
		t.Fatalf("expected lowercased guest email, got %q", order.GuestEmail)
	}
	if order.Status != domain.MeasurementStatusReceived || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected received/pending start, got %s/%s", order.Status, order.PaymentStatus)
	}
	if order.Price != nil {
		t.Fatalf("new bespoke orders start unpriced")
	}
}

func TestMeasurementCreateValidation(t *testing.T) {
	fix := newMeasurementFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  CreateMeasurementOrderCommand
	}{
		{"no contact", CreateMeasurementOrderCommand{Measurements: map[string]float64{"chest": 100}}},
		{"no measurements", CreateMeasurementOrderCommand{GuestEmail: "g@example.com"}},
		{"non-positive value", CreateMeasurementOrderCommand{GuestEmail: "g@example.com", Measurements: map[string]float64{"chest": 0}}},
	}
	for _, tc := range cases {
		if _, err := fix.svc.Create(ctx, tc.cmd); !errors.Is(err, ErrMeasurementInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", tc.name, err)
		}
	}

	unknown := "tpl_missing"
	_, err := fix.svc.Create(ctx, CreateMeasurementOrderCommand{
		GuestEmail:      "g@example.com",
		StyleTemplateID: &unknown,
		Measurements:    map[string]float64{"chest": 100},
	})
	if !errors.Is(err, ErrMeasurementInvalidInput) {
		t.Fatalf("expected invalid input for unknown template, got %v", err)
	}
}

func TestMeasurementTransitionForward(t *testing.T) {
	fix := newMeasurementFixture(t, paidMeasurementOrder())

	order, err := fix.svc.TransitionStatus(context.Background(), MeasurementStatusTransitionCommand{
		OrderID:      "mord_1",
		TargetStatus: domain.MeasurementStatusQualityCheck,
		ActorID:      "adm_1",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if order.Status != domain.MeasurementStatusQualityCheck {
		t.Fatalf("expected quality check, got %s", order.Status)
	}
	if len(fix.audit.records) != 1 {
		t.Fatalf("expected audit record, got %d", len(fix.audit.records))
	}
}

func TestMeasurementTransitionRejectsBackward(t *testing.T) {
	fix := newMeasurementFixture(t, paidMeasurementOrder())

	_, err := fix.svc.TransitionStatus(context.Background(), MeasurementStatusTransitionCommand{
		OrderID:      "mord_1",
		TargetStatus: domain.MeasurementStatusCutting,
	})
	if !errors.Is(err, ErrMeasurementInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestMeasurementTransitionRequiresPayment(t *testing.T) {
	order := paidMeasurementOrder()
	order.PaymentStatus = domain.PaymentStatusPending
	order.Status = domain.MeasurementStatusReceived
	fix := newMeasurementFixture(t, order)

	_, err := fix.svc.TransitionStatus(context.Background(), MeasurementStatusTransitionCommand{
		OrderID:      "mord_1",
		TargetStatus: domain.MeasurementStatusDesignReview,
	})
	if !errors.Is(err, ErrMeasurementNotPaid) {
		t.Fatalf("expected not-paid error, got %v", err)
	}
}

func TestMeasurementCancelBeforeShipment(t *testing.T) {
	fix := newMeasurementFixture(t, paidMeasurementOrder())

	order, err := fix.svc.Cancel(context.Background(), CancelMeasurementOrderCommand{
		OrderID: "mord_1",
		Reason:  "fabric unavailable",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.Status != domain.MeasurementStatusCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}
	if len(fix.notices.shippingUpdates) != 1 {
		t.Fatalf("expected cancellation notice, got %d", len(fix.notices.shippingUpdates))
	}
}

func TestMeasurementCancelRejectedAfterShipment(t *testing.T) {
	order := paidMeasurementOrder()
	order.Status = domain.MeasurementStatusInTransit
	fix := newMeasurementFixture(t, order)

	_, err := fix.svc.Cancel(context.Background(), CancelMeasurementOrderCommand{OrderID: "mord_1"})
	if !errors.Is(err, ErrMeasurementInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestMeasurementSetPriceSendsQuote(t *testing.T) {
	order := paidMeasurementOrder()
	order.PaymentStatus = domain.PaymentStatusPending
	order.Status = domain.MeasurementStatusReceived
	order.Price = nil
	fix := newMeasurementFixture(t, order)

	priced, err := fix.svc.SetPrice(context.Background(), SetMeasurementPriceCommand{
		OrderID: "mord_1",
		Amount:  180_000_00,
		ActorID: "adm_1",
	})
	if err != nil {
		t.Fatalf("set price: %v", err)
	}
	if priced.Price == nil || *priced.Price != 180_000_00 {
		t.Fatalf("expected price recorded, got %+v", priced.Price)
	}
	if priced.PricedBy == nil || *priced.PricedBy != "adm_1" {
		t.Fatalf("expected pricing actor recorded")
	}
	if priced.PricedAt == nil || !priced.PricedAt.Equal(measurementTestNow) {
		t.Fatalf("expected pricedAt stamped")
	}
	if len(fix.notices.priceQuotes) != 1 || fix.notices.priceQuotes[0].Amount != 180_000_00 {
		t.Fatalf("expected price quote notice, got %+v", fix.notices.priceQuotes)
	}
	if len(fix.events.events) != 1 || fix.events.events[0].Type != measurementEventPriced {
		t.Fatalf("expected priced event, got %+v", fix.events.events)
	}
}

func TestMeasurementSetPriceRejectedAfterPayment(t *testing.T) {
	fix := newMeasurementFixture(t, paidMeasurementOrder())

	_, err := fix.svc.SetPrice(context.Background(), SetMeasurementPriceCommand{
		OrderID: "mord_1",
		Amount:  300_000_00,
	})
	if !errors.Is(err, ErrMeasurementAlreadyPaid) {
		t.Fatalf("expected already-paid rejection, got %v", err)
	}
	if len(fix.repo.updated) != 0 {
		t.Fatalf("expected no persistence after rejection")
	}
}

func TestMeasurementSetPriceValidatesAmount(t *testing.T) {
	fix := newMeasurementFixture(t)

	_, err := fix.svc.SetPrice(context.Background(), SetMeasurementPriceCommand{OrderID: "mord_1", Amount: 0})
	if !errors.Is(err, ErrMeasurementInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
