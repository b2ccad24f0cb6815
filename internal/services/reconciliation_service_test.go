package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/payments"
)

type stubPaymentReconciler struct {
	validateErr error
	event       payments.WebhookEvent
	parseErr    error
	result      payments.PaymentResult
	verifyErr   error

	calls       []string
	verifiedRef string
}

func (s *stubPaymentReconciler) ValidateWebhook(providerKey string, payload []byte, signature string) error {
	s.calls = append(s.calls, "validate")
	return s.validateErr
}

func (s *stubPaymentReconciler) ParseWebhook(providerKey string, payload []byte) (payments.WebhookEvent, error) {
	s.calls = append(s.calls, "parse")
	return s.event, s.parseErr
}

func (s *stubPaymentReconciler) VerifyTransaction(ctx context.Context, pctx payments.PaymentContext, reference string) (payments.PaymentResult, error) {
	s.calls = append(s.calls, "verify")
	s.verifiedRef = reference
	return s.result, s.verifyErr
}

type stubCouponRedeemer struct {
	redeemed []string
	err      error
}

func (s *stubCouponRedeemer) ValidateCoupon(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error) {
	return CouponValidation{}, nil
}

func (s *stubCouponRedeemer) RedeemCoupon(ctx context.Context, code string, now time.Time) (Coupon, error) {
	s.redeemed = append(s.redeemed, code)
	return Coupon{}, s.err
}

func (s *stubCouponRedeemer) ListCoupons(ctx context.Context, filter CouponListFilter) (domain.CursorPage[Coupon], error) {
	return domain.CursorPage[Coupon]{}, nil
}

func (s *stubCouponRedeemer) CreateCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error) {
	return Coupon{}, errors.New("not implemented")
}

func (s *stubCouponRedeemer) UpdateCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error) {
	return Coupon{}, errors.New("not implemented")
}

func (s *stubCouponRedeemer) DeleteCoupon(ctx context.Context, couponID string, actorID string) error {
	return errors.New("not implemented")
}

var reconcileTestNow = time.Date(2026, 5, 16, 8, 0, 0, 0, time.UTC)

func pendingPaymentOrder() domain.Order {
	coupon := "WELCOME10"
	return domain.Order{
		ID:               "ord_1",
		OrderNumber:      "SF-2026-000007",
		CustomerID:       "cus_1",
		Status:           domain.OrderStatusPlaced,
		PaymentStatus:    domain.PaymentStatusPending,
		PaymentProvider:  "monnify",
		PaymentReference: "SF-2026-000007",
		ReservationID:    "sr_1",
		Currency:         "NGN",
		CouponCode:       &coupon,
		Totals:           domain.OrderTotals{Total: 3397_50},
		Contact:          domain.OrderContact{Email: "ada@example.com"},
	}
}

type reconcileFixture struct {
	svc         ReconciliationService
	orders      *stubOrderRepo
	measurement *stubMeasurementRepo
	inventory   *stubInventoryService
	gateway     *stubPaymentReconciler
	coupons     *stubCouponRedeemer
	notices     *captureNotices
	events      *captureOrderEvents
	audit       *captureAuditLog
}

func newReconcileFixture(t *testing.T) reconcileFixture {
	t.Helper()
	orders := &stubOrderRepo{byID: map[string]domain.Order{}, byNumber: map[string]domain.Order{}, byRef: map[string]domain.Order{}}
	measurement := &stubMeasurementRepo{byID: map[string]domain.MeasurementOrder{}, byNumber: map[string]domain.MeasurementOrder{}, byRef: map[string]domain.MeasurementOrder{}}
	inventory := &stubInventoryService{}
	gateway := &stubPaymentReconciler{}
	coupons := &stubCouponRedeemer{}
	notices := &captureNotices{}
	events := &captureOrderEvents{}
	audit := &captureAuditLog{}

	svc, err := NewReconciliationService(ReconciliationServiceDeps{
		Orders:            orders,
		MeasurementOrders: measurement,
		Inventory:         inventory,
		Coupons:           coupons,
		Payments:          gateway,
		Notifications:     notices,
		Audit:             audit,
		Events:            events,
		Clock:             func() time.Time { return reconcileTestNow },
	})
	if err != nil {
		t.Fatalf("new reconciliation service: %v", err)
	}
	return reconcileFixture{
		svc: svc, orders: orders, measurement: measurement, inventory: inventory,
		gateway: gateway, coupons: coupons, notices: notices, events: events, audit: audit,
	}
}

func successfulWebhook(reference string) WebhookCommand {
	return WebhookCommand{
		Provider:  "monnify",
		Payload:   []byte(`{"eventType":"SUCCESSFUL_TRANSACTION"}`),
		Signature: "sig",
	}
}

func TestReconciliationWebhookConfirmsPayment(t *testing.T) {
	fix := newReconcileFixture(t)
	order := pendingPaymentOrder()
	fix.orders.byID[order.ID] = order
	fix.orders.byRef[order.PaymentReference] = order

	paidAt := reconcileTestNow.Add(-time.Minute)
	fix.gateway.event = payments.WebhookEvent{
		Provider:  "monnify",
		Reference: order.PaymentReference,
		VerifyRef: order.PaymentReference,
		Status:    payments.StatusSuccess,
	}
	fix.gateway.result = payments.PaymentResult{
		Provider:  "monnify",
		Reference: order.PaymentReference,
		Status:    payments.StatusSuccess,
		Amount:    3397_50,
		Currency:  "NGN",
		PaidAt:    &paidAt,
	}

	if err := fix.svc.HandleWebhook(context.Background(), successfulWebhook(order.PaymentReference)); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	if len(fix.gateway.calls) != 3 || fix.gateway.calls[0] != "validate" || fix.gateway.calls[1] != "parse" {
		t.Fatalf("expected validate before parse before verify, got %v", fix.gateway.calls)
	}
	if len(fix.inventory.commits) != 1 || fix.inventory.commits[0].ReservationID != "sr_1" {
		t.Fatalf("expected reservation committed, got %+v", fix.inventory.commits)
	}
	if len(fix.orders.updated) != 1 {
		t.Fatalf("expected one order update, got %d", len(fix.orders.updated))
	}
	updated := fix.orders.updated[0]
	if updated.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid, got %s", updated.PaymentStatus)
	}
	if updated.Status != domain.OrderStatusPlaced {
		t.Fatalf("expected initial fulfillment stage, got %s", updated.Status)
	}
	if updated.PaidAt == nil || !updated.PaidAt.Equal(paidAt) {
		t.Fatalf("expected gateway paidAt stamped, got %v", updated.PaidAt)
	}
	if len(fix.coupons.redeemed) != 1 || fix.coupons.redeemed[0] != "WELCOME10" {
		t.Fatalf("expected coupon redeemed, got %v", fix.coupons.redeemed)
	}
	if len(fix.notices.confirmations) != 1 || fix.notices.confirmations[0].Email != "ada@example.com" {
		t.Fatalf("expected one confirmation email, got %+v", fix.notices.confirmations)
	}
	if len(fix.events.events) != 1 || fix.events.events[0].Type != orderEventPaymentConfirmed {
		t.Fatalf("expected payment-confirmed event, got %+v", fix.events.events)
	}
}

func TestReconciliationWebhookRejectsBadSignatureBeforeParsing(t *testing.T) {
	fix := newReconcileFixture(t)
	fix.gateway.validateErr = payments.ErrInvalidWebhookSignature

	err := fix.svc.HandleWebhook(context.Background(), successfulWebhook("SF-2026-000007"))
	if !errors.Is(err, payments.ErrInvalidWebhookSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
	for _, call := range fix.gateway.calls {
		if call == "parse" {
			t.Fatalf("payload must not be parsed after a failed signature check")
		}
	}
	if len(fix.orders.updated) != 0 {
		t.Fatalf("no state may change on a rejected webhook")
	}
}

func TestReconciliationDuplicateDeliveryIsNoOp(t *testing.T) {
	fix := newReconcileFixture(t)
	order := pendingPaymentOrder()
	paidAt := reconcileTestNow.Add(-time.Hour)
	order.PaymentStatus = domain.PaymentStatusPaid
	order.PaidAt = &paidAt
	fix.orders.byRef[order.PaymentReference] = order

	fix.gateway.event = payments.WebhookEvent{
		Reference: order.PaymentReference,
		Status:    payments.StatusSuccess,
	}

	if err := fix.svc.HandleWebhook(context.Background(), successfulWebhook(order.PaymentReference)); err != nil {
		t.Fatalf("duplicate webhook must succeed, got %v", err)
	}
	if len(fix.orders.updated) != 0 {
		t.Fatalf("duplicate delivery must not touch the order")
	}
	if len(fix.inventory.commits) != 0 {
		t.Fatalf("duplicate delivery must not re-commit stock")
	}
	if len(fix.notices.confirmations) != 0 {
		t.Fatalf("exactly one confirmation email per reference")
	}
}

// Two deliveries for the same reference can both read pending before either
// writes. The conditional repository write lets one win; the loser must report
// AlreadyApplied and repeat none of the side effects.
func TestReconciliationConcurrentDuplicateLosesRaceCleanly(t *testing.T) {
	fix := newReconcileFixture(t)
	order := pendingPaymentOrder()
	fix.orders.byRef[order.PaymentReference] = order

	fix.orders.transitionFn = func(ctx context.Context, updated domain.Order, expected domain.PaymentStatus) error {
		if expected != domain.PaymentStatusPending {
			t.Fatalf("expected transition predicated on pending, got %s", expected)
		}
		// The other delivery wins between our read and this write.
		won := order
		won.PaymentStatus = domain.PaymentStatusPaid
		fix.orders.byRef[order.PaymentReference] = won
		return &stubRepoError{conflict: true}
	}

	fix.gateway.event = payments.WebhookEvent{
		Reference: order.PaymentReference,
		Status:    payments.StatusSuccess,
	}

	if err := fix.svc.HandleWebhook(context.Background(), successfulWebhook(order.PaymentReference)); err != nil {
		t.Fatalf("lost race must be acknowledged, got %v", err)
	}
	if len(fix.notices.confirmations) != 0 {
		t.Fatalf("exactly one confirmation email per reference; loser sent %d", len(fix.notices.confirmations))
	}
	if len(fix.events.events) != 0 {
		t.Fatalf("loser must not publish events, got %+v", fix.events.events)
	}
	if len(fix.audit.records) != 0 {
		t.Fatalf("loser must not append audit entries, got %+v", fix.audit.records)
	}
	if len(fix.coupons.redeemed) != 0 {
		t.Fatalf("loser must not redeem the coupon again")
	}

	result, err := fix.svc.HandlePolledVerification(context.Background(), order.PaymentReference)
	if err != nil {
		t.Fatalf("polled verification after race: %v", err)
	}
	if !result.AlreadyApplied || result.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected already-applied paid result, got %+v", result)
	}
}

func TestReconciliationFailureReleasesReservation(t *testing.T) {
	fix := newReconcileFixture(t)
	order := pendingPaymentOrder()
	fix.orders.byRef[order.PaymentReference] = order

	fix.gateway.event = payments.WebhookEvent{
		Reference: order.PaymentReference,
		Status:    payments.StatusFailed,
	}

	if err := fix.svc.HandleWebhook(context.Background(), successfulWebhook(order.PaymentReference)); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if len(fix.inventory.releases) != 1 || fix.inventory.releases[0].ReservationID != "sr_1" {
		t.Fatalf("expected reservation released, got %+v", fix.inventory.releases)
	}
	updated := fix.orders.updated[len(fix.orders.updated)-1]
	if updated.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %s", updated.PaymentStatus)
	}
	if len(fix.notices.confirmations) != 0 {
		t.Fatalf("failed payments send no confirmation email")
	}
	if len(fix.events.events) != 1 || fix.events.events[0].Type != orderEventPaymentFailed {
		t.Fatalf("expected payment-failed event, got %+v", fix.events.events)
	}
}

func TestReconciliationIgnoredEventTypeAcknowledged(t *testing.T) {
	fix := newReconcileFixture(t)
	fix.gateway.event = payments.WebhookEvent{}

	if err := fix.svc.HandleWebhook(context.Background(), successfulWebhook("")); err != nil {
		t.Fatalf("untracked events must be acknowledged, got %v", err)
	}
	if len(fix.orders.updated) != 0 || len(fix.notices.confirmations) != 0 {
		t.Fatalf("untracked events must not change state")
	}
}

func TestReconciliationPolledVerificationConverges(t *testing.T) {
	fix := newReconcileFixture(t)
	order := pendingPaymentOrder()
	fix.orders.byRef[order.PaymentReference] = order

	fix.gateway.result = payments.PaymentResult{
		Provider:  "monnify",
		Reference: order.PaymentReference,
		Status:    payments.StatusSuccess,
		Amount:    3397_50,
		Currency:  "NGN",
	}

	result, err := fix.svc.HandlePolledVerification(context.Background(), order.PaymentReference)
	if err != nil {
		t.Fatalf("polled verification: %v", err)
	}
	if result.PaymentStatus != domain.PaymentStatusPaid || result.AlreadyApplied {
		t.Fatalf("expected fresh paid transition, got %+v", result)
	}
	if fix.gateway.verifiedRef != order.PaymentReference {
		t.Fatalf("expected gateway queried for %s, got %s", order.PaymentReference, fix.gateway.verifiedRef)
	}
	if len(fix.inventory.commits) != 1 {
		t.Fatalf("expected reservation committed via polling path")
	}
	if len(fix.notices.confirmations) != 1 {
		t.Fatalf("expected confirmation email via polling path")
	}
}

func TestReconciliationPolledVerificationAfterWebhookIsNoOp(t *testing.T) {
	fix := newReconcileFixture(t)
	order := pendingPaymentOrder()
	order.PaymentStatus = domain.PaymentStatusPaid
	fix.orders.byRef[order.PaymentReference] = order

	fix.gateway.result = payments.PaymentResult{
		Reference: order.PaymentReference,
		Status:    payments.StatusSuccess,
	}

	result, err := fix.svc.HandlePolledVerification(context.Background(), order.PaymentReference)
	if err != nil {
		t.Fatalf("polled verification: %v", err)
	}
	if !result.AlreadyApplied || result.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected already-applied no-op, got %+v", result)
	}
	if len(fix.orders.updated) != 0 || len(fix.notices.confirmations) != 0 {
		t.Fatalf("converged transition must not repeat side effects")
	}
}

func TestReconciliationPendingResultLeavesOrderUntouched(t *testing.T) {
	fix := newReconcileFixture(t)
	order := pendingPaymentOrder()
	fix.orders.byRef[order.PaymentReference] = order

	fix.gateway.result = payments.PaymentResult{
		Reference: order.PaymentReference,
		Status:    payments.StatusPending,
	}

	result, err := fix.svc.HandlePolledVerification(context.Background(), order.PaymentReference)
	if err != nil {
		t.Fatalf("polled verification: %v", err)
	}
	if result.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected pending, got %s", result.PaymentStatus)
	}
	if len(fix.orders.updated) != 0 {
		t.Fatalf("pending results must not touch the order")
	}
}

func TestReconciliationResolvesMeasurementOrders(t *testing.T) {
	fix := newReconcileFixture(t)
	order := paidMeasurementOrder()
	order.PaymentStatus = domain.PaymentStatusPending
	order.Status = domain.MeasurementStatusReceived
	fix.measurement.byRef[order.PaymentReference] = order

	fix.gateway.event = payments.WebhookEvent{
		Reference: order.PaymentReference,
		Status:    payments.StatusSuccess,
	}

	if err := fix.svc.HandleWebhook(context.Background(), successfulWebhook(order.PaymentReference)); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if len(fix.measurement.updated) != 1 {
		t.Fatalf("expected measurement order updated")
	}
	updated := fix.measurement.updated[0]
	if updated.PaymentStatus != domain.PaymentStatusPaid || updated.Status != domain.MeasurementStatusReceived {
		t.Fatalf("expected paid at initial stage, got %s/%s", updated.PaymentStatus, updated.Status)
	}
	if len(fix.inventory.commits) != 0 {
		t.Fatalf("measurement orders have no reservations to commit")
	}
	if len(fix.notices.confirmations) != 1 {
		t.Fatalf("expected confirmation email for measurement order")
	}
}

func TestReconciliationUnknownReference(t *testing.T) {
	fix := newReconcileFixture(t)
	fix.gateway.event = payments.WebhookEvent{
		Reference: "SF-2026-999999",
		Status:    payments.StatusSuccess,
	}

	err := fix.svc.HandleWebhook(context.Background(), successfulWebhook("SF-2026-999999"))
	if !errors.Is(err, ErrReconciliationUnknownReference) {
		t.Fatalf("expected unknown reference, got %v", err)
	}
}
