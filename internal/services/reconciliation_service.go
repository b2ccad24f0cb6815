package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/payments"
	"github.com/stitchfield/api/internal/repositories"
)

const (
	orderEventPaymentConfirmed = "order.payment.confirmed"
	orderEventPaymentFailed    = "order.payment.failed"

	measurementEventPaymentConfirmed = "measurement_order.payment.confirmed"
	measurementEventPaymentFailed    = "measurement_order.payment.failed"
)

var (
	// ErrReconciliationInvalidInput signals a malformed webhook or verification request.
	ErrReconciliationInvalidInput = errors.New("reconciliation: invalid input")
	// ErrReconciliationUnknownReference indicates no order carries the payment reference.
	ErrReconciliationUnknownReference = errors.New("reconciliation: unknown payment reference")
)

// PaymentReconciler is the slice of the payments manager reconciliation needs.
type PaymentReconciler interface {
	ValidateWebhook(providerKey string, payload []byte, signature string) error
	ParseWebhook(providerKey string, payload []byte) (payments.WebhookEvent, error)
	VerifyTransaction(ctx context.Context, pctx payments.PaymentContext, reference string) (payments.PaymentResult, error)
}

// ReconciliationServiceDeps bundles collaborators for payment reconciliation.
type ReconciliationServiceDeps struct {
	Orders            repositories.OrderRepository
	MeasurementOrders repositories.MeasurementOrderRepository
	Inventory         InventoryService
	Coupons           CouponService
	Payments          PaymentReconciler
	Notifications     NotificationService
	Audit             AuditLogService
	Events            OrderEventPublisher
	Clock             func() time.Time
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

// reconciliationService converges webhook deliveries and polled verifications
// onto a single idempotent payment transition per reference. Whichever path
// arrives first applies the transition; every later arrival is a logged no-op.
type reconciliationService struct {
	orders            repositories.OrderRepository
	measurementOrders repositories.MeasurementOrderRepository
	inventory         InventoryService
	coupons           CouponService
	payments          PaymentReconciler
	notifications     NotificationService
	audit             AuditLogService
	events            OrderEventPublisher
	clock             func() time.Time
	logger            func(context.Context, string, map[string]any)
}

// NewReconciliationService wires dependencies into a ReconciliationService.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.MeasurementOrders == nil {
		return nil, errors.New("reconciliation service: measurement order repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("reconciliation service: inventory service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("reconciliation service: payment reconciler is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reconciliationService{
		orders:            deps.Orders,
		measurementOrders: deps.MeasurementOrders,
		inventory:         deps.Inventory,
		coupons:           deps.Coupons,
		payments:          deps.Payments,
		notifications:     deps.Notifications,
		audit:             deps.Audit,
		events:            deps.Events,
		clock:             func() time.Time { return clock().UTC() },
		logger:            logger,
	}, nil
}

// HandleWebhook validates the signature on the raw payload, decodes it and
// applies the payment transition. Signature validation always runs before any
// parsing; an invalid signature surfaces payments.ErrInvalidWebhookSignature.
func (s *reconciliationService) HandleWebhook(ctx context.Context, cmd WebhookCommand) error {
	provider := strings.TrimSpace(strings.ToLower(cmd.Provider))
	if provider == "" {
		return fmt.Errorf("%w: provider is required", ErrReconciliationInvalidInput)
	}
	if len(cmd.Payload) == 0 {
		return fmt.Errorf("%w: payload is empty", ErrReconciliationInvalidInput)
	}

	if err := s.payments.ValidateWebhook(provider, cmd.Payload, cmd.Signature); err != nil {
		s.logger(ctx, "reconciliation.webhook.rejected", map[string]any{
			"provider": provider,
			"error":    err.Error(),
		})
		return err
	}

	event, err := s.payments.ParseWebhook(provider, cmd.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReconciliationInvalidInput, err)
	}
	if event.Reference == "" {
		// Event types we do not track. Acknowledge so the gateway stops retrying.
		s.logger(ctx, "reconciliation.webhook.ignored", map[string]any{"provider": provider})
		return nil
	}

	result := payments.PaymentResult{
		Provider:  event.Provider,
		Reference: event.Reference,
		Status:    event.Status,
		Amount:    event.Amount,
		Currency:  event.Currency,
		PaidAt:    event.PaidAt,
	}

	// The gateway remains authoritative: re-verify when the event carries a
	// verifiable reference, falling back to the signed payload if the query
	// fails so a gateway outage does not drop the delivery.
	if verifyRef := strings.TrimSpace(event.VerifyRef); verifyRef != "" {
		verified, err := s.payments.VerifyTransaction(ctx, payments.PaymentContext{
			PreferredProvider: provider,
			Currency:          event.Currency,
		}, verifyRef)
		if err != nil {
			s.logger(ctx, "reconciliation.verify_failed", map[string]any{
				"provider":  provider,
				"reference": event.Reference,
				"error":     err.Error(),
			})
		} else {
			verified.Reference = event.Reference
			result = verified
		}
	}

	_, err = s.applyResult(ctx, result)
	return err
}

// HandlePolledVerification queries the gateway for the reference and applies
// the same transition the webhook path would. Pending results are a no-op.
func (s *reconciliationService) HandlePolledVerification(ctx context.Context, reference string) (PaymentReconciliationResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return PaymentReconciliationResult{}, fmt.Errorf("%w: reference is required", ErrReconciliationInvalidInput)
	}

	target, err := s.resolveByReference(ctx, reference)
	if err != nil {
		return PaymentReconciliationResult{}, err
	}

	result, err := s.payments.VerifyTransaction(ctx, payments.PaymentContext{
		PreferredProvider: target.provider(),
		Currency:          target.currency(),
	}, reference)
	if err != nil {
		return PaymentReconciliationResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	result.Reference = reference

	return s.applyResult(ctx, result)
}

// reconciliationTarget abstracts over the two order kinds so both share one
// transition path.
type reconciliationTarget struct {
	order       *Order
	measurement *MeasurementOrder
}

func (t reconciliationTarget) provider() string {
	if t.order != nil {
		return t.order.PaymentProvider
	}
	return t.measurement.PaymentProvider
}

func (t reconciliationTarget) currency() string {
	if t.order != nil {
		return t.order.Currency
	}
	return t.measurement.Currency
}

func (t reconciliationTarget) paymentStatus() domain.PaymentStatus {
	if t.order != nil {
		return t.order.PaymentStatus
	}
	return t.measurement.PaymentStatus
}

func (s *reconciliationService) resolveByReference(ctx context.Context, reference string) (reconciliationTarget, error) {
	order, err := s.orders.FindByPaymentReference(ctx, reference)
	if err == nil {
		return reconciliationTarget{order: &order}, nil
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		return reconciliationTarget{}, err
	}

	measurement, err := s.measurementOrders.FindByPaymentReference(ctx, reference)
	if err == nil {
		return reconciliationTarget{measurement: &measurement}, nil
	}
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		return reconciliationTarget{}, err
	}
	return reconciliationTarget{}, fmt.Errorf("%w: %s", ErrReconciliationUnknownReference, reference)
}

func (s *reconciliationService) applyResult(ctx context.Context, result payments.PaymentResult) (PaymentReconciliationResult, error) {
	target, err := s.resolveByReference(ctx, result.Reference)
	if err != nil {
		return PaymentReconciliationResult{}, err
	}

	// Terminal payment states are frozen. A duplicate delivery for the state
	// we already hold, or a late conflicting report, is acknowledged without
	// touching the order.
	if current := target.paymentStatus(); current.IsTerminal() {
		s.logger(ctx, "reconciliation.already_applied", map[string]any{
			"reference": result.Reference,
			"current":   string(current),
			"reported":  string(result.Status),
		})
		return PaymentReconciliationResult{
			Reference:      result.Reference,
			PaymentStatus:  current,
			AlreadyApplied: true,
		}, nil
	}

	switch result.Status {
	case payments.StatusSuccess:
		return s.applySuccess(ctx, target, result)
	case payments.StatusFailed:
		return s.applyFailure(ctx, target, result)
	default:
		s.logger(ctx, "reconciliation.still_pending", map[string]any{"reference": result.Reference})
		return PaymentReconciliationResult{
			Reference:     result.Reference,
			PaymentStatus: target.paymentStatus(),
		}, nil
	}
}

func (s *reconciliationService) applySuccess(ctx context.Context, target reconciliationTarget, result payments.PaymentResult) (PaymentReconciliationResult, error) {
	now := s.clock()
	paidAt := now
	if result.PaidAt != nil {
		paidAt = result.PaidAt.UTC()
	}
	observed := target.paymentStatus()

	if target.order != nil {
		order := *target.order

		if order.ReservationID != "" {
			if _, err := s.inventory.CommitReservation(ctx, InventoryCommitCommand{
				ReservationID: order.ReservationID,
				OrderRef:      order.ID,
			}); err != nil {
				return PaymentReconciliationResult{}, fmt.Errorf("commit reservation %s: %w", order.ReservationID, err)
			}
		}

		order.PaymentStatus = domain.PaymentStatusPaid
		order.Status = domain.OrderStatusPlaced
		order.PaidAt = &paidAt
		if order.PlacedAt == nil {
			order.PlacedAt = &now
		}
		order.UpdatedAt = now
		// The conditional write is the exactly-once gate: when a concurrent
		// delivery flipped the status between our read and this write, the
		// loser skips every downstream effect (email, audit, event).
		if err := s.orders.UpdatePaymentTransition(ctx, order, observed); err != nil {
			if lost, res := s.lostRace(ctx, result.Reference, err); lost {
				return res, nil
			}
			return PaymentReconciliationResult{}, err
		}

		s.redeemCoupon(ctx, order, now)
		s.recordPaymentAudit(ctx, "/orders/"+order.ID, result, "paid")
		s.publishEvent(ctx, orderEventPaymentConfirmed, order.ID, order.OrderNumber, string(order.Status), now, result)
		if s.notifications != nil {
			s.notifications.SendOrderConfirmation(ctx, OrderNotice{
				OrderID:     order.ID,
				OrderNumber: order.OrderNumber,
				Email:       orderNoticeEmail(order),
				Name:        orderRecipientName(order),
				Amount:      order.Totals.Total,
				Currency:    order.Currency,
				Kind:        "order",
			})
		}

		s.logger(ctx, "reconciliation.payment_confirmed", map[string]any{
			"reference": result.Reference,
			"orderId":   order.ID,
		})
		return PaymentReconciliationResult{Reference: result.Reference, PaymentStatus: domain.PaymentStatusPaid}, nil
	}

	order := *target.measurement
	order.PaymentStatus = domain.PaymentStatusPaid
	order.Status = domain.MeasurementStatusReceived
	order.PaidAt = &paidAt
	order.UpdatedAt = now
	if err := s.measurementOrders.UpdatePaymentTransition(ctx, order, observed); err != nil {
		if lost, res := s.lostRace(ctx, result.Reference, err); lost {
			return res, nil
		}
		return PaymentReconciliationResult{}, err
	}

	s.recordPaymentAudit(ctx, "/measurement-orders/"+order.ID, result, "paid")
	s.publishEvent(ctx, measurementEventPaymentConfirmed, order.ID, order.OrderNumber, string(order.Status), now, result)
	if s.notifications != nil {
		amount := int64(0)
		if order.Price != nil {
			amount = *order.Price
		}
		s.notifications.SendOrderConfirmation(ctx, OrderNotice{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Email:       measurementNoticeEmail(order),
			Amount:      amount,
			Currency:    order.Currency,
			Kind:        "measurement_order",
		})
	}

	s.logger(ctx, "reconciliation.payment_confirmed", map[string]any{
		"reference": result.Reference,
		"orderId":   order.ID,
	})
	return PaymentReconciliationResult{Reference: result.Reference, PaymentStatus: domain.PaymentStatusPaid}, nil
}

func (s *reconciliationService) applyFailure(ctx context.Context, target reconciliationTarget, result payments.PaymentResult) (PaymentReconciliationResult, error) {
	now := s.clock()
	observed := target.paymentStatus()

	if target.order != nil {
		order := *target.order

		order.PaymentStatus = domain.PaymentStatusFailed
		order.UpdatedAt = now
		if err := s.orders.UpdatePaymentTransition(ctx, order, observed); err != nil {
			if lost, res := s.lostRace(ctx, result.Reference, err); lost {
				return res, nil
			}
			return PaymentReconciliationResult{}, err
		}

		if order.ReservationID != "" {
			if _, err := s.inventory.ReleaseReservation(ctx, InventoryReleaseCommand{
				ReservationID: order.ReservationID,
				Reason:        "payment failed",
			}); err != nil && !errors.Is(err, ErrInventoryReservationNotFound) {
				return PaymentReconciliationResult{}, fmt.Errorf("release reservation %s: %w", order.ReservationID, err)
			}
		}

		s.recordPaymentAudit(ctx, "/orders/"+order.ID, result, "failed")
		s.publishEvent(ctx, orderEventPaymentFailed, order.ID, order.OrderNumber, string(order.Status), now, result)

		s.logger(ctx, "reconciliation.payment_failed", map[string]any{
			"reference": result.Reference,
			"orderId":   order.ID,
		})
		return PaymentReconciliationResult{Reference: result.Reference, PaymentStatus: domain.PaymentStatusFailed}, nil
	}

	order := *target.measurement
	order.PaymentStatus = domain.PaymentStatusFailed
	order.UpdatedAt = now
	if err := s.measurementOrders.UpdatePaymentTransition(ctx, order, observed); err != nil {
		if lost, res := s.lostRace(ctx, result.Reference, err); lost {
			return res, nil
		}
		return PaymentReconciliationResult{}, err
	}

	s.recordPaymentAudit(ctx, "/measurement-orders/"+order.ID, result, "failed")
	s.publishEvent(ctx, measurementEventPaymentFailed, order.ID, order.OrderNumber, string(order.Status), now, result)

	s.logger(ctx, "reconciliation.payment_failed", map[string]any{
		"reference": result.Reference,
		"orderId":   order.ID,
	})
	return PaymentReconciliationResult{Reference: result.Reference, PaymentStatus: domain.PaymentStatusFailed}, nil
}

// lostRace classifies a conditional-write failure. A conflict means another
// delivery for the same reference transitioned the payment first; the caller
// reports AlreadyApplied with whatever status the winner left behind.
func (s *reconciliationService) lostRace(ctx context.Context, reference string, err error) (bool, PaymentReconciliationResult) {
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		return false, PaymentReconciliationResult{}
	}

	current := domain.PaymentStatus("")
	if target, resolveErr := s.resolveByReference(ctx, reference); resolveErr == nil {
		current = target.paymentStatus()
	}
	s.logger(ctx, "reconciliation.already_applied", map[string]any{
		"reference": reference,
		"current":   string(current),
	})
	return true, PaymentReconciliationResult{
		Reference:      reference,
		PaymentStatus:  current,
		AlreadyApplied: true,
	}
}

func orderRecipientName(order Order) string {
	if order.ShippingAddress != nil {
		return order.ShippingAddress.Recipient
	}
	return ""
}

// redeemCoupon burns one usage of the order's coupon after a confirmed
// payment. Failures are logged, never fatal: the payment already happened.
func (s *reconciliationService) redeemCoupon(ctx context.Context, order Order, now time.Time) {
	if s.coupons == nil || order.CouponCode == nil {
		return
	}
	if _, err := s.coupons.RedeemCoupon(ctx, *order.CouponCode, now); err != nil {
		s.logger(ctx, "reconciliation.coupon_redeem_failed", map[string]any{
			"orderId": order.ID,
			"coupon":  *order.CouponCode,
			"error":   err.Error(),
		})
	}
}

func (s *reconciliationService) recordPaymentAudit(ctx context.Context, targetRef string, result payments.PaymentResult, outcome string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      "payments:" + result.Provider,
		ActorType:  "system",
		Action:     "payment." + outcome,
		TargetRef:  targetRef,
		OccurredAt: s.clock(),
		Metadata: map[string]any{
			"reference": result.Reference,
			"amount":    result.Amount,
			"currency":  result.Currency,
		},
	})
}

func (s *reconciliationService) publishEvent(ctx context.Context, eventType, orderID, orderNumber, status string, now time.Time, result payments.PaymentResult) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, OrderEvent{
		Type:          eventType,
		OrderID:       orderID,
		OrderNumber:   orderNumber,
		CurrentStatus: status,
		OccurredAt:    now,
		Metadata: map[string]any{
			"reference": result.Reference,
			"provider":  result.Provider,
		},
	}); err != nil {
		s.logger(ctx, "reconciliation.event_publish_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}
