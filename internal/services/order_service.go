package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventCancelled     = "order.cancelled"

	orderIDPrefix = "ord_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates a rejected status transition.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderPermissionDenied indicates the caller does not own the order.
	ErrOrderPermissionDenied = errors.New("order: permission denied")
	// ErrOrderNotPaid indicates the fulfillment pipeline cannot advance before payment.
	ErrOrderNotPaid = errors.New("order: payment not confirmed")
)

// Fulfillment stages in pipeline order. Admins may skip forward; backward
// moves are rejected and terminal states accept nothing.
var orderStatusRank = map[domain.OrderStatus]int{
	domain.OrderStatusPlaced:         0,
	domain.OrderStatusProcessing:     1,
	domain.OrderStatusPacked:         2,
	domain.OrderStatusShipped:        3,
	domain.OrderStatusInTransit:      4,
	domain.OrderStatusOutForDelivery: 5,
	domain.OrderStatusDelivered:      6,
}

func orderStatusTerminal(status domain.OrderStatus) bool {
	return status == domain.OrderStatusDelivered || status == domain.OrderStatusCancelled
}

func orderStatusShippedOrLater(status domain.OrderStatus) bool {
	rank, ok := orderStatusRank[status]
	return ok && rank >= orderStatusRank[domain.OrderStatusShipped]
}

// validateOrderTransition applies the shared pipeline rules: forward-only with
// skips allowed, Cancelled reachable from any pre-Shipped state, terminal
// states frozen.
func validateOrderTransition(current, target domain.OrderStatus) error {
	if orderStatusTerminal(current) {
		return fmt.Errorf("%w: %s is terminal", ErrOrderInvalidTransition, current)
	}
	if target == domain.OrderStatusCancelled {
		if orderStatusShippedOrLater(current) {
			return fmt.Errorf("%w: cannot cancel after shipment", ErrOrderInvalidTransition)
		}
		return nil
	}
	targetRank, ok := orderStatusRank[target]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrOrderInvalidTransition, target)
	}
	currentRank, ok := orderStatusRank[current]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrOrderInvalidTransition, current)
	}
	if targetRank <= currentRank {
		return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, current, target)
	}
	return nil
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Inventory     InventoryService
	Audit         AuditLogService
	Events        OrderEventPublisher
	Notifications NotificationService
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	inventory     InventoryService
	audit         AuditLogService
	events        OrderEventPublisher
	notifications NotificationService
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:        deps.Orders,
		inventory:     deps.Inventory,
		audit:         deps.Audit,
		events:        deps.Events,
		notifications: deps.Notifications,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepoError(err)
	}
	return order, nil
}

func (s *orderService) GetOrderForCustomer(ctx context.Context, orderID, customerID string) (Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.CustomerID == "" || order.CustomerID != strings.TrimSpace(customerID) {
		// Hide existence of other customers' orders.
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

// TrackOrder resolves a guest-visible order by number plus contact email.
// A mismatched email reports not-found rather than revealing the order exists.
func (s *orderService) TrackOrder(ctx context.Context, orderNumber, email string) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	email = strings.ToLower(strings.TrimSpace(email))
	if orderNumber == "" || email == "" {
		return Order{}, fmt.Errorf("%w: order number and email are required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, s.mapRepoError(err)
	}

	contactEmail := strings.ToLower(strings.TrimSpace(order.Contact.Email))
	guestEmail := strings.ToLower(strings.TrimSpace(order.GuestEmail))
	if email != contactEmail && email != guestEmail {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepoError(err)
	}
	return page, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.TargetStatus == domain.OrderStatusCancelled {
		return s.Cancel(ctx, CancelOrderCommand{OrderID: orderID, ActorID: cmd.ActorID, Reason: cmd.Reason})
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepoError(err)
	}

	if err := validateOrderTransition(order.Status, cmd.TargetStatus); err != nil {
		return Order{}, err
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotPaid, orderID)
	}

	now := s.now()
	previous := order.Status
	order.Status = cmd.TargetStatus
	order.UpdatedAt = now
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.UpdatedBy = &actor
	}
	switch cmd.TargetStatus {
	case domain.OrderStatusShipped:
		if order.ShippedAt == nil {
			order.ShippedAt = &now
		}
	case domain.OrderStatusDelivered:
		if order.ShippedAt == nil {
			order.ShippedAt = &now
		}
		order.DeliveredAt = &now
	}

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepoError(err)
	}

	s.afterStatusChange(ctx, order, string(previous), cmd.ActorID, cmd.Reason)
	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepoError(err)
	}

	if customerID := strings.TrimSpace(cmd.CustomerID); customerID != "" && order.CustomerID != customerID {
		return Order{}, ErrOrderNotFound
	}

	if err := validateOrderTransition(order.Status, domain.OrderStatusCancelled); err != nil {
		return Order{}, err
	}

	now := s.now()
	previous := order.Status
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = now
	order.CancelledAt = &now
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		order.CancelReason = &reason
	}
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.UpdatedBy = &actor
	}
	if order.PaymentStatus == domain.PaymentStatusPending {
		order.PaymentStatus = domain.PaymentStatusCancelled
	}

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepoError(err)
	}

	// A pending-payment cancellation still holds reserved stock. Paid orders
	// committed theirs; release is an idempotent no-op everywhere else.
	if s.inventory != nil && order.ReservationID != "" && order.PaymentStatus != domain.PaymentStatusPaid {
		if _, err := s.inventory.ReleaseReservation(ctx, InventoryReleaseCommand{
			ReservationID: order.ReservationID,
			Reason:        "order cancelled",
			ActorID:       cmd.ActorID,
		}); err != nil && !errors.Is(err, ErrInventoryReservationNotFound) {
			s.logger(ctx, "order.cancel.release_failed", map[string]any{
				"orderId":       order.ID,
				"reservationId": order.ReservationID,
				"error":         err.Error(),
			})
		}
	}

	s.afterStatusChange(ctx, order, string(previous), cmd.ActorID, cmd.Reason)
	return order, nil
}

func (s *orderService) afterStatusChange(ctx context.Context, order Order, previous, actorID, reason string) {
	now := s.now()

	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:      strings.TrimSpace(actorID),
			ActorType:  "admin",
			Action:     orderEventStatusChanged,
			TargetRef:  "/orders/" + order.ID,
			OccurredAt: now,
			Diff: map[string]AuditLogDiff{
				"status": {Before: previous, After: string(order.Status)},
			},
		})
	}

	if s.events != nil {
		eventType := orderEventStatusChanged
		if order.Status == domain.OrderStatusCancelled {
			eventType = orderEventCancelled
		}
		metadata := map[string]any{}
		if reason = strings.TrimSpace(reason); reason != "" {
			metadata["reason"] = reason
		}
		if err := s.events.PublishOrderEvent(ctx, OrderEvent{
			Type:           eventType,
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			PreviousStatus: previous,
			CurrentStatus:  string(order.Status),
			ActorID:        strings.TrimSpace(actorID),
			OccurredAt:     now,
			Metadata:       metadata,
		}); err != nil {
			s.logger(ctx, "order.event_publish_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		}
	}

	if s.notifications != nil && shippingUpdateWorthy(order.Status) {
		s.notifications.SendShippingUpdate(ctx, ShippingUpdateNotice{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Email:       orderNoticeEmail(order),
			Status:      string(order.Status),
			Kind:        "order",
		})
	}
}

func shippingUpdateWorthy(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusShipped, domain.OrderStatusOutForDelivery, domain.OrderStatusDelivered, domain.OrderStatusCancelled:
		return true
	default:
		return false
	}
}

func orderNoticeEmail(order Order) string {
	if email := strings.TrimSpace(order.Contact.Email); email != "" {
		return email
	}
	return strings.TrimSpace(order.GuestEmail)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return ErrOrderNotFound
	}
	return err
}
