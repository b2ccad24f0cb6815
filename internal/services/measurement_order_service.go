package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

const (
	measurementEventCreated       = "measurement_order.created"
	measurementEventStatusChanged = "measurement_order.status.changed"
	measurementEventCancelled     = "measurement_order.cancelled"
	measurementEventPriced        = "measurement_order.priced"

	measurementOrderIDPrefix = "mord_"

	measurementMaxFields = 40
)

var (
	// ErrMeasurementInvalidInput signals the caller provided invalid data.
	ErrMeasurementInvalidInput = errors.New("measurement order: invalid input")
	// ErrMeasurementNotFound indicates the order could not be located.
	ErrMeasurementNotFound = errors.New("measurement order: not found")
	// ErrMeasurementInvalidTransition indicates a rejected status transition.
	ErrMeasurementInvalidTransition = errors.New("measurement order: invalid status transition")
	// ErrMeasurementAlreadyPaid indicates pricing changes after payment are forbidden.
	ErrMeasurementAlreadyPaid = errors.New("measurement order: already paid")
	// ErrMeasurementNotPaid indicates the pipeline cannot advance before payment.
	ErrMeasurementNotPaid = errors.New("measurement order: payment not confirmed")
)

// Manufacturing stages in pipeline order. Shares the transition rules with the
// regular order pipeline: forward with skips, pre-Shipped cancellation,
// frozen terminal states.
var measurementStatusRank = map[domain.MeasurementStatus]int{
	domain.MeasurementStatusReceived:        0,
	domain.MeasurementStatusDesignReview:    1,
	domain.MeasurementStatusFabricSelection: 2,
	domain.MeasurementStatusPatternMaking:   3,
	domain.MeasurementStatusCutting:         4,
	domain.MeasurementStatusSewing:          5,
	domain.MeasurementStatusQualityCheck:    6,
	domain.MeasurementStatusPacked:          7,
	domain.MeasurementStatusShipped:         8,
	domain.MeasurementStatusInTransit:       9,
	domain.MeasurementStatusOutForDelivery:  10,
	domain.MeasurementStatusDelivered:       11,
}

func measurementStatusTerminal(status domain.MeasurementStatus) bool {
	return status == domain.MeasurementStatusDelivered || status == domain.MeasurementStatusCancelled
}

func measurementStatusShippedOrLater(status domain.MeasurementStatus) bool {
	rank, ok := measurementStatusRank[status]
	return ok && rank >= measurementStatusRank[domain.MeasurementStatusShipped]
}

func validateMeasurementTransition(current, target domain.MeasurementStatus) error {
	if measurementStatusTerminal(current) {
		return fmt.Errorf("%w: %s is terminal", ErrMeasurementInvalidTransition, current)
	}
	if target == domain.MeasurementStatusCancelled {
		if measurementStatusShippedOrLater(current) {
			return fmt.Errorf("%w: cannot cancel after shipment", ErrMeasurementInvalidTransition)
		}
		return nil
	}
	targetRank, ok := measurementStatusRank[target]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrMeasurementInvalidTransition, target)
	}
	currentRank, ok := measurementStatusRank[current]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrMeasurementInvalidTransition, current)
	}
	if targetRank <= currentRank {
		return fmt.Errorf("%w: %s -> %s", ErrMeasurementInvalidTransition, current, target)
	}
	return nil
}

// MeasurementOrderServiceDeps bundles collaborators for the measurement order service.
type MeasurementOrderServiceDeps struct {
	Orders        repositories.MeasurementOrderRepository
	Catalog       repositories.CatalogRepository
	Counters      repositories.CounterRepository
	Audit         AuditLogService
	Events        OrderEventPublisher
	Notifications NotificationService
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type measurementOrderService struct {
	orders        repositories.MeasurementOrderRepository
	catalog       repositories.CatalogRepository
	counters      repositories.CounterRepository
	audit         AuditLogService
	events        OrderEventPublisher
	notifications NotificationService
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewMeasurementOrderService wires dependencies into a MeasurementOrderService.
func NewMeasurementOrderService(deps MeasurementOrderServiceDeps) (MeasurementOrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("measurement order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("measurement order service: counter repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &measurementOrderService{
		orders:        deps.Orders,
		catalog:       deps.Catalog,
		counters:      deps.Counters,
		audit:         deps.Audit,
		events:        deps.Events,
		notifications: deps.Notifications,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Create records a bespoke order intake. The order starts unpriced and in
// pending payment; checkout is blocked until an admin sets a price.
func (s *measurementOrderService) Create(ctx context.Context, cmd CreateMeasurementOrderCommand) (MeasurementOrder, error) {
	if err := s.validateCreateInput(ctx, cmd); err != nil {
		return MeasurementOrder{}, err
	}

	now := s.now()
	orderNumber, err := nextOrderNumber(ctx, s.counters, now)
	if err != nil {
		return MeasurementOrder{}, err
	}

	order := MeasurementOrder{
		ID:              measurementOrderIDPrefix + s.newID(),
		OrderNumber:     orderNumber,
		CustomerID:      strings.TrimSpace(cmd.CustomerID),
		GuestEmail:      strings.ToLower(strings.TrimSpace(cmd.GuestEmail)),
		Status:          domain.MeasurementStatusReceived,
		PaymentStatus:   domain.PaymentStatusPending,
		StyleTemplateID: cmd.StyleTemplateID,
		FabricChoice:    strings.TrimSpace(cmd.FabricChoice),
		Measurements:    cloneMeasurementValues(cmd.Measurements),
		Notes:           strings.TrimSpace(cmd.Notes),
		ShippingAddress: cmd.ShippingAddress,
		Contact:         cmd.Contact,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if order.CustomerID != "" {
		creator := order.CustomerID
		order.Audit.CreatedBy = &creator
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return MeasurementOrder{}, s.mapRepoError(err)
	}

	s.publishEvent(ctx, measurementEventCreated, order, "", order.CustomerID, nil)
	return order, nil
}

func (s *measurementOrderService) Get(ctx context.Context, orderID string) (MeasurementOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return MeasurementOrder{}, fmt.Errorf("%w: order id is required", ErrMeasurementInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return MeasurementOrder{}, s.mapRepoError(err)
	}
	return order, nil
}

func (s *measurementOrderService) GetForCustomer(ctx context.Context, orderID, customerID string) (MeasurementOrder, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return MeasurementOrder{}, err
	}
	if order.CustomerID == "" || order.CustomerID != strings.TrimSpace(customerID) {
		return MeasurementOrder{}, ErrMeasurementNotFound
	}
	return order, nil
}

func (s *measurementOrderService) List(ctx context.Context, filter MeasurementOrderListFilter) (domain.CursorPage[MeasurementOrder], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[MeasurementOrder]{}, s.mapRepoError(err)
	}
	return page, nil
}

func (s *measurementOrderService) TransitionStatus(ctx context.Context, cmd MeasurementStatusTransitionCommand) (MeasurementOrder, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return MeasurementOrder{}, fmt.Errorf("%w: order id is required", ErrMeasurementInvalidInput)
	}
	if cmd.TargetStatus == domain.MeasurementStatusCancelled {
		return s.Cancel(ctx, CancelMeasurementOrderCommand{OrderID: orderID, ActorID: cmd.ActorID, Reason: cmd.Reason})
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return MeasurementOrder{}, s.mapRepoError(err)
	}

	if err := validateMeasurementTransition(order.Status, cmd.TargetStatus); err != nil {
		return MeasurementOrder{}, err
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		return MeasurementOrder{}, fmt.Errorf("%w: order %s", ErrMeasurementNotPaid, orderID)
	}

	now := s.now()
	previous := order.Status
	order.Status = cmd.TargetStatus
	order.UpdatedAt = now
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.UpdatedBy = &actor
	}
	switch cmd.TargetStatus {
	case domain.MeasurementStatusShipped:
		if order.ShippedAt == nil {
			order.ShippedAt = &now
		}
	case domain.MeasurementStatusDelivered:
		if order.ShippedAt == nil {
			order.ShippedAt = &now
		}
		order.DeliveredAt = &now
	}

	if err := s.orders.Update(ctx, order); err != nil {
		return MeasurementOrder{}, s.mapRepoError(err)
	}

	s.recordStatusAudit(ctx, order, string(previous), cmd.ActorID)
	s.publishEvent(ctx, measurementEventStatusChanged, order, string(previous), cmd.ActorID, transitionMetadata(cmd.Reason))
	s.notifyShippingUpdate(ctx, order)
	return order, nil
}

func (s *measurementOrderService) Cancel(ctx context.Context, cmd CancelMeasurementOrderCommand) (MeasurementOrder, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return MeasurementOrder{}, fmt.Errorf("%w: order id is required", ErrMeasurementInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return MeasurementOrder{}, s.mapRepoError(err)
	}

	if customerID := strings.TrimSpace(cmd.CustomerID); customerID != "" && order.CustomerID != customerID {
		return MeasurementOrder{}, ErrMeasurementNotFound
	}

	if err := validateMeasurementTransition(order.Status, domain.MeasurementStatusCancelled); err != nil {
		return MeasurementOrder{}, err
	}

	now := s.now()
	previous := order.Status
	order.Status = domain.MeasurementStatusCancelled
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
		return MeasurementOrder{}, s.mapRepoError(err)
	}

	s.recordStatusAudit(ctx, order, string(previous), cmd.ActorID)
	s.publishEvent(ctx, measurementEventCancelled, order, string(previous), cmd.ActorID, transitionMetadata(cmd.Reason))
	s.notifyShippingUpdate(ctx, order)
	return order, nil
}

// SetPrice records the admin quote. Allowed only while payment is pending;
// repricing a paid order is rejected. Enqueues the price-quote email.
func (s *measurementOrderService) SetPrice(ctx context.Context, cmd SetMeasurementPriceCommand) (MeasurementOrder, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return MeasurementOrder{}, fmt.Errorf("%w: order id is required", ErrMeasurementInvalidInput)
	}
	if cmd.Amount <= 0 {
		return MeasurementOrder{}, fmt.Errorf("%w: amount must be positive", ErrMeasurementInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return MeasurementOrder{}, s.mapRepoError(err)
	}
	if order.PaymentStatus == domain.PaymentStatusPaid {
		return MeasurementOrder{}, fmt.Errorf("%w: %s", ErrMeasurementAlreadyPaid, orderID)
	}
	if measurementStatusTerminal(order.Status) {
		return MeasurementOrder{}, fmt.Errorf("%w: %s is terminal", ErrMeasurementInvalidTransition, order.Status)
	}

	now := s.now()
	var previousPrice *int64
	if order.Price != nil {
		prev := *order.Price
		previousPrice = &prev
	}
	amount := cmd.Amount
	actor := strings.TrimSpace(cmd.ActorID)
	order.Price = &amount
	order.PricedAt = &now
	order.UpdatedAt = now
	if actor != "" {
		order.PricedBy = &actor
		order.Audit.UpdatedBy = &actor
	}

	if err := s.orders.Update(ctx, order); err != nil {
		return MeasurementOrder{}, s.mapRepoError(err)
	}

	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:      actor,
			ActorType:  "admin",
			Action:     measurementEventPriced,
			TargetRef:  "/measurementOrders/" + order.ID,
			OccurredAt: now,
			Diff: map[string]AuditLogDiff{
				"price": {Before: previousPrice, After: amount},
			},
		})
	}
	s.publishEvent(ctx, measurementEventPriced, order, string(order.Status), actor, map[string]any{"price": amount})

	if s.notifications != nil {
		s.notifications.SendPriceQuote(ctx, PriceQuoteNotice{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Email:       measurementNoticeEmail(order),
			Amount:      amount,
			Currency:    order.Currency,
		})
	}
	return order, nil
}

func (s *measurementOrderService) validateCreateInput(ctx context.Context, cmd CreateMeasurementOrderCommand) error {
	if strings.TrimSpace(cmd.CustomerID) == "" && strings.TrimSpace(cmd.GuestEmail) == "" {
		return fmt.Errorf("%w: customer id or guest email is required", ErrMeasurementInvalidInput)
	}
	if len(cmd.Measurements) == 0 {
		return fmt.Errorf("%w: measurements are required", ErrMeasurementInvalidInput)
	}
	if len(cmd.Measurements) > measurementMaxFields {
		return fmt.Errorf("%w: too many measurement fields", ErrMeasurementInvalidInput)
	}
	for name, value := range cmd.Measurements {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: measurement name is required", ErrMeasurementInvalidInput)
		}
		if value <= 0 {
			return fmt.Errorf("%w: measurement %s must be positive", ErrMeasurementInvalidInput, name)
		}
	}

	if cmd.StyleTemplateID != nil && s.catalog != nil {
		templateID := strings.TrimSpace(*cmd.StyleTemplateID)
		if templateID == "" {
			return fmt.Errorf("%w: style template id is empty", ErrMeasurementInvalidInput)
		}
		if _, err := s.catalog.GetPublishedStyleTemplate(ctx, templateID); err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return fmt.Errorf("%w: unknown style template %s", ErrMeasurementInvalidInput, templateID)
			}
			return err
		}
	}
	return nil
}

func (s *measurementOrderService) recordStatusAudit(ctx context.Context, order MeasurementOrder, previous, actorID string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      strings.TrimSpace(actorID),
		ActorType:  "admin",
		Action:     measurementEventStatusChanged,
		TargetRef:  "/measurementOrders/" + order.ID,
		OccurredAt: s.now(),
		Diff: map[string]AuditLogDiff{
			"status": {Before: previous, After: string(order.Status)},
		},
	})
}

func (s *measurementOrderService) publishEvent(ctx context.Context, eventType string, order MeasurementOrder, previous, actorID string, metadata map[string]any) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, OrderEvent{
		Type:           eventType,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: previous,
		CurrentStatus:  string(order.Status),
		ActorID:        strings.TrimSpace(actorID),
		OccurredAt:     s.now(),
		Metadata:       metadata,
	}); err != nil {
		s.logger(ctx, "measurement_order.event_publish_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
}

func (s *measurementOrderService) notifyShippingUpdate(ctx context.Context, order MeasurementOrder) {
	if s.notifications == nil {
		return
	}
	switch order.Status {
	case domain.MeasurementStatusShipped, domain.MeasurementStatusOutForDelivery, domain.MeasurementStatusDelivered, domain.MeasurementStatusCancelled:
		s.notifications.SendShippingUpdate(ctx, ShippingUpdateNotice{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Email:       measurementNoticeEmail(order),
			Status:      string(order.Status),
			Kind:        "measurement",
		})
	}
}

func measurementNoticeEmail(order MeasurementOrder) string {
	if email := strings.TrimSpace(order.Contact.Email); email != "" {
		return email
	}
	return strings.TrimSpace(order.GuestEmail)
}

func transitionMetadata(reason string) map[string]any {
	metadata := map[string]any{}
	if reason = strings.TrimSpace(reason); reason != "" {
		metadata["reason"] = reason
	}
	return metadata
}

func cloneMeasurementValues(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[strings.TrimSpace(k)] = v
	}
	return out
}

func (s *measurementOrderService) now() time.Time {
	return s.clock()
}

func (s *measurementOrderService) mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return ErrMeasurementNotFound
	}
	return err
}
