package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/platform/textutil"
)

const (
	emailTemplateOrderConfirmation = "order_confirmation"
	emailTemplatePriceQuote        = "price_quote"
	emailTemplateShippingUpdate    = "shipping_update"

	notifyEventQueued = "notify.queued"
	notifyEventFailed = "notify.enqueue_failed"
)

// EmailPublisher hands a rendered email message to the delivery queue.
type EmailPublisher interface {
	PublishEmail(ctx context.Context, msg EmailMessage) (string, error)
}

// EmailMessage is the payload delivered to the mail worker via Pub/Sub.
type EmailMessage struct {
	MessageID string            `json:"messageId"`
	Template  string            `json:"template"`
	To        string            `json:"to"`
	Name      string            `json:"name,omitempty"`
	Subject   string            `json:"subject"`
	Variables map[string]string `json:"variables,omitempty"`
	QueuedAt  time.Time         `json:"queuedAt"`
}

// EmailNotificationServiceDeps enumerates collaborators for the dispatcher.
type EmailNotificationServiceDeps struct {
	Publisher   EmailPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type emailNotificationService struct {
	publisher EmailPublisher
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewEmailNotificationService wires a NotificationService that enqueues emails
// on a background topic. Delivery is asynchronous and best-effort; callers
// never block on the mail pipeline.
func NewEmailNotificationService(deps EmailNotificationServiceDeps) (NotificationService, error) {
	if deps.Publisher == nil {
		return nil, errors.New("notification service: publisher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &emailNotificationService{
		publisher: deps.Publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *emailNotificationService) SendOrderConfirmation(ctx context.Context, notice OrderNotice) {
	to := strings.TrimSpace(notice.Email)
	if to == "" {
		return
	}

	subject := fmt.Sprintf("Order %s confirmed", notice.OrderNumber)
	if notice.Kind == "measurement_order" {
		subject = fmt.Sprintf("Measurement order %s confirmed", notice.OrderNumber)
	}

	s.enqueue(ctx, EmailMessage{
		Template: emailTemplateOrderConfirmation,
		To:       to,
		Name:     strings.TrimSpace(notice.Name),
		Subject:  subject,
		Variables: map[string]string{
			"orderId":     notice.OrderID,
			"orderNumber": notice.OrderNumber,
			"amount":      formatAmount(notice.Amount, notice.Currency),
			"kind":        notice.Kind,
		},
	})
}

func (s *emailNotificationService) SendPriceQuote(ctx context.Context, notice PriceQuoteNotice) {
	to := strings.TrimSpace(notice.Email)
	if to == "" {
		return
	}

	s.enqueue(ctx, EmailMessage{
		Template: emailTemplatePriceQuote,
		To:       to,
		Name:     strings.TrimSpace(notice.Name),
		Subject:  fmt.Sprintf("Your quote for order %s is ready", notice.OrderNumber),
		Variables: map[string]string{
			"orderId":     notice.OrderID,
			"orderNumber": notice.OrderNumber,
			"amount":      formatAmount(notice.Amount, notice.Currency),
		},
	})
}

func (s *emailNotificationService) SendShippingUpdate(ctx context.Context, notice ShippingUpdateNotice) {
	to := strings.TrimSpace(notice.Email)
	if to == "" {
		return
	}

	s.enqueue(ctx, EmailMessage{
		Template: emailTemplateShippingUpdate,
		To:       to,
		Name:     strings.TrimSpace(notice.Name),
		Subject:  fmt.Sprintf("Order %s: %s", notice.OrderNumber, shippingStatusLabel(notice.Status)),
		Variables: map[string]string{
			"orderId":     notice.OrderID,
			"orderNumber": notice.OrderNumber,
			"status":      notice.Status,
			"kind":        notice.Kind,
		},
	})
}

func (s *emailNotificationService) enqueue(ctx context.Context, msg EmailMessage) {
	msg.MessageID = "em_" + s.newID()
	msg.QueuedAt = s.clock()
	msg.Variables = textutil.NormalizeStringMap(msg.Variables)

	if _, err := s.publisher.PublishEmail(ctx, msg); err != nil {
		s.logger(ctx, notifyEventFailed, map[string]any{
			"messageId": msg.MessageID,
			"template":  msg.Template,
			"error":     err.Error(),
		})
		return
	}

	s.logger(ctx, notifyEventQueued, map[string]any{
		"messageId": msg.MessageID,
		"template":  msg.Template,
	})
}

// formatAmount renders a minor-unit amount as a human readable price for the
// email body, e.g. 3397_50 NGN -> "NGN 3,397.50".
func formatAmount(amount int64, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	major := float64(amount) / 100

	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%s %.2f", code, major)
	}
	printer := message.NewPrinter(language.English)
	return printer.Sprintf("%v", currency.Symbol(unit.Amount(major)))
}

func shippingStatusLabel(status string) string {
	switch status {
	case string(domain.OrderStatusShipped):
		return "your order has shipped"
	case string(domain.OrderStatusInTransit):
		return "your order is in transit"
	case string(domain.OrderStatusOutForDelivery):
		return "your order is out for delivery"
	case string(domain.OrderStatusDelivered):
		return "your order was delivered"
	case string(domain.OrderStatusCancelled):
		return "your order was cancelled"
	default:
		return "status updated"
	}
}
