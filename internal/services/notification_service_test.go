package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
)

type stubEmailPublisher struct {
	err      error
	messages []EmailMessage
}

func (s *stubEmailPublisher) PublishEmail(ctx context.Context, msg EmailMessage) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.messages = append(s.messages, msg)
	return "pub-1", nil
}

type logCapture struct {
	events []string
}

func (l *logCapture) log(_ context.Context, event string, _ map[string]any) {
	l.events = append(l.events, event)
}

var notifyTestNow = time.Date(2026, 5, 20, 16, 0, 0, 0, time.UTC)

func newNotificationFixture(t *testing.T, publisher *stubEmailPublisher, logs *logCapture) NotificationService {
	t.Helper()
	svc, err := NewEmailNotificationService(EmailNotificationServiceDeps{
		Publisher:   publisher,
		Clock:       func() time.Time { return notifyTestNow },
		IDGenerator: func() string { return "testid" },
		Logger:      logs.log,
	})
	if err != nil {
		t.Fatalf("new notification service: %v", err)
	}
	return svc
}

func TestNotificationOrderConfirmationEnqueues(t *testing.T) {
	publisher := &stubEmailPublisher{}
	logs := &logCapture{}
	svc := newNotificationFixture(t, publisher, logs)

	svc.SendOrderConfirmation(context.Background(), OrderNotice{
		OrderID:     "ord_1",
		OrderNumber: "SF-2026-000007",
		Email:       "ada@example.com",
		Name:        "Ada Obi",
		Amount:      3397_50,
		Currency:    "NGN",
		Kind:        "order",
	})

	if len(publisher.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(publisher.messages))
	}
	msg := publisher.messages[0]
	if msg.Template != "order_confirmation" || msg.To != "ada@example.com" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.MessageID != "em_testid" || !msg.QueuedAt.Equal(notifyTestNow) {
		t.Fatalf("expected stamped id and timestamp, got %+v", msg)
	}
	if !strings.Contains(msg.Subject, "SF-2026-000007") {
		t.Fatalf("expected order number in subject, got %q", msg.Subject)
	}
	if !strings.Contains(msg.Variables["amount"], "3,397.50") {
		t.Fatalf("expected formatted amount, got %q", msg.Variables["amount"])
	}
	if len(logs.events) != 1 || logs.events[0] != "notify.queued" {
		t.Fatalf("unexpected log events %v", logs.events)
	}
}

func TestNotificationMeasurementSubjectDiffers(t *testing.T) {
	publisher := &stubEmailPublisher{}
	svc := newNotificationFixture(t, publisher, &logCapture{})

	svc.SendOrderConfirmation(context.Background(), OrderNotice{
		OrderID:     "mord_1",
		OrderNumber: "SF-2026-000042",
		Email:       "ada@example.com",
		Amount:      250_000_00,
		Currency:    "NGN",
		Kind:        "measurement_order",
	})

	if len(publisher.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(publisher.messages))
	}
	if !strings.HasPrefix(publisher.messages[0].Subject, "Measurement order") {
		t.Fatalf("unexpected subject %q", publisher.messages[0].Subject)
	}
}

func TestNotificationSkipsBlankRecipient(t *testing.T) {
	publisher := &stubEmailPublisher{}
	logs := &logCapture{}
	svc := newNotificationFixture(t, publisher, logs)

	svc.SendOrderConfirmation(context.Background(), OrderNotice{OrderID: "ord_1", OrderNumber: "SF-2026-000007"})
	svc.SendPriceQuote(context.Background(), PriceQuoteNotice{OrderID: "mord_1"})
	svc.SendShippingUpdate(context.Background(), ShippingUpdateNotice{OrderID: "ord_1"})

	if len(publisher.messages) != 0 || len(logs.events) != 0 {
		t.Fatalf("expected nothing enqueued, got %d messages", len(publisher.messages))
	}
}

func TestNotificationPublishFailureIsSwallowed(t *testing.T) {
	publisher := &stubEmailPublisher{err: errors.New("topic unavailable")}
	logs := &logCapture{}
	svc := newNotificationFixture(t, publisher, logs)

	svc.SendShippingUpdate(context.Background(), ShippingUpdateNotice{
		OrderID:     "ord_1",
		OrderNumber: "SF-2026-000007",
		Email:       "ada@example.com",
		Status:      string(domain.OrderStatusShipped),
		Kind:        "order",
	})

	if len(logs.events) != 1 || logs.events[0] != "notify.enqueue_failed" {
		t.Fatalf("expected failure logged, got %v", logs.events)
	}
}

func TestNotificationShippingSubjectReflectsStatus(t *testing.T) {
	publisher := &stubEmailPublisher{}
	svc := newNotificationFixture(t, publisher, &logCapture{})

	svc.SendShippingUpdate(context.Background(), ShippingUpdateNotice{
		OrderID:     "ord_1",
		OrderNumber: "SF-2026-000007",
		Email:       "ada@example.com",
		Status:      string(domain.OrderStatusOutForDelivery),
		Kind:        "order",
	})

	if len(publisher.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(publisher.messages))
	}
	if !strings.Contains(publisher.messages[0].Subject, "out for delivery") {
		t.Fatalf("unexpected subject %q", publisher.messages[0].Subject)
	}
}

func TestNotificationPriceQuoteCarriesAmount(t *testing.T) {
	publisher := &stubEmailPublisher{}
	svc := newNotificationFixture(t, publisher, &logCapture{})

	svc.SendPriceQuote(context.Background(), PriceQuoteNotice{
		OrderID:     "mord_1",
		OrderNumber: "SF-2026-000042",
		Email:       "ada@example.com",
		Name:        "Ada Obi",
		Amount:      250_000_00,
		Currency:    "NGN",
	})

	if len(publisher.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(publisher.messages))
	}
	msg := publisher.messages[0]
	if msg.Template != "price_quote" {
		t.Fatalf("unexpected template %q", msg.Template)
	}
	if !strings.Contains(msg.Variables["amount"], "250,000.00") {
		t.Fatalf("expected formatted amount, got %q", msg.Variables["amount"])
	}
}
