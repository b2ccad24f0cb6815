package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stitchfield/api/internal/services"
)

func TestPubSubEmailPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "outbound-email")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubEmailPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubEmailPublisher: %v", err)
	}

	queuedAt := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	msg := services.EmailMessage{
		MessageID: "em_test",
		Template:  "order_confirmation",
		To:        "ada@example.com",
		Name:      "Ada Obi",
		Subject:   "Order SF-2026-000007 confirmed",
		Variables: map[string]string{"orderNumber": "SF-2026-000007"},
		QueuedAt:  queuedAt,
	}

	if _, err := publisher.PublishEmail(ctx, msg); err != nil {
		t.Fatalf("PublishEmail: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.EmailMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.MessageID != msg.MessageID || payload.To != msg.To {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["template"]; attr != "order_confirmation" {
		t.Fatalf("expected template attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["subject"]; ok {
		t.Fatalf("subject attribute should not be present")
	}
}
