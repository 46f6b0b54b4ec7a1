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

	"github.com/tezmarket/api/internal/services"
)

func newTestTopic(t *testing.T, topicID string) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return srv, topic
}

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv, topic := newTestTopic(t, "order-events")

	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	occurredAt := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	event := services.OrderEvent{
		Type:           "order.status.changed",
		OrderID:        "ord_test",
		OrderNumber:    "TM-2025-000042",
		PreviousStatus: "pending",
		CurrentStatus:  "accepted",
		ActorID:        "va_1",
		OccurredAt:     occurredAt,
	}

	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload orderEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != event.OrderID || payload.CurrentStatus != "accepted" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if !payload.OccurredAt.Equal(occurredAt) {
		t.Fatalf("unexpected occurred at %v", payload.OccurredAt)
	}
	if attr := messages[0].Attributes["eventType"]; attr != "order.status.changed" {
		t.Fatalf("expected event type attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["previousStatus"]; attr != "pending" {
		t.Fatalf("expected previous status attribute, got %q", attr)
	}
}

func TestPubSubOrderEventPublisherOmitsEmptyAttributes(t *testing.T) {
	ctx := context.Background()
	srv, topic := newTestTopic(t, "order-events")

	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	if err := publisher.PublishOrderEvent(ctx, services.OrderEvent{
		Type:          "order.created",
		OrderID:       "ord_test",
		CurrentStatus: "pending",
		OccurredAt:    time.Now(),
	}); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if _, ok := messages[0].Attributes["previousStatus"]; ok {
		t.Fatal("previousStatus attribute should not be present for created events")
	}
}

func TestPubSubStockEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv, topic := newTestTopic(t, "stock-movements")

	publisher, err := NewPubSubStockEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubStockEventPublisher: %v", err)
	}

	event := services.StockMovementEvent{
		MovementID:     "mov_test",
		SKU:            "SKU-1",
		ProductID:      "prod_1",
		VendorID:       "ven_1",
		BranchID:       "br_1",
		Type:           "removed",
		QuantityChange: -2,
		QuantityBefore: 10,
		QuantityAfter:  8,
		RefType:        "order",
		RefID:          "ord_test",
		ActorID:        "user_1",
		OccurredAt:     time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	if err := publisher.PublishStockMovement(ctx, event); err != nil {
		t.Fatalf("PublishStockMovement: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload stockMovementMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.QuantityBefore+payload.QuantityChange != payload.QuantityAfter {
		t.Fatalf("ledger arithmetic broken in payload %#v", payload)
	}
	if attr := messages[0].Attributes["movementType"]; attr != "removed" {
		t.Fatalf("expected movement type attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["refId"]; attr != "ord_test" {
		t.Fatalf("expected ref id attribute, got %q", attr)
	}
}

func TestNewPublishersRequireTopic(t *testing.T) {
	if _, err := NewPubSubOrderEventPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
	if _, err := NewPubSubStockEventPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
