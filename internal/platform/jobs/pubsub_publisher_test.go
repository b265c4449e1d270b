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

	"github.com/retailcore/fulfillment/internal/services"
)

func newTestTopics(t *testing.T) (*pstest.Server, *pubsub.Topic, *pubsub.Topic) {
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

	orderTopic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	stockTopic, err := client.CreateTopic(ctx, "stock-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return srv, orderTopic, stockTopic
}

func TestPubSubEventPublisherPublishesOrderEvent(t *testing.T) {
	ctx := context.Background()
	srv, orderTopic, stockTopic := newTestTopics(t)

	publisher, err := NewPubSubEventPublisher(orderTopic, stockTopic)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	occurredAt := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	event := services.OrderEventMessage{
		EventID:    "evt-1",
		Type:       "order.status.changed",
		OrderID:    "ord_1",
		Code:       "RC-2025-000001",
		UserID:     "user-1",
		FromStatus: "pending",
		ToStatus:   "confirmed",
		ActorType:  "admin",
		ActorID:    "admin-7",
		OccurredAt: occurredAt,
	}

	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.OrderEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != event.OrderID || payload.ToStatus != event.ToStatus {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["type"]; attr != "order.status.changed" {
		t.Fatalf("expected type attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["orderId"]; attr != "ord_1" {
		t.Fatalf("expected orderId attribute, got %q", attr)
	}
}

func TestPubSubEventPublisherPublishesStockEvent(t *testing.T) {
	ctx := context.Background()
	srv, orderTopic, stockTopic := newTestTopics(t)

	publisher, err := NewPubSubEventPublisher(orderTopic, stockTopic)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	event := services.StockEventMessage{
		EventID: "evt-2",
		Type:    "stock.reserved",
		OwnerID: "user-1",
		Lines: []services.StockEventLine{
			{VariantID: "var-a", Quantity: 2},
		},
		OccurredAt: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	}

	if err := publisher.PublishStockEvent(ctx, event); err != nil {
		t.Fatalf("PublishStockEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if attr := messages[0].Attributes["ownerId"]; attr != "user-1" {
		t.Fatalf("expected ownerId attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["orderId"]; ok {
		t.Fatal("orderId attribute should be absent when empty")
	}

	var payload services.StockEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(payload.Lines) != 1 || payload.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestNewPubSubEventPublisherRequiresTopics(t *testing.T) {
	_, orderTopic, stockTopic := newTestTopics(t)

	if _, err := NewPubSubEventPublisher(nil, stockTopic); err == nil {
		t.Fatal("expected error for missing order topic")
	}
	if _, err := NewPubSubEventPublisher(orderTopic, nil); err == nil {
		t.Fatal("expected error for missing stock topic")
	}
}
