package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/retailcore/fulfillment/internal/services"
)

// PubSubEventPublisher publishes order and stock domain events to their
// Pub/Sub topics. It implements both services publisher interfaces.
type PubSubEventPublisher struct {
	orderTopic *pubsub.Topic
	stockTopic *pubsub.Topic
	marshal    func(any) ([]byte, error)
}

// NewPubSubEventPublisher constructs a Pub/Sub backed event publisher. Both
// topics are required.
func NewPubSubEventPublisher(orderTopic, stockTopic *pubsub.Topic) (*PubSubEventPublisher, error) {
	if orderTopic == nil {
		return nil, errors.New("pubsub event publisher: order events topic is required")
	}
	if stockTopic == nil {
		return nil, errors.New("pubsub event publisher: stock events topic is required")
	}
	return &PubSubEventPublisher{
		orderTopic: orderTopic,
		stockTopic: stockTopic,
		marshal:    json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues an order lifecycle event on the order topic.
func (p *PubSubEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEventMessage) error {
	if p == nil || p.orderTopic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "toStatus", event.ToStatus)

	result := p.orderTopic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// PublishStockEvent enqueues a reservation event on the stock topic.
func (p *PubSubEventPublisher) PublishStockEvent(ctx context.Context, event services.StockEventMessage) error {
	if p == nil || p.stockTopic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stock event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "ownerId", event.OwnerID)
	setAttr(attrs, "orderId", event.OrderID)

	result := p.stockTopic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish stock event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
