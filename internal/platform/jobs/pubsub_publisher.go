package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/tezmarket/api/internal/services"
)

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues an order event message on the configured topic.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(orderEventMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		OrderNumber:    event.OrderNumber,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt,
		Metadata:       event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "orderNumber", event.OrderNumber)
	setAttr(attrs, "currentStatus", event.CurrentStatus)
	setAttr(attrs, "previousStatus", event.PreviousStatus)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// PubSubStockEventPublisher publishes committed inventory ledger rows to a
// Pub/Sub topic for analytics and downstream replication.
type PubSubStockEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubStockEventPublisher constructs a Pub/Sub backed stock event publisher.
func NewPubSubStockEventPublisher(topic *pubsub.Topic) (*PubSubStockEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub stock publisher: topic is required")
	}
	return &PubSubStockEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishStockMovement enqueues one ledger row on the configured topic.
func (p *PubSubStockEventPublisher) PublishStockMovement(ctx context.Context, event services.StockMovementEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub stock publisher: not initialised")
	}

	data, err := p.marshal(stockMovementMessage{
		MovementID:     event.MovementID,
		SKU:            event.SKU,
		ProductID:      event.ProductID,
		VendorID:       event.VendorID,
		BranchID:       event.BranchID,
		Type:           event.Type,
		QuantityChange: event.QuantityChange,
		QuantityBefore: event.QuantityBefore,
		QuantityAfter:  event.QuantityAfter,
		RefType:        event.RefType,
		RefID:          event.RefID,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("marshal stock movement: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "movementId", event.MovementID)
	setAttr(attrs, "sku", event.SKU)
	setAttr(attrs, "movementType", event.Type)
	setAttr(attrs, "refType", event.RefType)
	setAttr(attrs, "refId", event.RefID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish stock movement: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
