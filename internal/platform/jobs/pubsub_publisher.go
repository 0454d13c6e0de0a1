package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/skillforge/api/internal/services"
)

// PubSubNotificationPublisher publishes fulfillment side-effect tasks to a
// Pub/Sub topic consumed by the notification workers.
type PubSubNotificationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubNotificationPublisher constructs a Pub/Sub backed notification task publisher.
func NewPubSubNotificationPublisher(topic *pubsub.Topic) (*PubSubNotificationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification publisher: topic is required")
	}
	return &PubSubNotificationPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// Publish enqueues a notification task message on the configured topic.
func (p *PubSubNotificationPublisher) Publish(ctx context.Context, task services.NotificationTask) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub notification publisher: not initialised")
	}

	data, err := p.marshal(task)
	if err != nil {
		return fmt.Errorf("marshal notification task: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "kind", task.Kind)
	setAttr(attrs, "userId", task.UserID)
	setAttr(attrs, "transactionId", task.TransactionID)
	setAttr(attrs, "targetKind", task.TargetKind)
	setAttr(attrs, "targetId", task.TargetID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification task: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var _ services.NotificationPublisher = (*PubSubNotificationPublisher)(nil)
