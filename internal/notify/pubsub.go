// Package notify publishes match events to interested consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// PubSub publishes match payloads to a Google Cloud Pub/Sub topic.
type PubSub struct {
	publisher *pubsub.Publisher
}

// NewPubSub wraps a topic publisher.
func NewPubSub(publisher *pubsub.Publisher) *PubSub {
	return &PubSub{publisher: publisher}
}

// Publish marshals the payload to JSON and publishes it. The topic argument
// is recorded as a message attribute; the destination topic is fixed by the
// publisher.
func (p *PubSub) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"event": topic},
	}
	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}
