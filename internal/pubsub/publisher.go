package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"metergate/internal/model"
)

// Publisher defines an interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error)
}

// PubSubPublisher is an implementation of Publisher using Google Pub/Sub.
type PubSubPublisher struct {
	client *pubsub.Client
}

// NewPublisher creates a PubSubPublisher for projectID. credentialsFile may be empty.
func NewPublisher(ctx context.Context, projectID, credentialsFile string) (*PubSubPublisher, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return &PubSubPublisher{client: client}, nil
}

// Publish sends the payload to the given Pub/Sub topic and returns the message ID.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	t := p.client.Topic(topic)
	result := t.Publish(ctx, &pubsub.Message{Data: payload, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}
	return id, nil
}

func (p *PubSubPublisher) Close() error {
	return p.client.Close()
}

// Notifier publishes quota-exhausted notices to a topic.
type Notifier struct {
	publisher Publisher
	topic     string
}

func NewNotifier(publisher Publisher, topic string) *Notifier {
	return &Notifier{publisher: publisher, topic: topic}
}

func (n *Notifier) NotifyQuotaExhausted(ctx context.Context, notice model.QuotaExhaustedNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal quota notice: %w", err)
	}
	attrs := map[string]string{"type": "quota_exhausted", "account_id": notice.AccountID}
	if _, err := n.publisher.Publish(ctx, n.topic, payload, attrs); err != nil {
		return err
	}
	return nil
}
