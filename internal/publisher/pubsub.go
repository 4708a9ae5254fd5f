package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/mcncl/http-audit/internal/errors"
)

// Publisher defines the interface for publishing audit records
type Publisher interface {
	Publish(ctx context.Context, data interface{}, attributes map[string]string) (string, error)
	Close() error
}

// PubSubPublisher implements the Publisher interface for Google Cloud Pub/Sub
type PubSubPublisher struct {
	client  *pubsub.Client
	topic   *pubsub.Topic
	topicID string
}

// NewPubSubPublisher creates a publisher for an existing topic
func NewPubSubPublisher(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubPublisher, error) {
	return NewPubSubPublisherWithSettings(ctx, projectID, topicID, nil, opts...)
}

// NewPubSubPublisherWithSettings is NewPubSubPublisher with custom batching settings.
// A nil settings keeps the client defaults.
func NewPubSubPublisherWithSettings(ctx context.Context, projectID, topicID string, settings *pubsub.PublishSettings, opts ...option.ClientOption) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, errors.NewConnectionError(fmt.Sprintf("failed to create pubsub client: %v", err))
	}

	topic := client.Topic(topicID)
	if settings != nil {
		topic.PublishSettings = *settings
	}

	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, errors.NewConnectionError(fmt.Sprintf("failed to check topic existence: %v", err))
	}
	if !exists {
		client.Close()
		return nil, errors.WithDetails(
			errors.NewValidationError(fmt.Sprintf("topic %s does not exist", topicID)),
			map[string]interface{}{"project_id": projectID, "topic_id": topicID},
		)
	}

	return &PubSubPublisher{
		client:  client,
		topic:   topic,
		topicID: topicID,
	}, nil
}

func (p *PubSubPublisher) TopicID() string {
	return p.topicID
}

// Publish publishes data as JSON and waits for the server to acknowledge it
func (p *PubSubPublisher) Publish(ctx context.Context, data interface{}, attributes map[string]string) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal data")
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       jsonData,
		Attributes: attributes,
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return "", errors.NewPublishError("failed to publish message", err)
	}

	return msgID, nil
}

// Close flushes pending messages and closes the client
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
