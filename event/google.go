package event

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// OrderedGooglePublisher is an ordered google publisher.
type OrderedGooglePublisher[T any] struct {
	eventName string
	client    *pubsub.Client
	topic     *pubsub.Topic
}

// NewOrderedGooglePublisher creates a new ordered Google Cloud event publisher for the given project/topic/event name.
// We need a specific Google publisher because ordering doesn't generalize well.
// The options are passed to the Pub/Sub client, the emulator for instance.
func NewOrderedGooglePublisher[T any](ctx context.Context, project, topicName, eventName string, opts ...option.ClientOption) (*OrderedGooglePublisher[T], error) {
	client, err := pubsub.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	topic := client.Topic(topicName)
	topic.EnableMessageOrdering = true
	return &OrderedGooglePublisher[T]{eventName: eventName, client: client, topic: topic}, nil
}

// Publish will publish the given event with the given ordering key.
// After a failure, events with the same ordering key are refused until [OrderedGooglePublisher.Resume] is called.
func (p *OrderedGooglePublisher[T]) Publish(ctx context.Context, event T, orderingKey string) error {
	encBody, err := serializeEvent(p.eventName, event)
	if err != nil {
		return err
	}

	sample := publishSampler()
	res := p.topic.Publish(ctx, &pubsub.Message{
		OrderingKey: orderingKey,
		Data:        encBody,
		Attributes:  map[string]string{NameAttribute: p.eventName},
	})
	_, err = res.Get(ctx)
	sample(p.eventName, len(encBody), err)
	if err != nil {
		return fmt.Errorf("publishing %s event with ordering key %q: %w", p.eventName, orderingKey, err)
	}
	return nil
}

// Resume resumes publishing of the given ordering key after a failed [OrderedGooglePublisher.Publish].
func (p *OrderedGooglePublisher[T]) Resume(_ context.Context, orderingKey string) error {
	p.topic.ResumePublish(orderingKey)
	return nil
}

// Shutdown flushes pending events and closes the client.
func (p *OrderedGooglePublisher[T]) Shutdown(context.Context) error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("closing pubsub client: %w", err)
	}
	return nil
}
