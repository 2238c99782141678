// Package event provides publishing of events, like the concurrency conflicts found
// while writing back to Snowflake.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/pubsub"
)

// Publisher represents a publisher of events of type T.
// The publisher guarantees that the events conform to our basic schema for events.
type Publisher[T any] struct {
	name  string
	topic *pubsub.Topic
}

// NameAttribute is the message attribute holding the event name, subscribers can filter
// on it without decoding the body.
const NameAttribute = "event_name"

// Envelope represents the general structure of the body of events.
type Envelope[T any] struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Time  time.Time `json:"time"`
	Event T         `json:"event"`
}

// NewPublisher creates a new event publisher for the given event name and topic.
func NewPublisher[T any](name string, t *pubsub.Topic) *Publisher[T] {
	return &Publisher[T]{
		name:  name,
		topic: t,
	}
}

// Publish will publish the given event.
func (p *Publisher[T]) Publish(ctx context.Context, event T) error {
	encBody, err := serializeEvent(p.name, event)
	if err != nil {
		return err
	}

	sample := publishSampler()
	err = p.topic.Send(ctx, &pubsub.Message{
		Body:     encBody,
		Metadata: map[string]string{NameAttribute: p.name},
	})
	sample(p.name, len(encBody), err)
	if err != nil {
		return fmt.Errorf("publishing %s event: %w", p.name, err)
	}
	return nil
}

// Shutdown flushes pending events and shuts the topic down.
func (p *Publisher[T]) Shutdown(ctx context.Context) error {
	return p.topic.Shutdown(ctx)
}

func serializeEvent[T any](name string, event T) ([]byte, error) {
	return json.Marshal(Envelope[T]{
		ID:    uuid.NewString(),
		Name:  name,
		Time:  time.Now().UTC(),
		Event: event,
	})
}
