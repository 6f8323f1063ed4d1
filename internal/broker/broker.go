// Package broker adapts message brokers to the outbox publisher and the subscriber host.
package broker

import (
	"context"
	"errors"

	"github.com/jnst/integration-event-outbox/internal/model"
)

// Names shared by every transport.
const (
	// DeadLetterName is the Kafka topic, RabbitMQ queue and Redis stream suffix for dead letters.
	DeadLetterName = "events.dlq"
	// DeadLetterExchange is the RabbitMQ exchange that routes into DeadLetterName.
	DeadLetterExchange = "events.dlx"
)

var (
	// ErrPublisherClosed is returned when publishing on a closed publisher.
	ErrPublisherClosed = errors.New("publisher is closed")
	// ErrPublishNacked is returned when the broker refused a message.
	ErrPublishNacked = errors.New("message was nacked by broker")
	// ErrConfirmTimeout is returned when the broker did not confirm in time.
	ErrConfirmTimeout = errors.New("confirmation timed out")
	// ErrInvalidDestination is returned when an event type cannot name a broker destination.
	ErrInvalidDestination = errors.New("event type is not a valid destination name")
)

// Publisher sends one envelope and returns only after the broker accepted it.
// Errors are classified with model.TransientPublishError or model.PermanentPublishError.
type Publisher interface {
	Publish(ctx context.Context, envelope *model.Envelope) error
	Close() error
}

// HandleFunc processes one inbound envelope and tells the transport what to do with the message.
type HandleFunc func(ctx context.Context, envelope *model.Envelope) model.DeliveryOutcome

// Consumer delivers envelopes of the given types to handle until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, eventTypes []string, handle HandleFunc) error
	Close() error
}

// Reclaimer is implemented by transports that keep unacknowledged deliveries of a
// crashed consumer and need them handed to a live one.
type Reclaimer interface {
	Reclaim(ctx context.Context, eventTypes []string, handle HandleFunc) error
}
