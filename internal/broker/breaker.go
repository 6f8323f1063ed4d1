package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jnst/integration-event-outbox/internal/model"
)

// BreakerSettings configures a BreakerPublisher.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
	Logger              *slog.Logger
}

// BreakerPublisher stops calling a failing broker until it recovers.
// Only transient failures count against the broker.
type BreakerPublisher struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerPublisher wraps next with a circuit breaker.
func NewBreakerPublisher(next Publisher, settings BreakerSettings) *BreakerPublisher {
	threshold := settings.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}

	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.HalfOpenRequests,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("broker circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || model.IsPermanent(err)
		},
	})

	return &BreakerPublisher{next: next, cb: cb}
}

// Publish implements Publisher. An open breaker yields a transient error.
func (b *BreakerPublisher) Publish(ctx context.Context, envelope *model.Envelope) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, envelope)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return model.Transient(fmt.Errorf("broker unavailable: %w", err))
	}

	return err
}

// State returns the current breaker state.
func (b *BreakerPublisher) State() gobreaker.State {
	return b.cb.State()
}

// Close implements Publisher.
func (b *BreakerPublisher) Close() error {
	return b.next.Close()
}
