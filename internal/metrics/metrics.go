package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/jnst/integration-event-outbox"

// Outbox records publisher activity.
type Outbox struct {
	published metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	recovered metric.Int64Counter
	latency   metric.Float64Histogram
}

// NewOutbox creates the publisher instruments. A nil provider yields no-op instruments.
func NewOutbox(provider metric.MeterProvider) (*Outbox, error) {
	meter := meterFrom(provider)

	var (
		m   Outbox
		err error
	)

	if m.published, err = meter.Int64Counter("outbox.events.published",
		metric.WithDescription("Integration events acknowledged by the broker."),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}

	if m.failed, err = meter.Int64Counter("outbox.events.failed",
		metric.WithDescription("Integration events moved to publish_failed."),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}

	if m.retried, err = meter.Int64Counter("outbox.events.retried",
		metric.WithDescription("Transient publish failures scheduled for retry."),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}

	if m.recovered, err = meter.Int64Counter("outbox.events.recovered",
		metric.WithDescription("Stale in-flight records returned to pending."),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}

	if m.latency, err = meter.Float64Histogram("outbox.publish.latency",
		metric.WithDescription("Time from event creation to broker acknowledgement."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	return &m, nil
}

// Published counts one acknowledged event of eventType created at createdAt.
func (m *Outbox) Published(ctx context.Context, eventType string, createdAt time.Time) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.published.Add(ctx, 1, attrs)
	m.latency.Record(ctx, time.Since(createdAt).Seconds(), attrs)
}

// Failed counts one event moved to publish_failed.
func (m *Outbox) Failed(ctx context.Context, eventType string, permanent bool) {
	m.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("permanent", permanent),
	))
}

// Retried counts one transient failure scheduled for retry.
func (m *Outbox) Retried(ctx context.Context, eventType string) {
	m.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// Recovered counts records released by the recovery sweep.
func (m *Outbox) Recovered(ctx context.Context, n int64) {
	if n > 0 {
		m.recovered.Add(ctx, n)
	}
}

// EventBus records subscriber-side activity.
type EventBus struct {
	handlerFailures metric.Int64Counter
	deadLettered    metric.Int64Counter
	duplicates      metric.Int64Counter
}

// NewEventBus creates the dispatcher instruments. A nil provider yields no-op instruments.
func NewEventBus(provider metric.MeterProvider) (*EventBus, error) {
	meter := meterFrom(provider)

	var (
		m   EventBus
		err error
	)

	if m.handlerFailures, err = meter.Int64Counter("eventbus.handler.failures",
		metric.WithDescription("Handler invocations that returned an error or panicked."),
		metric.WithUnit("{invocation}")); err != nil {
		return nil, err
	}

	if m.deadLettered, err = meter.Int64Counter("eventbus.events.deadlettered",
		metric.WithDescription("Envelopes dead-lettered for a handler."),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}

	if m.duplicates, err = meter.Int64Counter("eventbus.events.duplicates",
		metric.WithDescription("Handler invocations skipped because the inbox already recorded them."),
		metric.WithUnit("{invocation}")); err != nil {
		return nil, err
	}

	return &m, nil
}

// HandlerFailed counts one failed handler invocation.
func (m *EventBus) HandlerFailed(ctx context.Context, handler, eventType string) {
	m.handlerFailures.Add(ctx, 1, handlerAttrs(handler, eventType))
}

// DeadLettered counts one envelope dead-lettered for handler.
func (m *EventBus) DeadLettered(ctx context.Context, handler, eventType string) {
	m.deadLettered.Add(ctx, 1, handlerAttrs(handler, eventType))
}

// Duplicate counts one skipped handler invocation.
func (m *EventBus) Duplicate(ctx context.Context, handler, eventType string) {
	m.duplicates.Add(ctx, 1, handlerAttrs(handler, eventType))
}

func handlerAttrs(handler, eventType string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("event_type", eventType),
	)
}

func meterFrom(provider metric.MeterProvider) metric.Meter {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}

	return provider.Meter(meterName)
}
