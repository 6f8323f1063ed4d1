package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jnst/integration-event-outbox/internal/metrics"
	"github.com/jnst/integration-event-outbox/internal/model"
)

// DefaultMaxHandlerAttempts is used when DispatcherConfig leaves MaxHandlerAttempts unset.
const DefaultMaxHandlerAttempts = 5

// DispatchReport describes what happened to one envelope.
type DispatchReport struct {
	Outcome      model.DeliveryOutcome
	Handled      []string
	Skipped      []string
	Failed       []string
	DeadLettered []string
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registry           *Registry
	Inbox              Inbox
	DeadLetters        DeadLetterSink
	Metrics            *metrics.EventBus
	Logger             *slog.Logger
	MaxHandlerAttempts int
}

// Dispatcher invokes every subscribed handler for an envelope and decides
// whether the transport should acknowledge or redeliver it.
type Dispatcher struct {
	registry    *Registry
	inbox       Inbox
	deadLetters DeadLetterSink
	metrics     *metrics.EventBus
	logger      *slog.Logger
	maxAttempts int
}

// NewDispatcher creates a dispatcher. Nil inbox, sink or metrics fall back to
// in-memory, log-only and no-op implementations.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("dispatcher requires a registry")
	}

	d := &Dispatcher{
		registry:    cfg.Registry,
		inbox:       cfg.Inbox,
		deadLetters: cfg.DeadLetters,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxHandlerAttempts,
	}

	if d.logger == nil {
		d.logger = slog.Default()
	}

	if d.inbox == nil {
		d.inbox = NewMemoryInbox()
	}

	if d.deadLetters == nil {
		d.deadLetters = LogDeadLetterSink{Logger: d.logger}
	}

	if d.metrics == nil {
		m, err := metrics.NewEventBus(nil)
		if err != nil {
			return nil, err
		}

		d.metrics = m
	}

	if d.maxAttempts <= 0 {
		d.maxAttempts = DefaultMaxHandlerAttempts
	}

	return d, nil
}

// Dispatch runs the handlers subscribed to the envelope type. Handlers already
// recorded as done in the inbox are skipped, so a redelivered envelope only
// reaches the handlers that still owe work.
func (d *Dispatcher) Dispatch(ctx context.Context, envelope *model.Envelope) DispatchReport {
	subs := d.registry.subscriptions(envelope.Type())
	if len(subs) == 0 {
		d.logger.Debug("no handler for event type, dropping",
			slog.String("event_id", envelope.ID().String()),
			slog.String("event_type", envelope.Type()),
		)

		return DispatchReport{Outcome: model.DeliveryAck}
	}

	var report DispatchReport

	allDone := true

	for _, sub := range subs {
		switch d.runHandler(ctx, sub, envelope) {
		case handlerDone:
			report.Handled = append(report.Handled, sub.name)
		case handlerSkipped:
			report.Skipped = append(report.Skipped, sub.name)
		case handlerDeadLettered:
			report.DeadLettered = append(report.DeadLettered, sub.name)
		default:
			report.Failed = append(report.Failed, sub.name)
			allDone = false
		}
	}

	report.Outcome = model.DeliveryRequeue
	if allDone {
		report.Outcome = model.DeliveryAck
	}

	return report
}

type handlerResult int

const (
	handlerPending handlerResult = iota
	handlerDone
	handlerSkipped
	handlerDeadLettered
)

func (d *Dispatcher) runHandler(ctx context.Context, sub subscription, envelope *model.Envelope) handlerResult {
	log := d.logger.With(
		slog.String("event_id", envelope.ID().String()),
		slog.String("event_type", envelope.Type()),
		slog.String("handler", sub.name),
	)

	done, err := d.inbox.IsProcessed(ctx, sub.name, envelope.ID())
	if err != nil {
		log.Error("failed to read inbox", slog.String("error", err.Error()))

		return handlerPending
	}

	if done {
		d.metrics.Duplicate(ctx, sub.name, envelope.Type())
		log.Debug("handler already processed event, skipping")

		return handlerSkipped
	}

	handleErr := invoke(ctx, sub, envelope)
	if handleErr == nil {
		if err := d.inbox.MarkProcessed(ctx, sub.name, envelope.ID()); err != nil {
			log.Error("failed to mark event processed", slog.String("error", err.Error()))

			return handlerPending
		}

		return handlerDone
	}

	d.metrics.HandlerFailed(ctx, sub.name, envelope.Type())

	attempts, err := d.inbox.RecordFailure(ctx, sub.name, envelope.ID(), handleErr)
	if err != nil {
		log.Error("failed to record handler failure",
			slog.String("error", err.Error()),
			slog.String("cause", handleErr.Error()),
		)

		return handlerPending
	}

	if attempts < d.maxAttempts {
		log.Warn("handler failed, event will be redelivered",
			slog.Int("attempt", attempts),
			slog.String("error", handleErr.Error()),
		)

		return handlerPending
	}

	if err := d.deadLetters.DeadLetter(ctx, envelope, sub.name, handleErr); err != nil {
		log.Error("failed to dead-letter event", slog.String("error", err.Error()))

		return handlerPending
	}

	if err := d.inbox.MarkProcessed(ctx, sub.name, envelope.ID()); err != nil {
		log.Error("failed to mark dead-lettered event processed", slog.String("error", err.Error()))

		return handlerPending
	}

	d.metrics.DeadLettered(ctx, sub.name, envelope.Type())
	log.Error("handler exhausted attempts, event dead-lettered",
		slog.Int("attempts", attempts),
		slog.String("error", handleErr.Error()),
	)

	return handlerDeadLettered
}

func invoke(ctx context.Context, sub subscription, envelope *model.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &model.HandlerError{Handler: sub.name, EventID: envelope.ID(), Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	if err := sub.handler.Handle(ctx, envelope); err != nil {
		return &model.HandlerError{Handler: sub.name, EventID: envelope.ID(), Err: err}
	}

	return nil
}
