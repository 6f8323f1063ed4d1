package eventbus

import (
	"context"
	"log/slog"

	"github.com/jnst/integration-event-outbox/internal/model"
)

// DeadLetterSink receives envelopes a handler gave up on.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, envelope *model.Envelope, handler string, cause error) error
}

// LogDeadLetterSink only logs dead-lettered envelopes.
type LogDeadLetterSink struct {
	Logger *slog.Logger
}

// DeadLetter implements DeadLetterSink.
func (s LogDeadLetterSink) DeadLetter(_ context.Context, envelope *model.Envelope, handler string, cause error) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Error("event dead-lettered",
		slog.String("event_id", envelope.ID().String()),
		slog.String("event_type", envelope.Type()),
		slog.String("handler", handler),
		slog.String("error", cause.Error()),
	)

	return nil
}
