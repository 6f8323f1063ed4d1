package broker

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/integration-event-outbox/internal/model"
)

// Header and field names carrying envelope metadata.
const (
	fieldID        = "id"
	fieldType      = "type"
	fieldCreatedAt = "created_at"
	fieldPayload   = "payload"
	fieldHandler   = "handler"
	fieldError     = "error"
)

const maxDestinationLength = 200

var destinationPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Destination returns prefix+eventType when eventType is usable as an exchange, topic or stream name.
func Destination(prefix, eventType string) (string, error) {
	if len(eventType) == 0 || len(eventType) > maxDestinationLength || !destinationPattern.MatchString(eventType) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDestination, eventType)
	}

	return prefix + eventType, nil
}

// ValidateEnvelope rejects envelopes no broker can carry. The error is permanent.
func ValidateEnvelope(envelope *model.Envelope) error {
	if envelope == nil {
		return model.Permanent(fmt.Errorf("envelope is nil"))
	}

	if envelope.Type() == "" {
		return model.Permanent(model.ErrEventTypeRequired)
	}

	if envelope.PayloadSize() == 0 {
		return model.Permanent(model.ErrPayloadRequired)
	}

	if envelope.PayloadSize() > model.MaxPayloadBytes {
		return model.Permanent(model.ErrPayloadTooLarge)
	}

	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// decodeFields rebuilds an envelope from string metadata plus raw payload bytes.
func decodeFields(id, eventType, createdAt string, payload []byte) (*model.Envelope, error) {
	envelopeID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope id %q: %w", id, err)
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope created_at %q: %w", createdAt, err)
	}

	return model.RestoreEnvelope(envelopeID, created, eventType, payload)
}
