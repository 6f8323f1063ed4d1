// Package model defines domain models and data structures.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes bounds the serialized size of an envelope payload.
const MaxPayloadBytes = 1 << 20

// Envelope is the immutable record of a published fact.
// Fields are unexported so an envelope cannot change after creation.
type Envelope struct {
	id        uuid.UUID
	createdAt time.Time
	eventType string
	payload   []byte
}

// NewEnvelope creates an envelope with a fresh identity and UTC creation time.
func NewEnvelope(eventType string, payload []byte) (*Envelope, error) {
	return RestoreEnvelope(uuid.New(), time.Now().UTC(), eventType, payload)
}

// RestoreEnvelope rebuilds an envelope from storage or from the wire.
func RestoreEnvelope(id uuid.UUID, createdAt time.Time, eventType string, payload []byte) (*Envelope, error) {
	if id == uuid.Nil {
		return nil, ErrEnvelopeIDRequired
	}

	if createdAt.IsZero() {
		return nil, ErrEnvelopeTimeRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	return &Envelope{
		id:        id,
		createdAt: createdAt.UTC(),
		eventType: eventType,
		payload:   append([]byte(nil), payload...),
	}, nil
}

// ID returns the globally unique envelope identifier.
func (e *Envelope) ID() uuid.UUID { return e.id }

// CreatedAt returns the UTC creation timestamp.
func (e *Envelope) CreatedAt() time.Time { return e.createdAt }

// Type returns the event type discriminator.
func (e *Envelope) Type() string { return e.eventType }

// Payload returns a copy of the serialized payload.
func (e *Envelope) Payload() []byte {
	return append([]byte(nil), e.payload...)
}

// PayloadSize returns the payload length without copying it.
func (e *Envelope) PayloadSize() int { return len(e.payload) }

// Decode unmarshals the JSON payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.eventType, err)
	}

	return nil
}

type envelopeJSON struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Payload   []byte    `json:"payload"`
}

// MarshalJSON encodes the envelope for diagnostics and APIs.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		ID:        e.id,
		Type:      e.eventType,
		CreatedAt: e.createdAt,
		Payload:   e.payload,
	})
}
