package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxState is the delivery state of an outbox record.
type OutboxState string

const (
	// OutboxStatePending means the record waits for a publish attempt.
	OutboxStatePending OutboxState = "pending"
	// OutboxStateInFlight means a worker claimed the record and is publishing it.
	OutboxStateInFlight OutboxState = "in_flight"
	// OutboxStatePublished means the broker acknowledged the record.
	OutboxStatePublished OutboxState = "published"
	// OutboxStatePublishFailed means retries were exhausted or the failure was permanent.
	OutboxStatePublishFailed OutboxState = "publish_failed"
)

// ParseOutboxState validates a raw state value read from storage.
func ParseOutboxState(raw string) (OutboxState, error) {
	state := OutboxState(raw)
	if !state.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOutboxState, raw)
	}

	return state, nil
}

// IsValid reports whether the state is part of the outbox lifecycle.
func (s OutboxState) IsValid() bool {
	switch s {
	case OutboxStatePending, OutboxStateInFlight, OutboxStatePublished, OutboxStatePublishFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s OutboxState) CanTransitionTo(next OutboxState) bool {
	switch s {
	case OutboxStatePending, OutboxStatePublishFailed:
		return next == OutboxStateInFlight
	case OutboxStateInFlight:
		return next == OutboxStatePublished || next == OutboxStatePending || next == OutboxStatePublishFailed
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s OutboxState) IsTerminal() bool {
	return s == OutboxStatePublished
}

func (s OutboxState) String() string {
	return string(s)
}

// OutboxRecord wraps an envelope with its delivery state.
type OutboxRecord struct {
	Envelope         *Envelope   `json:"envelope"`
	State            OutboxState `json:"state"`
	TransactionID    uuid.UUID   `json:"transaction_id"`
	Attempts         int         `json:"attempts"`
	NextAttemptAt    time.Time   `json:"next_attempt_at"`
	ClaimedAt        *time.Time  `json:"claimed_at,omitempty"`
	ClaimedBy        string      `json:"claimed_by,omitempty"`
	LastError        string      `json:"last_error,omitempty"`
	PermanentFailure bool        `json:"permanent_failure"`
	PublishedAt      *time.Time  `json:"published_at,omitempty"`
}

// ID returns the envelope identifier of the record.
func (r *OutboxRecord) ID() uuid.UUID {
	return r.Envelope.ID()
}

// NewPendingRecord creates the record appended inside a business transaction.
func NewPendingRecord(envelope *Envelope, transactionID uuid.UUID) *OutboxRecord {
	return &OutboxRecord{
		Envelope:      envelope,
		State:         OutboxStatePending,
		TransactionID: transactionID,
		NextAttemptAt: envelope.CreatedAt(),
	}
}
