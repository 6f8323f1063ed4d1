package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidBuyer is returned when the order buyer is empty.
	ErrInvalidBuyer = errors.New("buyer_id is required")
	// ErrInvalidItems is returned when an order has no items or an item is malformed.
	ErrInvalidItems = errors.New("order requires at least one item with positive units and price")
	// ErrOrderNotFound is returned when an order is not found in database.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotCancellable is returned when an order already left the submitted state.
	ErrOrderNotCancellable = errors.New("order cannot be cancelled in its current status")

	// ErrEnvelopeIDRequired is returned when an envelope has no identifier.
	ErrEnvelopeIDRequired = errors.New("envelope id is required")
	// ErrEnvelopeTimeRequired is returned when an envelope has no creation time.
	ErrEnvelopeTimeRequired = errors.New("envelope created_at is required")
	// ErrEventTypeRequired is returned when an event type is empty.
	ErrEventTypeRequired = errors.New("event type is required")
	// ErrPayloadRequired is returned when an envelope payload is empty.
	ErrPayloadRequired = errors.New("event payload is required")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("event payload exceeds maximum size")
	// ErrInvalidOutboxState is returned for unknown outbox states.
	ErrInvalidOutboxState = errors.New("invalid outbox state")

	// ErrNoAmbientTransaction is returned when an outbox append runs outside a transaction.
	ErrNoAmbientTransaction = errors.New("no ambient transaction in context")
	// ErrTransactionClosed is returned when the ambient transaction already committed or rolled back.
	ErrTransactionClosed = errors.New("ambient transaction already closed")
	// ErrRecordNotFound is returned when an outbox record does not exist.
	ErrRecordNotFound = errors.New("outbox record not found")
	// ErrStaleTransition is returned when a state update matched no row in the expected state.
	ErrStaleTransition = errors.New("outbox record not in expected state")
)

// StorageError reports an outbox persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("outbox storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError for op.
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// TransactionFailedError reports that a business unit of work rolled back.
type TransactionFailedError struct {
	TransactionID uuid.UUID
	Err           error
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("transaction %s failed: %v", e.TransactionID, e.Err)
}

func (e *TransactionFailedError) Unwrap() error { return e.Err }

// TransientPublishError reports a broker failure worth retrying.
type TransientPublishError struct {
	Err error
}

func (e *TransientPublishError) Error() string {
	return "transient publish failure: " + e.Err.Error()
}

func (e *TransientPublishError) Unwrap() error { return e.Err }

// PermanentPublishError reports a send failure that retrying cannot fix.
type PermanentPublishError struct {
	Err error
}

func (e *PermanentPublishError) Error() string {
	return "permanent publish failure: " + e.Err.Error()
}

func (e *PermanentPublishError) Unwrap() error { return e.Err }

// HandlerError reports a subscriber failure for one envelope.
type HandlerError struct {
	Handler string
	EventID uuid.UUID
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed for event %s: %v", e.Handler, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientPublishError unless it is already classified.
func Transient(err error) error {
	if err == nil || IsPermanent(err) || IsTransient(err) {
		return err
	}

	return &TransientPublishError{Err: err}
}

// Permanent wraps err as a PermanentPublishError unless it already is one.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}

	return &PermanentPublishError{Err: err}
}

// IsPermanent reports whether err carries a PermanentPublishError.
func IsPermanent(err error) bool {
	var permanent *PermanentPublishError

	return errors.As(err, &permanent)
}

// IsTransient reports whether err carries a TransientPublishError.
func IsTransient(err error) bool {
	var transient *TransientPublishError

	return errors.As(err, &transient)
}
