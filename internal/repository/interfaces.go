// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/integration-event-outbox/internal/model"
)

// OrderRepository defines methods for order data access.
type OrderRepository interface {
	Create(ctx context.Context, params *model.CreateOrderParams) (*model.Order, error)
	GetByID(ctx context.Context, id int64) (*model.Order, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*model.Order, error)
	UpdateStatus(ctx context.Context, id int64, status model.OrderStatus) (*model.Order, error)
}

// OutboxRepository is the durable store of integration events awaiting publication.
type OutboxRepository interface {
	// Append stores a pending record through the transaction bound to ctx.
	Append(ctx context.Context, envelope *model.Envelope) (*model.OutboxRecord, error)
	FetchPending(ctx context.Context, limit int) ([]*model.OutboxRecord, error)
	// MarkInFlight claims a record for workerID and returns its stored attempt count, this claim included.
	// It reports false when the record is not due, waits behind an earlier record of its transaction
	// or was claimed elsewhere.
	MarkInFlight(ctx context.Context, id uuid.UUID, workerID string) (int, bool, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, reason error) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason error) error
	// RequeueStale returns in_flight records claimed at or before claimedBefore to pending.
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.OutboxRecord, error)
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
