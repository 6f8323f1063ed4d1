// Package service provides business logic layer implementations.
package service

import (
	"context"

	"github.com/jnst/integration-event-outbox/internal/model"
)

// OrderService defines business logic methods for order management.
type OrderService interface {
	CreateOrder(ctx context.Context, params *model.CreateOrderParams) (*model.Order, error)
	CancelOrder(ctx context.Context, id int64) (*model.Order, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
}

// OutboxWriter records integration events inside the caller's business transaction.
type OutboxWriter interface {
	// Append encodes event and stores it as a pending record. It must run inside RunInTransaction.
	Append(ctx context.Context, eventType string, event any) (*model.OutboxRecord, error)
}

// CommitHook receives the records of a transaction right after it committed.
type CommitHook func(ctx context.Context, records []*model.OutboxRecord)

// TransactionCoordinator runs a unit of work atomically with the outbox records it appends.
type TransactionCoordinator interface {
	RunInTransaction(ctx context.Context, work func(ctx context.Context) error) error
}

// PublishResult counts what happened to the records handled in one pass.
type PublishResult struct {
	Fetched   int
	Claimed   int
	Published int
	Retried   int
	Failed    int
	Skipped   int
}

// OutboxPublisher defines business logic methods for outbox event processing.
type OutboxPublisher interface {
	ProcessPendingEvents(ctx context.Context, limit int) (PublishResult, error)
	PublishCommitted(ctx context.Context, records []*model.OutboxRecord) PublishResult
	RecoverStaleEvents(ctx context.Context) (int64, error)
}
