package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/integration-event-outbox/internal/model"
	"github.com/jnst/integration-event-outbox/internal/repository"
)

// TransactionCoordinatorImpl implements TransactionCoordinator.
type TransactionCoordinatorImpl struct {
	transactionMgr repository.TransactionManager
	onCommit       CommitHook
}

// NewTransactionCoordinatorImpl creates a coordinator. onCommit may be nil, in which
// case committed records wait for the poller.
func NewTransactionCoordinatorImpl(transactionMgr repository.TransactionManager, onCommit CommitHook) TransactionCoordinator {
	return &TransactionCoordinatorImpl{
		transactionMgr: transactionMgr,
		onCommit:       onCommit,
	}
}

// RunInTransaction runs work in one database transaction. Records appended by work
// become visible together with the business writes, and only after commit are they
// handed to the commit hook. A call nested in an open transaction joins it and
// leaves commit handling to the outermost call.
func (c *TransactionCoordinatorImpl) RunInTransaction(ctx context.Context, work func(ctx context.Context) error) error {
	if _, open := repository.TransactionID(ctx); open {
		return work(ctx)
	}

	var (
		txID    uuid.UUID
		records []*model.OutboxRecord
	)

	err := c.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		txID, _ = repository.TransactionID(ctx)

		if err := work(ctx); err != nil {
			return err
		}

		records = repository.Enlisted(ctx)

		return nil
	})
	if err != nil {
		return &model.TransactionFailedError{TransactionID: txID, Err: err}
	}

	if c.onCommit != nil && len(records) > 0 {
		c.onCommit(context.WithoutCancel(ctx), records)
	}

	return nil
}

// AsyncCommitHook publishes committed records in the background, bounded by timeout.
// Records it cannot publish stay in the outbox for the poller.
func AsyncCommitHook(publisher OutboxPublisher, timeout time.Duration, logger *slog.Logger) CommitHook {
	return func(ctx context.Context, records []*model.OutboxRecord) {
		go func() {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			result := publisher.PublishCommitted(ctx, records)

			logger.Debug("published committed events",
				slog.Int("published", result.Published),
				slog.Int("retried", result.Retried),
				slog.Int("failed", result.Failed),
				slog.Int("skipped", result.Skipped),
			)
		}()
	}
}
