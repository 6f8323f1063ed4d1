package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxBeginner starts database transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TransactionManagerImpl implements TransactionManager using PostgreSQL.
type TransactionManagerImpl struct {
	db TxBeginner
}

// NewTransactionManagerImpl creates a new TransactionManager implementation.
func NewTransactionManagerImpl(pool *pgxpool.Pool) TransactionManager {
	return NewTransactionManagerFromBeginner(pool)
}

// NewTransactionManagerFromBeginner creates a TransactionManager on any TxBeginner.
func NewTransactionManagerFromBeginner(db TxBeginner) TransactionManager {
	return &TransactionManagerImpl{db: db}
}

// WithTransaction executes fn within a database transaction bound to the ctx passed to fn.
// A call made while a transaction is already open joins it.
func (tm *TransactionManagerImpl) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, open := TransactionID(ctx); open {
		return fn(ctx)
	}

	tx, err := tm.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	uow := &unitOfWork{tx: tx, id: uuid.New()}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			uow.close()
			panic(p)
		}
	}()

	if err := fn(withUnitOfWork(ctx, uow)); err != nil {
		rollbackErr := tx.Rollback(context.WithoutCancel(ctx))
		uow.close()

		if rollbackErr != nil {
			return fmt.Errorf("transaction failed: %w, rollback failed: %v", err, rollbackErr)
		}

		return err
	}

	commitErr := tx.Commit(ctx)
	uow.close()

	if commitErr != nil {
		if rollbackErr := tx.Rollback(context.WithoutCancel(ctx)); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			return fmt.Errorf("commit failed: %w, rollback failed: %v", commitErr, rollbackErr)
		}

		return fmt.Errorf("failed to commit transaction: %w", commitErr)
	}

	return nil
}
