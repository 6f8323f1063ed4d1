package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jnst/integration-event-outbox/internal/model"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type unitOfWorkKey struct{}

// unitOfWork is the ambient transaction carried by the context handed to WithTransaction callbacks.
type unitOfWork struct {
	tx pgx.Tx
	id uuid.UUID

	mu      sync.Mutex
	closed  bool
	records []*model.OutboxRecord
}

func withUnitOfWork(ctx context.Context, uow *unitOfWork) context.Context {
	return context.WithValue(ctx, unitOfWorkKey{}, uow)
}

func unitOfWorkFrom(ctx context.Context) (*unitOfWork, bool) {
	uow, ok := ctx.Value(unitOfWorkKey{}).(*unitOfWork)

	return uow, ok
}

func (u *unitOfWork) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.closed
}

func (u *unitOfWork) close() {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
}

// activeTx returns the open ambient transaction or an error explaining why there is none.
func activeTx(ctx context.Context) (*unitOfWork, error) {
	uow, ok := unitOfWorkFrom(ctx)
	if !ok {
		return nil, model.ErrNoAmbientTransaction
	}

	if uow.isClosed() {
		return nil, model.ErrTransactionClosed
	}

	return uow, nil
}

// TransactionID returns the identifier of the open transaction bound to ctx.
func TransactionID(ctx context.Context) (uuid.UUID, bool) {
	uow, err := activeTx(ctx)
	if err != nil {
		return uuid.Nil, false
	}

	return uow.id, true
}

// TxFrom returns the open transaction bound to ctx.
func TxFrom(ctx context.Context) (pgx.Tx, bool) {
	uow, err := activeTx(ctx)
	if err != nil {
		return nil, false
	}

	return uow.tx, true
}

// Enlist registers an appended record with the ambient transaction so it can be
// published right after commit.
func Enlist(ctx context.Context, record *model.OutboxRecord) error {
	uow, err := activeTx(ctx)
	if err != nil {
		return model.NewStorageError("enlist", err)
	}

	uow.mu.Lock()
	uow.records = append(uow.records, record)
	uow.mu.Unlock()

	return nil
}

// Enlisted returns the records registered with the ambient transaction, in append order.
func Enlisted(ctx context.Context) []*model.OutboxRecord {
	uow, ok := unitOfWorkFrom(ctx)
	if !ok {
		return nil
	}

	uow.mu.Lock()
	defer uow.mu.Unlock()

	return append([]*model.OutboxRecord(nil), uow.records...)
}

// conn picks the ambient transaction when one is open and fallback otherwise.
func conn(ctx context.Context, fallback querier) querier {
	if uow, err := activeTx(ctx); err == nil {
		return uow.tx
	}

	return fallback
}
