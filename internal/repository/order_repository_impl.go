package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/integration-event-outbox/internal/model"
)

const orderColumns = `id, buyer_id, status, item_count, total_cents, created_at`

// OrderRepositoryImpl implements OrderRepository using PostgreSQL.
type OrderRepositoryImpl struct {
	db querier
}

// NewOrderRepositoryImpl creates a new OrderRepository implementation.
func NewOrderRepositoryImpl(pool *pgxpool.Pool) OrderRepository {
	return &OrderRepositoryImpl{db: pool}
}

// Create creates a new order in submitted status.
func (r *OrderRepositoryImpl) Create(ctx context.Context, params *model.CreateOrderParams) (*model.Order, error) {
	row := conn(ctx, r.db).QueryRow(ctx,
		`INSERT INTO orders (buyer_id, status, item_count, total_cents)
VALUES ($1, $2, $3, $4)
RETURNING `+orderColumns,
		params.BuyerID, model.OrderStatusSubmitted, params.ItemCount(), params.Total(),
	)

	return scanOrder(row)
}

// GetByID retrieves an order by ID.
func (r *OrderRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Order, error) {
	return scanOrder(conn(ctx, r.db).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

// GetByIDForUpdate retrieves an order and locks its row until the ambient transaction ends.
func (r *OrderRepositoryImpl) GetByIDForUpdate(ctx context.Context, id int64) (*model.Order, error) {
	return scanOrder(conn(ctx, r.db).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

// UpdateStatus sets the order status.
func (r *OrderRepositoryImpl) UpdateStatus(ctx context.Context, id int64, status model.OrderStatus) (*model.Order, error) {
	row := conn(ctx, r.db).QueryRow(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING `+orderColumns,
		id, status,
	)

	return scanOrder(row)
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var order model.Order

	err := row.Scan(&order.ID, &order.BuyerID, &order.Status, &order.ItemCount, &order.TotalCents, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrOrderNotFound
		}

		return nil, err
	}

	return &order, nil
}
