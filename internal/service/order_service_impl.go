package service

import (
	"context"
	"fmt"

	"github.com/jnst/integration-event-outbox/internal/model"
	"github.com/jnst/integration-event-outbox/internal/repository"
)

// OrderServiceImpl implements OrderService for order management business logic.
type OrderServiceImpl struct {
	orderRepo   repository.OrderRepository
	outbox      OutboxWriter
	coordinator TransactionCoordinator
}

// NewOrderServiceImpl creates a new OrderService implementation.
func NewOrderServiceImpl(
	orderRepo repository.OrderRepository,
	outbox OutboxWriter,
	coordinator TransactionCoordinator,
) OrderService {
	return &OrderServiceImpl{
		orderRepo:   orderRepo,
		outbox:      outbox,
		coordinator: coordinator,
	}
}

// CreateOrder places an order and records OrderStarted and OrderStatusChangedToSubmitted
// in the same transaction.
func (s *OrderServiceImpl) CreateOrder(ctx context.Context, params *model.CreateOrderParams) (*model.Order, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var createdOrder *model.Order

	err := s.coordinator.RunInTransaction(ctx, func(ctx context.Context) error {
		order, err := s.orderRepo.Create(ctx, params)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		createdOrder = order

		if err := s.appendEvent(ctx, model.EventTypeOrderStarted, model.OrderStartedEvent{
			OrderID: order.ID,
			BuyerID: order.BuyerID,
		}); err != nil {
			return err
		}

		return s.appendEvent(ctx, model.EventTypeOrderStatusChangedToSubmitted, model.OrderStatusChangedEvent{
			OrderID:    order.ID,
			BuyerID:    order.BuyerID,
			Status:     order.Status,
			TotalCents: order.TotalCents,
		})
	})
	if err != nil {
		return nil, err
	}

	return createdOrder, nil
}

// CancelOrder cancels a submitted order and records OrderCancelled.
func (s *OrderServiceImpl) CancelOrder(ctx context.Context, id int64) (*model.Order, error) {
	var cancelledOrder *model.Order

	err := s.coordinator.RunInTransaction(ctx, func(ctx context.Context) error {
		order, err := s.orderRepo.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}

		if order.Status != model.OrderStatusSubmitted {
			return model.ErrOrderNotCancellable
		}

		order, err = s.orderRepo.UpdateStatus(ctx, id, model.OrderStatusCancelled)
		if err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}

		cancelledOrder = order

		return s.appendEvent(ctx, model.EventTypeOrderCancelled, model.OrderCancelledEvent{
			OrderID: order.ID,
			BuyerID: order.BuyerID,
		})
	})
	if err != nil {
		return nil, err
	}

	return cancelledOrder, nil
}

// GetOrder retrieves an order by ID.
func (s *OrderServiceImpl) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.orderRepo.GetByID(ctx, id)
}

func (s *OrderServiceImpl) appendEvent(ctx context.Context, eventType string, event any) error {
	if _, err := s.outbox.Append(ctx, eventType, event); err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}

	return nil
}
