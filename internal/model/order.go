package model

import (
	"strings"
	"time"
)

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	// OrderStatusSubmitted is the status of a newly placed order.
	OrderStatusSubmitted OrderStatus = "submitted"
	// OrderStatusCancelled is the status of a cancelled order.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order represents an order entity.
type Order struct {
	ID         int64       `json:"id"`
	BuyerID    string      `json:"buyer_id"`
	Status     OrderStatus `json:"status"`
	ItemCount  int         `json:"item_count"`
	TotalCents int64       `json:"total_cents"`
	CreatedAt  time.Time   `json:"created_at"`
}

// OrderItemParams is one basket line turned into an order line.
type OrderItemParams struct {
	ProductID      int64 `json:"product_id"`
	Units          int   `json:"units"`
	UnitPriceCents int64 `json:"unit_price_cents"`
}

// CreateOrderParams represents parameters for placing a new order.
type CreateOrderParams struct {
	BuyerID string            `json:"buyer_id"`
	Items   []OrderItemParams `json:"items"`
}

// Validate validates the create order parameters.
func (p *CreateOrderParams) Validate() error {
	if strings.TrimSpace(p.BuyerID) == "" {
		return ErrInvalidBuyer
	}

	if len(p.Items) == 0 {
		return ErrInvalidItems
	}

	for _, item := range p.Items {
		if item.Units <= 0 || item.UnitPriceCents <= 0 {
			return ErrInvalidItems
		}
	}

	return nil
}

// Total returns the order total in cents.
func (p *CreateOrderParams) Total() int64 {
	var total int64
	for _, item := range p.Items {
		total += int64(item.Units) * item.UnitPriceCents
	}

	return total
}

// ItemCount returns the number of units across all lines.
func (p *CreateOrderParams) ItemCount() int {
	count := 0
	for _, item := range p.Items {
		count += item.Units
	}

	return count
}

// Integration event types emitted by the ordering service.
const (
	EventTypeOrderStarted                  = "OrderStarted"
	EventTypeOrderStatusChangedToSubmitted = "OrderStatusChangedToSubmitted"
	EventTypeOrderCancelled                = "OrderCancelled"
)

// OrderStartedEvent is published when a buyer places an order.
type OrderStartedEvent struct {
	OrderID int64  `json:"order_id"`
	BuyerID string `json:"buyer_id"`
}

// OrderStatusChangedEvent is published when an order changes status.
type OrderStatusChangedEvent struct {
	OrderID    int64       `json:"order_id"`
	BuyerID    string      `json:"buyer_id"`
	Status     OrderStatus `json:"status"`
	TotalCents int64       `json:"total_cents"`
}

// OrderCancelledEvent is published when an order is cancelled.
type OrderCancelledEvent struct {
	OrderID int64  `json:"order_id"`
	BuyerID string `json:"buyer_id"`
}
