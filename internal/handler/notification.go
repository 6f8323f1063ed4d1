package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jnst/integration-event-outbox/internal/model"
)

// NotificationHandlerName identifies the notification subscriber.
const NotificationHandlerName = "notification.order-updates"

// NotificationHandler tells buyers about their orders. Delivery is a log line.
type NotificationHandler struct {
	logger *slog.Logger
}

// NewNotificationHandler creates a new notification handler instance.
func NewNotificationHandler(logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{logger: logger}
}

// Handle processes OrderStarted and OrderCancelled events.
func (h *NotificationHandler) Handle(_ context.Context, envelope *model.Envelope) error {
	var (
		orderID int64
		buyerID string
		message string
	)

	switch envelope.Type() {
	case model.EventTypeOrderStarted:
		var event model.OrderStartedEvent
		if err := envelope.Decode(&event); err != nil {
			return err
		}

		orderID, buyerID, message = event.OrderID, event.BuyerID, "your order has been received"
	case model.EventTypeOrderCancelled:
		var event model.OrderCancelledEvent
		if err := envelope.Decode(&event); err != nil {
			return err
		}

		orderID, buyerID, message = event.OrderID, event.BuyerID, "your order has been cancelled"
	default:
		return fmt.Errorf("unexpected event type %q", envelope.Type())
	}

	h.logger.Info("sending order notification",
		slog.String("event_id", envelope.ID().String()),
		slog.Int64("order_id", orderID),
		slog.String("buyer_id", buyerID),
		slog.String("message", message),
	)

	return nil
}
