// Package handler provides the integration event subscribers hosted by cmd/consumer.
package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/rueidis"

	"github.com/jnst/integration-event-outbox/internal/model"
)

// BasketHandlerName identifies the basket subscriber in the inbox and dead letters.
const BasketHandlerName = "basket.clear-on-order-started"

// BasketKey returns the Redis key holding the basket of buyerID.
func BasketKey(buyerID string) string {
	return "basket:" + buyerID
}

// BasketHandler empties the buyer's basket once an order has been placed.
type BasketHandler struct {
	redisClient rueidis.Client
	logger      *slog.Logger
}

// NewBasketHandler creates a new basket handler instance.
func NewBasketHandler(redisClient rueidis.Client, logger *slog.Logger) *BasketHandler {
	return &BasketHandler{
		redisClient: redisClient,
		logger:      logger,
	}
}

// Handle processes OrderStarted events. Deleting an absent basket is not an error,
// so redelivery is harmless.
func (h *BasketHandler) Handle(ctx context.Context, envelope *model.Envelope) error {
	var event model.OrderStartedEvent
	if err := envelope.Decode(&event); err != nil {
		return err
	}

	if event.BuyerID == "" {
		return model.ErrInvalidBuyer
	}

	cmd := h.redisClient.B().Del().Key(BasketKey(event.BuyerID)).Build()

	removed, err := h.redisClient.Do(ctx, cmd).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to clear basket of buyer %s: %w", event.BuyerID, err)
	}

	h.logger.Info("basket cleared",
		slog.String("event_id", envelope.ID().String()),
		slog.Int64("order_id", event.OrderID),
		slog.String("buyer_id", event.BuyerID),
		slog.Bool("existed", removed > 0),
	)

	return nil
}
