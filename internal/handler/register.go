package handler

import (
	"log/slog"

	"github.com/redis/rueidis"

	"github.com/jnst/integration-event-outbox/internal/eventbus"
	"github.com/jnst/integration-event-outbox/internal/model"
)

// Register subscribes the ordering subscribers to registry.
func Register(registry *eventbus.Registry, redisClient rueidis.Client, logger *slog.Logger) error {
	basket := NewBasketHandler(redisClient, logger)
	notification := NewNotificationHandler(logger)

	subscriptions := []struct {
		eventType string
		name      string
		handler   eventbus.Handler
	}{
		{model.EventTypeOrderStarted, BasketHandlerName, basket},
		{model.EventTypeOrderStarted, NotificationHandlerName, notification},
		{model.EventTypeOrderCancelled, NotificationHandlerName, notification},
	}

	for _, sub := range subscriptions {
		if err := registry.Subscribe(sub.eventType, sub.name, sub.handler); err != nil {
			return err
		}
	}

	return nil
}
