// Package eventbus routes inbound integration events to their subscribers.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jnst/integration-event-outbox/internal/model"
)

var (
	// ErrHandlerRequired is returned when Subscribe receives a nil handler.
	ErrHandlerRequired = errors.New("handler is required")
	// ErrHandlerNameRequired is returned when Subscribe receives an empty handler name.
	ErrHandlerNameRequired = errors.New("handler name is required")
	// ErrDuplicateSubscription is returned when a handler name is already subscribed to a type.
	ErrDuplicateSubscription = errors.New("handler already subscribed to event type")
)

// Handler processes one integration event.
type Handler interface {
	Handle(ctx context.Context, envelope *model.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, envelope *model.Envelope) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, envelope *model.Envelope) error {
	return f(ctx, envelope)
}

type subscription struct {
	name    string
	handler Handler
}

// Registry maps event types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]subscription)}
}

// Subscribe registers handler under name for eventType. The name keys idempotency
// and dead-lettering, so it must be stable across deployments.
func (r *Registry) Subscribe(eventType, name string, handler Handler) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return model.ErrEventTypeRequired
	}

	if strings.TrimSpace(name) == "" {
		return ErrHandlerNameRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.handlers[eventType] {
		if sub.name == name {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateSubscription, eventType, name)
		}
	}

	r.handlers[eventType] = append(r.handlers[eventType], subscription{name: name, handler: handler})

	return nil
}

// Types returns the subscribed event types in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for eventType := range r.handlers {
		types = append(types, eventType)
	}

	sort.Strings(types)

	return types
}

func (r *Registry) subscriptions(eventType string) []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]subscription(nil), r.handlers[eventType]...)
}
