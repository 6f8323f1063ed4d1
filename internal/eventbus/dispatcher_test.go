package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/integration-event-outbox/internal/model"
)

type deadLetter struct {
	eventID string
	handler string
	cause   error
}

type recordingSink struct {
	mu      sync.Mutex
	letters []deadLetter
	err     error
}

func (s *recordingSink) DeadLetter(_ context.Context, envelope *model.Envelope, handler string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	s.letters = append(s.letters, deadLetter{eventID: envelope.ID().String(), handler: handler, cause: cause})

	return nil
}

type countingHandler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *countingHandler) Handle(context.Context, *model.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls++

	return h.err
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.calls
}

func newEnvelope(t *testing.T, eventType string) *model.Envelope {
	t.Helper()

	envelope, err := model.NewEnvelope(eventType, []byte(`{"order_id":1}`))
	require.NoError(t, err)

	return envelope
}

func newTestDispatcher(t *testing.T, registry *Registry, sink DeadLetterSink, maxAttempts int) *Dispatcher {
	t.Helper()

	d, err := NewDispatcher(DispatcherConfig{
		Registry:           registry,
		Inbox:              NewMemoryInbox(),
		DeadLetters:        sink,
		MaxHandlerAttempts: maxAttempts,
	})
	require.NoError(t, err)

	return d
}

func TestDispatchUnknownTypeIsAcked(t *testing.T) {
	d := newTestDispatcher(t, NewRegistry(), nil, 3)

	report := d.Dispatch(context.Background(), newEnvelope(t, "SomethingNew"))

	assert.Equal(t, model.DeliveryAck, report.Outcome)
	assert.Empty(t, report.Handled)
}

func TestDispatchAllHandlersSucceed(t *testing.T) {
	registry := NewRegistry()
	h1, h2 := &countingHandler{}, &countingHandler{}
	require.NoError(t, registry.Subscribe("OrderStarted", "h1", h1))
	require.NoError(t, registry.Subscribe("OrderStarted", "h2", h2))

	d := newTestDispatcher(t, registry, nil, 3)
	envelope := newEnvelope(t, "OrderStarted")

	report := d.Dispatch(context.Background(), envelope)
	assert.Equal(t, model.DeliveryAck, report.Outcome)
	assert.Equal(t, []string{"h1", "h2"}, report.Handled)

	// duplicate delivery is a no-op
	report = d.Dispatch(context.Background(), envelope)
	assert.Equal(t, model.DeliveryAck, report.Outcome)
	assert.Equal(t, []string{"h1", "h2"}, report.Skipped)
	assert.Equal(t, 1, h1.count())
	assert.Equal(t, 1, h2.count())
}

func TestDispatchRetriesOnlyFailingHandlerThenDeadLetters(t *testing.T) {
	registry := NewRegistry()
	h1 := &countingHandler{}
	h2 := &countingHandler{err: errors.New("downstream unavailable")}
	require.NoError(t, registry.Subscribe("OrderStarted", "h1", h1))
	require.NoError(t, registry.Subscribe("OrderStarted", "h2", h2))

	sink := &recordingSink{}
	d := newTestDispatcher(t, registry, sink, 3)
	envelope := newEnvelope(t, "OrderStarted")
	ctx := context.Background()

	report := d.Dispatch(ctx, envelope)
	assert.Equal(t, model.DeliveryRequeue, report.Outcome)
	assert.Equal(t, []string{"h1"}, report.Handled)
	assert.Equal(t, []string{"h2"}, report.Failed)

	report = d.Dispatch(ctx, envelope)
	assert.Equal(t, model.DeliveryRequeue, report.Outcome)
	assert.Equal(t, []string{"h1"}, report.Skipped)

	report = d.Dispatch(ctx, envelope)
	assert.Equal(t, model.DeliveryAck, report.Outcome)
	assert.Equal(t, []string{"h2"}, report.DeadLettered)

	assert.Equal(t, 1, h1.count())
	assert.Equal(t, 3, h2.count())

	require.Len(t, sink.letters, 1)
	assert.Equal(t, "h2", sink.letters[0].handler)
	assert.Equal(t, envelope.ID().String(), sink.letters[0].eventID)

	var handlerErr *model.HandlerError
	require.ErrorAs(t, sink.letters[0].cause, &handlerErr)
	assert.Equal(t, "h2", handlerErr.Handler)

	// after dead-lettering the envelope is done for every handler
	report = d.Dispatch(ctx, envelope)
	assert.Equal(t, model.DeliveryAck, report.Outcome)
	assert.Equal(t, 3, h2.count())
}

func TestDispatchRecoversPanics(t *testing.T) {
	registry := NewRegistry()
	sibling := &countingHandler{}
	require.NoError(t, registry.Subscribe("OrderStarted", "panicky", HandlerFunc(func(context.Context, *model.Envelope) error {
		panic("boom")
	})))
	require.NoError(t, registry.Subscribe("OrderStarted", "sibling", sibling))

	sink := &recordingSink{}
	d := newTestDispatcher(t, registry, sink, 1)

	var report DispatchReport
	require.NotPanics(t, func() {
		report = d.Dispatch(context.Background(), newEnvelope(t, "OrderStarted"))
	})

	assert.Equal(t, model.DeliveryAck, report.Outcome)
	assert.Equal(t, []string{"panicky"}, report.DeadLettered)
	assert.Equal(t, 1, sibling.count())
	require.Len(t, sink.letters, 1)
	assert.Contains(t, sink.letters[0].cause.Error(), "panic: boom")
}

func TestDispatchRequeuesWhenDeadLetterFails(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Subscribe("OrderStarted", "h", &countingHandler{err: errors.New("nope")}))

	d := newTestDispatcher(t, registry, &recordingSink{err: errors.New("dlq down")}, 1)

	report := d.Dispatch(context.Background(), newEnvelope(t, "OrderStarted"))
	assert.Equal(t, model.DeliveryRequeue, report.Outcome)
	assert.Equal(t, []string{"h"}, report.Failed)
}

func TestNewDispatcherRequiresRegistry(t *testing.T) {
	_, err := NewDispatcher(DispatcherConfig{})
	assert.Error(t, err)
}
