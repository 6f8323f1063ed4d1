package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/integration-event-outbox/internal/model"
)

type fakeChannel struct {
	mu        sync.Mutex
	confirms  chan amqp.Confirmation
	closes    chan *amqp.Error
	published []amqp.Publishing
	exchanges []string
	respond   bool
	ack       bool
	declErr   error
	tag       uint64
	closed    bool
}

func (f *fakeChannel) Confirm(bool) error { return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c

	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closes = c

	return c
}

func (f *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.declErr != nil {
		return f.declErr
	}

	f.exchanges = append(f.exchanges, name)

	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, msg)

	if f.respond {
		f.tag++
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: f.ack}
	}

	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRabbitMQPublisherConfirmed(t *testing.T) {
	ch := &fakeChannel{respond: true, ack: true}
	p, err := NewRabbitMQPublisherWithFactory(func() (AMQPChannel, error) { return ch, nil }, time.Second)
	require.NoError(t, err)

	envelope := newEnvelope(t, "OrderStarted")
	require.NoError(t, p.Publish(context.Background(), envelope))
	require.NoError(t, p.Publish(context.Background(), newEnvelope(t, "OrderStarted")))

	assert.Equal(t, []string{"events.OrderStarted"}, ch.exchanges, "exchange declared once")
	require.Len(t, ch.published, 2)

	msg := ch.published[0]
	assert.Equal(t, envelope.ID().String(), msg.MessageId)
	assert.Equal(t, "OrderStarted", msg.Type)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, envelope.Payload(), msg.Body)

	decoded, err := DecodeDelivery(amqp.Delivery{
		MessageId: msg.MessageId,
		Type:      msg.Type,
		Headers:   msg.Headers,
		Body:      msg.Body,
	})
	require.NoError(t, err)
	assert.Equal(t, envelope.ID(), decoded.ID())
	assert.True(t, envelope.CreatedAt().Equal(decoded.CreatedAt()))
}

func TestRabbitMQPublisherNackIsTransient(t *testing.T) {
	ch := &fakeChannel{respond: true, ack: false}
	p, err := NewRabbitMQPublisherWithFactory(func() (AMQPChannel, error) { return ch, nil }, time.Second)
	require.NoError(t, err)

	err = p.Publish(context.Background(), newEnvelope(t, "OrderStarted"))
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
	assert.ErrorIs(t, err, ErrPublishNacked)
}

func TestRabbitMQPublisherTimeoutReopensChannel(t *testing.T) {
	silent := &fakeChannel{}
	healthy := &fakeChannel{respond: true, ack: true}
	channels := []*fakeChannel{silent, healthy}
	opened := 0

	p, err := NewRabbitMQPublisherWithFactory(func() (AMQPChannel, error) {
		ch := channels[opened]
		opened++

		return ch, nil
	}, 20*time.Millisecond)
	require.NoError(t, err)

	err = p.Publish(context.Background(), newEnvelope(t, "OrderStarted"))
	require.ErrorIs(t, err, ErrConfirmTimeout)
	assert.True(t, model.IsTransient(err))

	require.NoError(t, p.Publish(context.Background(), newEnvelope(t, "OrderStarted")))
	assert.Equal(t, 2, opened)
	assert.True(t, silent.closed)
}

func TestRabbitMQPublisherInvalidTypeIsPermanent(t *testing.T) {
	ch := &fakeChannel{respond: true, ack: true}
	p, err := NewRabbitMQPublisherWithFactory(func() (AMQPChannel, error) { return ch, nil }, time.Second)
	require.NoError(t, err)

	err = p.Publish(context.Background(), newEnvelope(t, "Order Started"))
	require.Error(t, err)
	assert.True(t, model.IsPermanent(err))
	assert.Empty(t, ch.published)
}

func TestRabbitMQPublisherDeadLetter(t *testing.T) {
	ch := &fakeChannel{respond: true, ack: true}
	p, err := NewRabbitMQPublisherWithFactory(func() (AMQPChannel, error) { return ch, nil }, time.Second)
	require.NoError(t, err)

	require.NoError(t, p.DeadLetter(context.Background(), newEnvelope(t, "OrderStarted"), "basket", errors.New("boom")))

	require.Len(t, ch.published, 1)
	assert.Equal(t, "basket", ch.published[0].Headers[headerHandler])
	assert.Equal(t, "boom", ch.published[0].Headers[headerError])
	assert.Equal(t, []string{DeadLetterExchange}, ch.exchanges)
}

func TestRabbitMQPublisherClosed(t *testing.T) {
	ch := &fakeChannel{respond: true, ack: true}
	p, err := NewRabbitMQPublisherWithFactory(func() (AMQPChannel, error) { return ch, nil }, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	err = p.Publish(context.Background(), newEnvelope(t, "OrderStarted"))
	assert.ErrorIs(t, err, ErrPublisherClosed)
	assert.True(t, model.IsTransient(err))
}

type topologyCall struct {
	op, name, target string
	args             amqp.Table
}

type fakeTopology struct {
	calls []topologyCall
}

func (f *fakeTopology) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.calls = append(f.calls, topologyCall{op: "exchange", name: name, target: kind})

	return nil
}

func (f *fakeTopology) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.calls = append(f.calls, topologyCall{op: "queue", name: name, args: args})

	return amqp.Queue{Name: name}, nil
}

func (f *fakeTopology) QueueBind(name, _, exchange string, _ bool, _ amqp.Table) error {
	f.calls = append(f.calls, topologyCall{op: "bind", name: name, target: exchange})

	return nil
}

func TestDeclareConsumerTopology(t *testing.T) {
	topo := &fakeTopology{}

	require.NoError(t, DeclareConsumerTopology(topo, "ordering-subscribers", []string{"OrderStarted", "OrderCancelled"}))

	assert.Contains(t, topo.calls, topologyCall{op: "exchange", name: DeadLetterExchange, target: amqp.ExchangeFanout})
	assert.Contains(t, topo.calls, topologyCall{op: "bind", name: DeadLetterName, target: DeadLetterExchange})
	assert.Contains(t, topo.calls, topologyCall{op: "bind", name: "ordering-subscribers", target: "events.OrderStarted"})
	assert.Contains(t, topo.calls, topologyCall{op: "bind", name: "ordering-subscribers", target: "events.OrderCancelled"})

	for _, call := range topo.calls {
		if call.op == "queue" && call.name == "ordering-subscribers" {
			assert.Equal(t, DeadLetterExchange, call.args["x-dead-letter-exchange"])
		}
	}
}

type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	requeued []uint64
	rejected []uint64
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acked = append(f.acked, tag)

	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, _, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if requeue {
		f.requeued = append(f.requeued, tag)
	} else {
		f.rejected = append(f.rejected, tag)
	}

	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rejected = append(f.rejected, tag)

	return nil
}

func delivery(t *testing.T, ack amqp.Acknowledger, tag uint64, eventType string) amqp.Delivery {
	t.Helper()

	envelope := newEnvelope(t, eventType)

	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		MessageId:    envelope.ID().String(),
		Type:         envelope.Type(),
		Headers:      amqp.Table{headerCreatedAt: formatTime(envelope.CreatedAt())},
		Body:         envelope.Payload(),
	}
}

func TestServeDeliveriesSettlesByOutcome(t *testing.T) {
	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 4)
	deliveries <- delivery(t, ack, 1, "OrderStarted")
	deliveries <- delivery(t, ack, 2, "OrderCancelled")
	deliveries <- delivery(t, ack, 3, "Poison")
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 4, MessageId: "garbage", Body: []byte("x")}
	close(deliveries)

	handle := func(_ context.Context, envelope *model.Envelope) model.DeliveryOutcome {
		switch envelope.Type() {
		case "OrderStarted":
			return model.DeliveryAck
		case "OrderCancelled":
			return model.DeliveryRequeue
		default:
			return model.DeliveryReject
		}
	}

	err := serveDeliveries(context.Background(), deliveries, handle, 0, discardLogger())
	require.Error(t, err)

	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Equal(t, []uint64{2}, ack.requeued)
	assert.Equal(t, []uint64{3, 4}, ack.rejected)
}

func TestServeDeliveriesStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := serveDeliveries(ctx, make(chan amqp.Delivery), nil, 0, discardLogger())
	assert.NoError(t, err)
}
