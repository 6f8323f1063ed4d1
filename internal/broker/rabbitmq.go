package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jnst/integration-event-outbox/internal/backoff"
	"github.com/jnst/integration-event-outbox/internal/model"
)

const (
	exchangePrefix       = "events."
	confirmBufferSize    = 1
	defaultConfirmWait   = 5 * time.Second
	headerHandler        = "x-handler"
	headerError          = "x-error"
	headerCreatedAt      = "x-created-at"
	contentTypeJSON      = "application/json"
	deadLetterQueueKey   = ""
	rabbitConsumerSuffix = "-consumer"
)

// AMQPChannel is the part of *amqp.Channel the publisher uses.
type AMQPChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelFactory opens a fresh channel after the previous one broke.
type ChannelFactory func() (AMQPChannel, error)

// RabbitMQPublisher publishes each event type to its own fanout exchange and
// waits for a publisher confirm before reporting success.
type RabbitMQPublisher struct {
	conn           *amqp.Connection
	openChannel    ChannelFactory
	confirmTimeout time.Duration

	mu       sync.Mutex
	ch       AMQPChannel
	confirms chan amqp.Confirmation
	closes   chan *amqp.Error
	declared map[string]bool
	broken   bool
	closed   bool
}

// NewRabbitMQPublisher dials url and opens a confirm-mode channel.
func NewRabbitMQPublisher(url string, confirmTimeout time.Duration) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	p, err := NewRabbitMQPublisherWithFactory(func() (AMQPChannel, error) {
		return conn.Channel()
	}, confirmTimeout)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	p.conn = conn

	return p, nil
}

// NewRabbitMQPublisherWithFactory builds a publisher on channels produced by openChannel.
func NewRabbitMQPublisherWithFactory(openChannel ChannelFactory, confirmTimeout time.Duration) (*RabbitMQPublisher, error) {
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmWait
	}

	p := &RabbitMQPublisher{
		openChannel:    openChannel,
		confirmTimeout: confirmTimeout,
	}

	if err := p.reopen(); err != nil {
		return nil, err
	}

	return p, nil
}

// reopen replaces the channel. Callers hold p.mu or own p exclusively.
func (p *RabbitMQPublisher) reopen() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}

	ch, err := p.openChannel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()

		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBufferSize))
	p.closes = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.declared = make(map[string]bool)
	p.broken = false

	return nil
}

// Publish implements Publisher.
func (p *RabbitMQPublisher) Publish(ctx context.Context, envelope *model.Envelope) error {
	if err := ValidateEnvelope(envelope); err != nil {
		return err
	}

	exchange, err := Destination(exchangePrefix, envelope.Type())
	if err != nil {
		return model.Permanent(err)
	}

	return p.publish(ctx, exchange, amqp.Publishing{
		MessageId:    envelope.ID().String(),
		Type:         envelope.Type(),
		Timestamp:    envelope.CreatedAt(),
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{headerCreatedAt: formatTime(envelope.CreatedAt())},
		Body:         envelope.Payload(),
	})
}

// DeadLetter publishes envelope to the dead-letter exchange with the failing handler and cause.
func (p *RabbitMQPublisher) DeadLetter(ctx context.Context, envelope *model.Envelope, handler string, cause error) error {
	return p.publish(ctx, DeadLetterExchange, amqp.Publishing{
		MessageId:    envelope.ID().String(),
		Type:         envelope.Type(),
		Timestamp:    envelope.CreatedAt(),
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Headers: amqp.Table{
			headerCreatedAt: formatTime(envelope.CreatedAt()),
			headerHandler:   handler,
			headerError:     cause.Error(),
		},
		Body: envelope.Payload(),
	})
}

func (p *RabbitMQPublisher) publish(ctx context.Context, exchange string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return model.Transient(ErrPublisherClosed)
	}

	if p.broken {
		if err := p.reopen(); err != nil {
			return model.Transient(err)
		}
	}

	if !p.declared[exchange] {
		if err := p.ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			p.broken = true

			return model.Transient(fmt.Errorf("failed to declare exchange %s: %w", exchange, err))
		}

		p.declared[exchange] = true
	}

	if err := p.ch.PublishWithContext(ctx, exchange, "", false, false, msg); err != nil {
		p.broken = true

		return model.Transient(fmt.Errorf("publish: %w", err))
	}

	err := p.waitForConfirm(ctx)
	if err != nil && !errors.Is(err, ErrPublishNacked) {
		// an unconsumed confirm would be read by the next publish
		p.broken = true
	}

	return model.Transient(err)
}

func (p *RabbitMQPublisher) waitForConfirm(ctx context.Context) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case amqpErr := <-p.closes:
		if amqpErr != nil {
			return fmt.Errorf("%w: %s", ErrPublisherClosed, amqpErr.Reason)
		}

		return ErrPublisherClosed
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close implements Publisher.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}

	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}

	return errors.Join(errs...)
}

// AMQPTopologyChannel declares exchanges, queues and bindings.
type AMQPTopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareConsumerTopology declares the dead-letter exchange and queue, one fanout
// exchange per event type and the service queue bound to all of them.
func DeclareConsumerTopology(ch AMQPTopologyChannel, queue string, eventTypes []string) error {
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(DeadLetterName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(DeadLetterName, deadLetterQueueKey, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DeadLetterExchange,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	for _, eventType := range eventTypes {
		exchange, err := Destination(exchangePrefix, eventType)
		if err != nil {
			return err
		}

		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}

		if err := ch.QueueBind(queue, "", exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", queue, exchange, err)
		}
	}

	return nil
}

// RabbitMQConsumer reads the service queue with manual acknowledgements.
type RabbitMQConsumer struct {
	conn            *amqp.Connection
	ch              *amqp.Channel
	queue           string
	prefetch        int
	redeliveryDelay time.Duration
	logger          *slog.Logger
}

// NewRabbitMQConsumer dials url for the consuming service queue.
func NewRabbitMQConsumer(url, queue string, prefetch int, redeliveryDelay time.Duration, logger *slog.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &RabbitMQConsumer{
		conn:            conn,
		ch:              ch,
		queue:           queue,
		prefetch:        prefetch,
		redeliveryDelay: redeliveryDelay,
		logger:          logger,
	}, nil
}

// Consume implements Consumer.
func (c *RabbitMQConsumer) Consume(ctx context.Context, eventTypes []string, handle HandleFunc) error {
	if err := DeclareConsumerTopology(c.ch, c.queue, eventTypes); err != nil {
		return err
	}

	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, c.queue+rabbitConsumerSuffix, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}

	return serveDeliveries(ctx, deliveries, handle, c.redeliveryDelay, c.logger)
}

// Close implements Consumer.
func (c *RabbitMQConsumer) Close() error {
	return errors.Join(c.ch.Close(), c.conn.Close())
}

func serveDeliveries(
	ctx context.Context,
	deliveries <-chan amqp.Delivery,
	handle HandleFunc,
	redeliveryDelay time.Duration,
	logger *slog.Logger,
) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}

				return errors.New("rabbitmq delivery channel closed")
			}

			if err := settleDelivery(ctx, delivery, handle, redeliveryDelay, logger); err != nil {
				logger.Error("failed to settle delivery",
					slog.String("message_id", delivery.MessageId),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func settleDelivery(
	ctx context.Context,
	delivery amqp.Delivery,
	handle HandleFunc,
	redeliveryDelay time.Duration,
	logger *slog.Logger,
) error {
	envelope, err := DecodeDelivery(delivery)
	if err != nil {
		logger.Warn("rejecting undecodable message",
			slog.String("message_id", delivery.MessageId),
			slog.String("error", err.Error()),
		)

		return delivery.Reject(false)
	}

	switch handle(ctx, envelope) {
	case model.DeliveryAck:
		return delivery.Ack(false)
	case model.DeliveryReject:
		return delivery.Reject(false)
	default:
		_ = backoff.Sleep(ctx, redeliveryDelay)

		return delivery.Nack(false, true)
	}
}

// DecodeDelivery rebuilds the envelope carried by an AMQP delivery.
func DecodeDelivery(delivery amqp.Delivery) (*model.Envelope, error) {
	createdAt, _ := delivery.Headers[headerCreatedAt].(string)
	if createdAt == "" && !delivery.Timestamp.IsZero() {
		createdAt = formatTime(delivery.Timestamp)
	}

	return decodeFields(delivery.MessageId, delivery.Type, createdAt, delivery.Body)
}
