package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jnst/integration-event-outbox/internal/backoff"
	"github.com/jnst/integration-event-outbox/internal/model"
)

const (
	topicPrefix        = "events."
	kafkaMinBytes      = 1e3
	kafkaMaxBytes      = 10e6
	kafkaRedeliveryCap = 30 * time.Second
	kafkaBatchTimeout  = 10 * time.Millisecond
)

// TopicName returns the Kafka topic that carries eventType.
func TopicName(eventType string) (string, error) {
	return Destination(topicPrefix, eventType)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each event type to its own topic keyed by envelope id.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher that waits for all in-sync replicas.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           kafkaBatchTimeout,
		},
	}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, envelope *model.Envelope) error {
	if err := ValidateEnvelope(envelope); err != nil {
		return err
	}

	topic, err := TopicName(envelope.Type())
	if err != nil {
		return model.Permanent(err)
	}

	if err := p.writer.WriteMessages(ctx, envelopeMessage(topic, envelope)); err != nil {
		return classifyKafkaError(fmt.Errorf("failed to publish event %s to %s: %w", envelope.ID(), topic, err))
	}

	return nil
}

// DeadLetter writes envelope to the dead-letter topic with the failing handler and cause.
func (p *KafkaPublisher) DeadLetter(ctx context.Context, envelope *model.Envelope, handler string, cause error) error {
	msg := envelopeMessage(DeadLetterName, envelope)
	msg.Headers = append(msg.Headers,
		kafka.Header{Key: fieldHandler, Value: []byte(handler)},
		kafka.Header{Key: fieldError, Value: []byte(cause.Error())},
	)

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to dead-letter event %s: %w", envelope.ID(), err)
	}

	return nil
}

// Close implements Publisher.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func envelopeMessage(topic string, envelope *model.Envelope) kafka.Message {
	id := envelope.ID().String()

	return kafka.Message{
		Topic: topic,
		Key:   []byte(id),
		Value: envelope.Payload(),
		Time:  envelope.CreatedAt(),
		Headers: []kafka.Header{
			{Key: fieldID, Value: []byte(id)},
			{Key: fieldType, Value: []byte(envelope.Type())},
			{Key: fieldCreatedAt, Value: []byte(formatTime(envelope.CreatedAt()))},
		},
	}
}

var permanentKafkaErrors = []kafka.Error{
	kafka.MessageSizeTooLarge,
	kafka.InvalidTopic,
	kafka.InvalidMessage,
	kafka.InvalidMessageSize,
	kafka.TopicAuthorizationFailed,
}

func classifyKafkaError(err error) error {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, writeErr := range writeErrs {
			if writeErr != nil && isPermanentKafkaError(writeErr) {
				return model.Permanent(err)
			}
		}
	}

	if isPermanentKafkaError(err) {
		return model.Permanent(err)
	}

	return model.Transient(err)
}

func isPermanentKafkaError(err error) bool {
	for _, code := range permanentKafkaErrors {
		if errors.Is(err, code) {
			return true
		}
	}

	return false
}

// KafkaConsumer reads the event topics as one consumer group per service.
type KafkaConsumer struct {
	brokers         []string
	group           string
	redeliveryDelay time.Duration
	deadLetters     *KafkaPublisher
	logger          *slog.Logger
	newReader       func(topics []string) messageReader
	reader          messageReader
}

// NewKafkaConsumer creates a consumer for group. Undecodable messages go to deadLetters.
func NewKafkaConsumer(
	brokers []string,
	group string,
	redeliveryDelay time.Duration,
	deadLetters *KafkaPublisher,
	logger *slog.Logger,
) *KafkaConsumer {
	c := &KafkaConsumer{
		brokers:         brokers,
		group:           group,
		redeliveryDelay: redeliveryDelay,
		deadLetters:     deadLetters,
		logger:          logger,
	}

	c.newReader = func(topics []string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     c.brokers,
			GroupID:     c.group,
			GroupTopics: topics,
			MinBytes:    kafkaMinBytes,
			MaxBytes:    kafkaMaxBytes,
		})
	}

	return c
}

// Consume implements Consumer. Messages are committed only after the dispatcher
// acknowledged or rejected them; a requeued message is re-dispatched in place.
func (c *KafkaConsumer) Consume(ctx context.Context, eventTypes []string, handle HandleFunc) error {
	topics := make([]string, 0, len(eventTypes))

	for _, eventType := range eventTypes {
		topic, err := TopicName(eventType)
		if err != nil {
			return err
		}

		topics = append(topics, topic)
	}

	if len(topics) == 0 {
		<-ctx.Done()

		return nil
	}

	c.reader = c.newReader(topics)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if err := c.settle(ctx, msg, handle); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}
	}
}

func (c *KafkaConsumer) settle(ctx context.Context, msg kafka.Message, handle HandleFunc) error {
	envelope, decodeErr := DecodeKafkaMessage(msg)
	if decodeErr != nil {
		c.logger.Warn("dead-lettering undecodable message",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", decodeErr.Error()),
		)

		if err := c.deadLetterRaw(ctx, msg, decodeErr); err != nil {
			return err
		}

		return c.reader.CommitMessages(ctx, msg)
	}

	for attempt := 0; ; attempt++ {
		switch handle(ctx, envelope) {
		case model.DeliveryAck:
			return c.reader.CommitMessages(ctx, msg)
		case model.DeliveryReject:
			if err := c.deadLetters.DeadLetter(ctx, envelope, "", errors.New("rejected by consumer")); err != nil {
				return err
			}

			return c.reader.CommitMessages(ctx, msg)
		}

		if err := backoff.Sleep(ctx, backoff.ExponentialWithJitter(c.redeliveryDelay, attempt, kafkaRedeliveryCap)); err != nil {
			return err
		}
	}
}

func (c *KafkaConsumer) deadLetterRaw(ctx context.Context, msg kafka.Message, cause error) error {
	raw := kafka.Message{
		Topic:   DeadLetterName,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...), kafka.Header{Key: fieldError, Value: []byte(cause.Error())}),
	}

	if err := c.deadLetters.writer.WriteMessages(ctx, raw); err != nil {
		return fmt.Errorf("failed to dead-letter message at offset %d: %w", msg.Offset, err)
	}

	return nil
}

// Close implements Consumer.
func (c *KafkaConsumer) Close() error {
	if c.reader == nil {
		return nil
	}

	return c.reader.Close()
}

// DecodeKafkaMessage rebuilds the envelope carried by a Kafka message.
func DecodeKafkaMessage(msg kafka.Message) (*model.Envelope, error) {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	id := headers[fieldID]
	if id == "" {
		id = string(msg.Key)
	}

	return decodeFields(id, headers[fieldType], headers[fieldCreatedAt], msg.Value)
}
