package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/rueidis"

	"github.com/jnst/integration-event-outbox/internal/config"
	"github.com/jnst/integration-event-outbox/internal/model"
)

// DeadLetterPublisher publishes envelopes and parks the ones no handler could process.
type DeadLetterPublisher interface {
	Publisher
	DeadLetter(ctx context.Context, envelope *model.Envelope, handler string, cause error) error
}

// NewPublisher opens a connection to the configured broker and puts a circuit
// breaker in front of it. redisClient is used only for the redis broker.
func NewPublisher(cfg *config.Config, redisClient rueidis.Client, logger *slog.Logger) (*BreakerPublisher, error) {
	next, err := newDeadLetterPublisher(cfg, redisClient)
	if err != nil {
		return nil, err
	}

	return NewBreakerPublisher(next, BreakerSettings{
		Name:                cfg.Broker,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		HalfOpenRequests:    cfg.Breaker.HalfOpenRequests,
		Logger:              logger,
	}), nil
}

// NewConsumer creates the configured transport for cfg.Consumer.Service and the
// publisher its dead letters go through.
func NewConsumer(cfg *config.Config, redisClient rueidis.Client, logger *slog.Logger) (Consumer, DeadLetterPublisher, error) {
	deadLetters, err := newDeadLetterPublisher(cfg, redisClient)
	if err != nil {
		return nil, nil, err
	}

	var consumer Consumer

	switch cfg.Broker {
	case config.BrokerRabbitMQ:
		consumer, err = NewRabbitMQConsumer(
			cfg.RabbitMQURL,
			cfg.Consumer.Service,
			cfg.Consumer.Prefetch,
			cfg.Consumer.RedeliveryDelay,
			logger,
		)
	case config.BrokerRedis:
		consumer = NewRedisStreamConsumer(
			redisClient,
			cfg.Consumer.Service,
			cfg.Consumer.Name,
			cfg.Consumer.RedeliveryDelay,
			cfg.Consumer.ClaimMinIdle,
			cfg.Consumer.ReclaimInterval,
			logger,
		)
	case config.BrokerKafka:
		consumer = NewKafkaConsumer(
			cfg.KafkaBrokers,
			cfg.Consumer.Service,
			cfg.Consumer.RedeliveryDelay,
			deadLetters.(*KafkaPublisher),
			logger,
		)
	}

	if err != nil {
		_ = deadLetters.Close()

		return nil, nil, err
	}

	return consumer, deadLetters, nil
}

func newDeadLetterPublisher(cfg *config.Config, redisClient rueidis.Client) (DeadLetterPublisher, error) {
	switch cfg.Broker {
	case config.BrokerRabbitMQ:
		p, err := NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.Publisher.ConfirmTimeout)
		if err != nil {
			return nil, err
		}

		return p, nil
	case config.BrokerRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("broker %q requires a redis client", cfg.Broker)
		}

		return NewRedisStreamPublisher(redisClient), nil
	case config.BrokerKafka:
		return NewKafkaPublisher(cfg.KafkaBrokers), nil
	default:
		return nil, fmt.Errorf("unsupported broker %q", cfg.Broker)
	}
}
