// Package main provides the subscriber host that dispatches integration events to their handlers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/rueidis"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/integration-event-outbox/internal/broker"
	"github.com/jnst/integration-event-outbox/internal/config"
	"github.com/jnst/integration-event-outbox/internal/eventbus"
	"github.com/jnst/integration-event-outbox/internal/handler"
	"github.com/jnst/integration-event-outbox/internal/logger"
	"github.com/jnst/integration-event-outbox/internal/metrics"
	"github.com/jnst/integration-event-outbox/internal/migration"
	"github.com/jnst/integration-event-outbox/internal/model"
	"github.com/jnst/integration-event-outbox/internal/repository"
)

const (
	signalBufferSize = 1
	exitCode         = 1
	serviceName      = "ordering-subscribers"
)

func setupRedisClient(cfg *config.Config) (rueidis.Client, error) {
	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, err
	}

	return redisClient, nil
}

func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping consumer")
		cancel()
	}()

	return ctx, cancel
}

// setupInbox returns the configured inbox and a cleanup func.
func setupInbox(ctx context.Context, cfg *config.Config, redisClient rueidis.Client) (eventbus.Inbox, func(), error) {
	switch cfg.Consumer.InboxBackend {
	case config.InboxRedis:
		return repository.NewInboxRedisImpl(redisClient, cfg.Consumer.InboxTTL), func() {}, nil
	case config.InboxMemory:
		return eventbus.NewMemoryInbox(), func() {}, nil
	default:
		if cfg.MigrateOnStart {
			if err := migration.Up(cfg.DatabaseURL, slog.Default()); err != nil {
				return nil, nil, err
			}
		}

		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}

		return repository.NewInboxRepositoryImpl(dbPool), dbPool.Close, nil
	}
}

func dispatchFunc(dispatcher *eventbus.Dispatcher) broker.HandleFunc {
	return func(ctx context.Context, envelope *model.Envelope) model.DeliveryOutcome {
		report := dispatcher.Dispatch(ctx, envelope)

		slog.Debug("dispatched event",
			slog.String("event_id", envelope.ID().String()),
			slog.String("event_type", envelope.Type()),
			slog.String("outcome", report.Outcome.String()),
			slog.Any("handled", report.Handled),
			slog.Any("failed", report.Failed),
			slog.Any("dead_lettered", report.DeadLettered),
		)

		return report.Outcome
	}
}

func runConsumerLoop(ctx context.Context, consumer broker.Consumer, registry *eventbus.Registry, dispatcher *eventbus.Dispatcher) error {
	err := consumer.Consume(ctx, registry.Types(), dispatchFunc(dispatcher))

	slog.Info("consumer stopped")

	return err
}

// runReclaimLoop hands deliveries abandoned by crashed group members to this consumer.
func runReclaimLoop(ctx context.Context, reclaimer broker.Reclaimer, registry *eventbus.Registry, dispatcher *eventbus.Dispatcher) error {
	err := reclaimer.Reclaim(ctx, registry.Types(), dispatchFunc(dispatcher))

	slog.Info("reclaimer stopped")

	return err
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	loggerInstance := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(loggerInstance)

	ctx, cancel := setupSignalHandling()
	defer cancel()

	meterProvider, shutdownMetrics, err := metrics.Setup(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		slog.Error("failed to set up metrics", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer func() { _ = shutdownMetrics(context.WithoutCancel(ctx)) }()

	eventBusMetrics, err := metrics.NewEventBus(meterProvider)
	if err != nil {
		slog.Error("failed to create metrics", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	redisClient, err := setupRedisClient(cfg)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer redisClient.Close()

	inbox, closeInbox, err := setupInbox(ctx, cfg, redisClient)
	if err != nil {
		slog.Error("failed to set up inbox", slog.String("backend", cfg.Consumer.InboxBackend), slog.String("error", err.Error()))
		return
	}
	defer closeInbox()

	registry := eventbus.NewRegistry()
	if err := handler.Register(registry, redisClient, loggerInstance); err != nil {
		slog.Error("failed to register handlers", slog.String("error", err.Error()))
		return
	}

	consumer, deadLetters, err := broker.NewConsumer(cfg, redisClient, loggerInstance)
	if err != nil {
		slog.Error("failed to connect to broker", slog.String("broker", cfg.Broker), slog.String("error", err.Error()))
		return
	}
	defer consumer.Close()
	defer deadLetters.Close()

	dispatcher, err := eventbus.NewDispatcher(eventbus.DispatcherConfig{
		Registry:           registry,
		Inbox:              inbox,
		DeadLetters:        deadLetters,
		Metrics:            eventBusMetrics,
		Logger:             loggerInstance,
		MaxHandlerAttempts: cfg.Consumer.MaxHandlerAttempts,
	})
	if err != nil {
		slog.Error("failed to create dispatcher", slog.String("error", err.Error()))
		return
	}

	slog.Info("starting message consumer",
		slog.String("service", "consumer"),
		slog.String("broker", cfg.Broker),
		slog.String("group", cfg.Consumer.Service),
		slog.String("consumer", cfg.Consumer.Name),
		slog.String("inbox", cfg.Consumer.InboxBackend),
		slog.Any("event_types", registry.Types()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runConsumerLoop(gctx, consumer, registry, dispatcher)
	})

	if reclaimer, ok := consumer.(broker.Reclaimer); ok {
		g.Go(func() error {
			return runReclaimLoop(gctx, reclaimer, registry, dispatcher)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("consumer exited with error", slog.String("error", err.Error()))
	}
}
