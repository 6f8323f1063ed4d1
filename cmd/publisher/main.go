// Package main provides the outbox publisher that relays committed integration events to the broker.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/rueidis"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/integration-event-outbox/internal/broker"
	"github.com/jnst/integration-event-outbox/internal/config"
	"github.com/jnst/integration-event-outbox/internal/logger"
	"github.com/jnst/integration-event-outbox/internal/metrics"
	"github.com/jnst/integration-event-outbox/internal/migration"
	"github.com/jnst/integration-event-outbox/internal/repository"
	"github.com/jnst/integration-event-outbox/internal/service"
)

const (
	signalBufferSize = 1
	exitCode         = 1
	serviceName      = "outbox-publisher"
)

func setupDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	return dbPool, nil
}

// setupPublisherRedisClient returns nil unless the redis broker is selected.
func setupPublisherRedisClient(cfg *config.Config) (rueidis.Client, error) {
	if cfg.Broker != config.BrokerRedis {
		return nil, nil
	}

	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, err
	}

	return redisClient, nil
}

func setupPublisherSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping publisher")
		cancel()
	}()

	return ctx, cancel
}

func runPublisherLoop(
	ctx context.Context,
	outboxPublisher service.OutboxPublisher,
	pollInterval time.Duration,
	batchSize int,
) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("publisher stopped")
			return
		case <-ticker.C:
			// drain full batches back to back before waiting for the next tick
			for ctx.Err() == nil {
				result, err := outboxPublisher.ProcessPendingEvents(ctx, batchSize)
				if err != nil {
					slog.Error("error processing outbox events", slog.String("error", err.Error()))
					break
				}

				if result.Fetched > 0 {
					slog.Debug("processed outbox batch",
						slog.Int("fetched", result.Fetched),
						slog.Int("published", result.Published),
						slog.Int("retried", result.Retried),
						slog.Int("failed", result.Failed),
						slog.Int("skipped", result.Skipped),
					)
				}

				if result.Fetched < batchSize || result.Published == 0 {
					break
				}
			}
		}
	}
}

func runRecoverySweep(ctx context.Context, outboxPublisher service.OutboxPublisher, sweepInterval time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("recovery sweep stopped")
			return
		case <-ticker.C:
			if _, err := outboxPublisher.RecoverStaleEvents(ctx); err != nil {
				slog.Error("error recovering stale events", slog.String("error", err.Error()))
			}
		}
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	loggerInstance := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(loggerInstance)

	if cfg.MigrateOnStart {
		if err := migration.Up(cfg.DatabaseURL, loggerInstance); err != nil {
			slog.Error("failed to apply migrations", slog.String("error", err.Error()))
			os.Exit(exitCode)
		}
	}

	ctx, cancel := setupPublisherSignalHandling()
	defer cancel()

	meterProvider, shutdownMetrics, err := metrics.Setup(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		slog.Error("failed to set up metrics", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer func() { _ = shutdownMetrics(context.WithoutCancel(ctx)) }()

	outboxMetrics, err := metrics.NewOutbox(meterProvider)
	if err != nil {
		slog.Error("failed to create metrics", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	dbPool, err := setupDatabase(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer dbPool.Close()

	redisClient, err := setupPublisherRedisClient(cfg)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.String("error", err.Error()))
		return
	}

	if redisClient != nil {
		defer redisClient.Close()
	}

	publisher, err := broker.NewPublisher(cfg, redisClient, loggerInstance)
	if err != nil {
		slog.Error("failed to connect to broker", slog.String("broker", cfg.Broker), slog.String("error", err.Error()))
		return
	}
	defer publisher.Close()

	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool, cfg.Publisher.FailedRetryWindow)
	outboxPublisher := service.NewOutboxServiceImpl(outboxRepo, publisher, outboxMetrics, service.PublisherConfig{
		WorkerID:        cfg.Publisher.WorkerID,
		MaxAttempts:     cfg.Publisher.MaxAttempts,
		BackoffBase:     cfg.Publisher.BackoffBase,
		BackoffMax:      cfg.Publisher.BackoffMax,
		LivenessTimeout: cfg.Publisher.LivenessTimeout,
	}, loggerInstance)

	slog.Info("starting outbox publisher",
		slog.String("service", "publisher"),
		slog.String("broker", cfg.Broker),
		slog.String("worker_id", cfg.Publisher.WorkerID),
		slog.Duration("poll_interval", cfg.Publisher.PollInterval),
		slog.Int("batch_size", cfg.Publisher.BatchSize),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runPublisherLoop(gctx, outboxPublisher, cfg.Publisher.PollInterval, cfg.Publisher.BatchSize)
		return nil
	})

	g.Go(func() error {
		runRecoverySweep(gctx, outboxPublisher, cfg.Publisher.SweepInterval)
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("publisher exited with error", slog.String("error", err.Error()))
	}
}
