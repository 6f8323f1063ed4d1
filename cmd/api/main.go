// Package main provides the HTTP ordering API that records integration events through the outbox.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/rueidis"
	"go.opentelemetry.io/otel/metric"

	"github.com/jnst/integration-event-outbox/internal/broker"
	"github.com/jnst/integration-event-outbox/internal/config"
	"github.com/jnst/integration-event-outbox/internal/logger"
	"github.com/jnst/integration-event-outbox/internal/metrics"
	"github.com/jnst/integration-event-outbox/internal/migration"
	"github.com/jnst/integration-event-outbox/internal/model"
	"github.com/jnst/integration-event-outbox/internal/repository"
	"github.com/jnst/integration-event-outbox/internal/service"
)

const (
	contentTypeJSON        = "Content-Type"
	applicationJSON        = "application/json"
	failedToEncodeResponse = "failed to encode response"
	decimalBase            = 10
	int64BitSize           = 64
	exitCode               = 1
	readHeaderTimeout      = 5 * time.Second
	serviceName            = "ordering-api"
)

// APIServer handles HTTP requests for order management.
type APIServer struct {
	orderService service.OrderService
}

// NewAPIServer creates a new API server instance.
func NewAPIServer(orderService service.OrderService) *APIServer {
	return &APIServer{
		orderService: orderService,
	}
}

// Routes registers the API endpoints on a new mux.
func (s *APIServer) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", s.CreateOrder)
	mux.HandleFunc("/orders/get", s.GetOrder)
	mux.HandleFunc("/orders/cancel", s.CancelOrder)
	mux.HandleFunc("/health", s.HealthCheck)

	return mux
}

// CreateOrder handles POST /orders endpoint for placing an order.
func (s *APIServer) CreateOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var params model.CreateOrderParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	order, err := s.orderService.CreateOrder(r.Context(), &params)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// GetOrder handles GET /orders/get endpoint for order retrieval.
func (s *APIServer) GetOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := parseID(w, r)
	if !ok {
		return
	}

	order, err := s.orderService.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles POST /orders/cancel endpoint for order cancellation.
func (s *APIServer) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := parseID(w, r)
	if !ok {
		return
	}

	order, err := s.orderService.CancelOrder(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// HealthCheck handles GET /health endpoint for service health check.
func (*APIServer) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := r.URL.Query().Get("id")
	if idStr == "" {
		http.Error(w, "ID parameter is required", http.StatusBadRequest)
		return 0, false
	}

	id, err := strconv.ParseInt(idStr, decimalBase, int64BitSize)
	if err != nil {
		http.Error(w, "Invalid ID parameter", http.StatusBadRequest)
		return 0, false
	}

	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error(failedToEncodeResponse, slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidBuyer), errors.Is(err, model.ErrInvalidItems):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrOrderNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrOrderNotCancellable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("request failed", slog.String("error", err.Error()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// setupCommitHook returns the publish-on-commit hook and a cleanup func. Without
// PUBLISHER_PUBLISH_ON_COMMIT the hook is nil and events wait for cmd/publisher.
func setupCommitHook(
	cfg *config.Config,
	outboxRepo repository.OutboxRepository,
	meterProvider metric.MeterProvider,
	log *slog.Logger,
) (service.CommitHook, func(), error) {
	if !cfg.Publisher.PublishOnCommit {
		return nil, func() {}, nil
	}

	var redisClient rueidis.Client

	if cfg.Broker == config.BrokerRedis {
		client, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress: []string{cfg.RedisAddr},
		})
		if err != nil {
			return nil, nil, err
		}

		redisClient = client
	}

	publisher, err := broker.NewPublisher(cfg, redisClient, log)
	if err != nil {
		if redisClient != nil {
			redisClient.Close()
		}

		return nil, nil, err
	}

	outboxMetrics, err := metrics.NewOutbox(meterProvider)
	if err != nil {
		_ = publisher.Close()

		if redisClient != nil {
			redisClient.Close()
		}

		return nil, nil, err
	}

	outboxPublisher := service.NewOutboxServiceImpl(outboxRepo, publisher, outboxMetrics, service.PublisherConfig{
		WorkerID:        cfg.Publisher.WorkerID,
		MaxAttempts:     cfg.Publisher.MaxAttempts,
		BackoffBase:     cfg.Publisher.BackoffBase,
		BackoffMax:      cfg.Publisher.BackoffMax,
		LivenessTimeout: cfg.Publisher.LivenessTimeout,
	}, log)

	cleanup := func() {
		if err := publisher.Close(); err != nil {
			log.Warn("failed to close broker publisher", slog.String("error", err.Error()))
		}

		if redisClient != nil {
			redisClient.Close()
		}
	}

	return service.AsyncCommitHook(outboxPublisher, cfg.Publisher.ConfirmTimeout*2, log), cleanup, nil
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

	ctx := context.Background()

	meterProvider, shutdownMetrics, err := metrics.Setup(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		slog.Error("failed to set up metrics", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer func() { _ = shutdownMetrics(context.WithoutCancel(ctx)) }()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer dbPool.Close()

	orderRepo := repository.NewOrderRepositoryImpl(dbPool)
	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool, cfg.Publisher.FailedRetryWindow)
	transactionMgr := repository.NewTransactionManagerImpl(dbPool)

	commitHook, closePublisher, err := setupCommitHook(cfg, outboxRepo, meterProvider, loggerInstance)
	if err != nil {
		slog.Error("failed to connect to broker", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer closePublisher()

	coordinator := service.NewTransactionCoordinatorImpl(transactionMgr, commitHook)
	orderService := service.NewOrderServiceImpl(orderRepo, service.NewOutboxWriterImpl(outboxRepo), coordinator)

	server := NewAPIServer(orderService)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	slog.Info("starting API server",
		slog.String("service", "api"),
		slog.String("port", cfg.Port),
		slog.String("broker", cfg.Broker),
		slog.Bool("publish_on_commit", cfg.Publisher.PublishOnCommit),
	)

	if err := httpServer.ListenAndServe(); err != nil {
		slog.Error("failed to start server", slog.String("error", err.Error()))
		return
	}
}
