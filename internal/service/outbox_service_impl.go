package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/integration-event-outbox/internal/backoff"
	"github.com/jnst/integration-event-outbox/internal/broker"
	"github.com/jnst/integration-event-outbox/internal/metrics"
	"github.com/jnst/integration-event-outbox/internal/model"
	"github.com/jnst/integration-event-outbox/internal/repository"
)

// PublisherConfig tunes OutboxServiceImpl.
type PublisherConfig struct {
	WorkerID        string
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	LivenessTimeout time.Duration
}

// OutboxServiceImpl implements OutboxPublisher for processing outbox events.
type OutboxServiceImpl struct {
	outboxRepo repository.OutboxRepository
	publisher  broker.Publisher
	metrics    *metrics.Outbox
	cfg        PublisherConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewOutboxServiceImpl creates a new OutboxPublisher implementation.
func NewOutboxServiceImpl(
	outboxRepo repository.OutboxRepository,
	publisher broker.Publisher,
	m *metrics.Outbox,
	cfg PublisherConfig,
	logger *slog.Logger,
) OutboxPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	if m == nil {
		// no-op instruments never fail
		m, _ = metrics.NewOutbox(nil)
	}

	return &OutboxServiceImpl{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		metrics:    m,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ProcessPendingEvents publishes one batch of deliverable records.
func (s *OutboxServiceImpl) ProcessPendingEvents(ctx context.Context, limit int) (PublishResult, error) {
	records, err := s.outboxRepo.FetchPending(ctx, limit)
	if err != nil {
		return PublishResult{}, err
	}

	return s.publishRecords(ctx, records), nil
}

// PublishCommitted publishes the records of a transaction that just committed.
// Records already claimed by a poller are skipped.
func (s *OutboxServiceImpl) PublishCommitted(ctx context.Context, records []*model.OutboxRecord) PublishResult {
	return s.publishRecords(ctx, records)
}

// RecoverStaleEvents returns records whose claim outlived the liveness timeout to pending.
func (s *OutboxServiceImpl) RecoverStaleEvents(ctx context.Context) (int64, error) {
	n, err := s.outboxRepo.RequeueStale(ctx, s.now().Add(-s.cfg.LivenessTimeout))
	if err != nil {
		return 0, err
	}

	if n > 0 {
		s.metrics.Recovered(ctx, n)
		s.logger.Warn("requeued stale in-flight events", slog.Int64("count", n))
	}

	return n, nil
}

type publishOutcome int

const (
	outcomeSkipped publishOutcome = iota
	outcomePublished
	outcomeRetried
	outcomeFailed
)

func (s *OutboxServiceImpl) publishRecords(ctx context.Context, records []*model.OutboxRecord) PublishResult {
	result := PublishResult{Fetched: len(records)}

	// a transaction whose record did not go out keeps its later records for the next pass
	blocked := make(map[uuid.UUID]bool)

	for i, record := range records {
		if ctx.Err() != nil {
			result.Skipped += len(records) - i

			break
		}

		if blocked[record.TransactionID] {
			result.Skipped++

			continue
		}

		claimed, outcome := s.publishRecord(ctx, record)
		if claimed {
			result.Claimed++
		}

		switch outcome {
		case outcomePublished:
			result.Published++

			continue
		case outcomeRetried:
			result.Retried++
		case outcomeFailed:
			result.Failed++
		default:
			result.Skipped++
		}

		blocked[record.TransactionID] = true
	}

	return result
}

func (s *OutboxServiceImpl) publishRecord(ctx context.Context, record *model.OutboxRecord) (bool, publishOutcome) {
	log := s.logger.With(
		slog.String("event_id", record.ID().String()),
		slog.String("event_type", record.Envelope.Type()),
	)

	// attempts counts what the store recorded, not the possibly stale copy in hand
	attempt, claimed, err := s.outboxRepo.MarkInFlight(ctx, record.ID(), s.cfg.WorkerID)
	if err != nil {
		log.Error("failed to claim event", slog.String("error", err.Error()))

		return false, outcomeSkipped
	}

	if !claimed {
		log.Debug("event not claimable, already claimed or not due")

		return false, outcomeSkipped
	}

	publishErr := s.publisher.Publish(ctx, record.Envelope)

	// state changes after the broker call must land even when ctx was cancelled meanwhile
	markCtx := context.WithoutCancel(ctx)

	if publishErr == nil {
		if err := s.outboxRepo.MarkPublished(markCtx, record.ID()); err != nil {
			log.Error("event published but not marked, it will be published again",
				slog.String("error", err.Error()),
			)
		}

		s.metrics.Published(ctx, record.Envelope.Type(), record.Envelope.CreatedAt())
		log.Info("published event", slog.Int("attempt", attempt))

		return true, outcomePublished
	}

	if model.IsPermanent(publishErr) {
		s.markFailed(markCtx, log, record, attempt, publishErr, true)

		return true, outcomeFailed
	}

	if attempt >= s.cfg.MaxAttempts {
		s.markFailed(markCtx, log, record, attempt, model.Transient(publishErr), false)

		return true, outcomeFailed
	}

	delay := backoff.ExponentialWithJitter(s.cfg.BackoffBase, attempt-1, s.cfg.BackoffMax)

	if err := s.outboxRepo.MarkRetry(markCtx, record.ID(), s.now().Add(delay), publishErr); err != nil {
		log.Error("failed to schedule retry", slog.String("error", err.Error()))
	}

	s.metrics.Retried(ctx, record.Envelope.Type())
	log.Warn("publish failed, will retry",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", publishErr.Error()),
	)

	return true, outcomeRetried
}

func (s *OutboxServiceImpl) markFailed(
	ctx context.Context,
	log *slog.Logger,
	record *model.OutboxRecord,
	attempt int,
	reason error,
	permanent bool,
) {
	if err := s.outboxRepo.MarkFailed(ctx, record.ID(), reason); err != nil {
		log.Error("failed to mark event as failed", slog.String("error", err.Error()))
	}

	s.metrics.Failed(ctx, record.Envelope.Type(), permanent)
	log.Error("event could not be published",
		slog.Bool("permanent", permanent),
		slog.Int("attempt", attempt),
		slog.String("error", reason.Error()),
	)
}
