package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/integration-event-outbox/internal/model"
)

const recordColumns = `id, event_type, payload, created_at, state, transaction_id, attempts,
	next_attempt_at, claimed_at, claimed_by, last_error, permanent_failure, published_at`

const (
	appendQuery = `INSERT INTO integration_event_log
	(id, event_type, payload, created_at, state, transaction_id, next_attempt_at)
VALUES ($1, $2, $3, $4, 'pending', $5, $4)`

	// Only a permanent failure releases the later records of its transaction.
	heldBackClause = `NOT EXISTS (
    SELECT 1 FROM integration_event_log prev
    WHERE prev.transaction_id = e.transaction_id
      AND (prev.created_at, prev.seq) < (e.created_at, e.seq)
      AND (prev.state = 'in_flight'
        OR (prev.state IN ('pending', 'publish_failed') AND NOT prev.permanent_failure AND prev.next_attempt_at > $1))
  )`

	// Earlier deliverable siblings sort ahead of a record in the same batch.
	fetchPendingQuery = `SELECT ` + recordColumns + `
FROM integration_event_log e
WHERE (e.state = 'pending' OR (e.state = 'publish_failed' AND NOT e.permanent_failure))
  AND e.next_attempt_at <= $1
  AND ` + heldBackClause + `
ORDER BY e.created_at, e.seq
LIMIT $2`

	// The claim re-checks due time and ordering so a stale copy of a record cannot skip its backoff.
	markInFlightQuery = `UPDATE integration_event_log e
SET state = 'in_flight', attempts = e.attempts + 1, claimed_at = $1, claimed_by = $3, updated_at = $1
WHERE e.id = $2
  AND e.state IN ('pending', 'publish_failed') AND NOT e.permanent_failure
  AND e.next_attempt_at <= $1
  AND ` + heldBackClause + `
RETURNING e.attempts`

	markPublishedQuery = `UPDATE integration_event_log
SET state = 'published', published_at = $2, last_error = '', updated_at = $2
WHERE id = $1 AND state = 'in_flight'`

	markRetryQuery = `UPDATE integration_event_log
SET state = 'pending', next_attempt_at = $2, last_error = $3, claimed_at = NULL, claimed_by = '', updated_at = $4
WHERE id = $1 AND state = 'in_flight'`

	markFailedQuery = `UPDATE integration_event_log
SET state = 'publish_failed', permanent_failure = $2, next_attempt_at = $3, last_error = $4,
    claimed_at = NULL, claimed_by = '', updated_at = $5
WHERE id = $1 AND state = 'in_flight'`

	requeueStaleQuery = `UPDATE integration_event_log
SET state = 'pending', next_attempt_at = $2, claimed_at = NULL, claimed_by = '',
    last_error = 'claim expired', updated_at = $2
WHERE state = 'in_flight' AND claimed_at <= $1`

	getRecordQuery = `SELECT ` + recordColumns + ` FROM integration_event_log WHERE id = $1`
)

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	db                querier
	failedRetryWindow time.Duration
	now               func() time.Time
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
// Records that exhaust their transient retries become eligible again after failedRetryWindow.
func NewOutboxRepositoryImpl(pool *pgxpool.Pool, failedRetryWindow time.Duration) OutboxRepository {
	return &OutboxRepositoryImpl{
		db:                pool,
		failedRetryWindow: failedRetryWindow,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Append inserts a pending record through the ambient transaction.
func (r *OutboxRepositoryImpl) Append(ctx context.Context, envelope *model.Envelope) (*model.OutboxRecord, error) {
	uow, err := activeTx(ctx)
	if err != nil {
		return nil, model.NewStorageError("append", err)
	}

	record := model.NewPendingRecord(envelope, uow.id)

	_, err = uow.tx.Exec(ctx, appendQuery,
		envelope.ID(),
		envelope.Type(),
		envelope.Payload(),
		envelope.CreatedAt(),
		uow.id,
	)
	if err != nil {
		return nil, model.NewStorageError("append", err)
	}

	return record, nil
}

// FetchPending returns deliverable records in creation order.
func (r *OutboxRepositoryImpl) FetchPending(ctx context.Context, limit int) ([]*model.OutboxRecord, error) {
	rows, err := conn(ctx, r.db).Query(ctx, fetchPendingQuery, r.now(), limit)
	if err != nil {
		return nil, model.NewStorageError("fetch pending", err)
	}
	defer rows.Close()

	records := make([]*model.OutboxRecord, 0, limit)

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, model.NewStorageError("fetch pending", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("fetch pending", err)
	}

	return records, nil
}

// MarkInFlight claims the record with a single conditional update and returns the stored attempt count.
func (r *OutboxRepositoryImpl) MarkInFlight(ctx context.Context, id uuid.UUID, workerID string) (int, bool, error) {
	var attempts int

	err := conn(ctx, r.db).QueryRow(ctx, markInFlightQuery, r.now(), id, workerID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}

		return 0, false, model.NewStorageError("mark in flight", err)
	}

	return attempts, true, nil
}

// MarkPublished records the broker acknowledgement.
func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, "mark published", id, markPublishedQuery, id, r.now())
}

// MarkRetry returns the record to pending until nextAttemptAt.
func (r *OutboxRepositoryImpl) MarkRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, reason error) error {
	return r.transition(ctx, "mark retry", id, markRetryQuery, id, nextAttemptAt.UTC(), errorText(reason), r.now())
}

// MarkFailed moves the record to publish_failed. Permanent failures are never picked up again.
func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id uuid.UUID, reason error) error {
	now := r.now()
	permanent := model.IsPermanent(reason)

	return r.transition(ctx, "mark failed", id, markFailedQuery,
		id, permanent, now.Add(r.failedRetryWindow), errorText(reason), now)
}

// RequeueStale releases claims older than claimedBefore.
func (r *OutboxRepositoryImpl) RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, requeueStaleQuery, claimedBefore.UTC(), r.now())
	if err != nil {
		return 0, model.NewStorageError("requeue stale", err)
	}

	return tag.RowsAffected(), nil
}

// GetByID loads one record.
func (r *OutboxRepositoryImpl) GetByID(ctx context.Context, id uuid.UUID) (*model.OutboxRecord, error) {
	record, err := scanRecord(conn(ctx, r.db).QueryRow(ctx, getRecordQuery, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrRecordNotFound
		}

		return nil, model.NewStorageError("get", err)
	}

	return record, nil
}

func (r *OutboxRepositoryImpl) transition(ctx context.Context, op string, id uuid.UUID, query string, args ...any) error {
	tag, err := conn(ctx, r.db).Exec(ctx, query, args...)
	if err != nil {
		return model.NewStorageError(op, err)
	}

	if tag.RowsAffected() == 0 {
		return model.NewStorageError(op, fmt.Errorf("%w: %s", model.ErrStaleTransition, id))
	}

	return nil
}

func scanRecord(row pgx.Row) (*model.OutboxRecord, error) {
	var (
		id            uuid.UUID
		eventType     string
		payload       []byte
		createdAt     time.Time
		state         string
		transactionID uuid.UUID
		record        model.OutboxRecord
	)

	err := row.Scan(
		&id,
		&eventType,
		&payload,
		&createdAt,
		&state,
		&transactionID,
		&record.Attempts,
		&record.NextAttemptAt,
		&record.ClaimedAt,
		&record.ClaimedBy,
		&record.LastError,
		&record.PermanentFailure,
		&record.PublishedAt,
	)
	if err != nil {
		return nil, err
	}

	envelope, err := model.RestoreEnvelope(id, createdAt, eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("corrupt outbox record %s: %w", id, err)
	}

	record.State, err = model.ParseOutboxState(state)
	if err != nil {
		return nil, err
	}

	record.Envelope = envelope
	record.TransactionID = transactionID

	return &record, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
