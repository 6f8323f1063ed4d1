package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/integration-event-outbox/internal/eventbus"
)

// InboxRepositoryImpl records handler progress in the processed_events table.
type InboxRepositoryImpl struct {
	db querier
}

// NewInboxRepositoryImpl creates a PostgreSQL-backed eventbus.Inbox.
func NewInboxRepositoryImpl(pool *pgxpool.Pool) eventbus.Inbox {
	return &InboxRepositoryImpl{db: pool}
}

// IsProcessed reports whether handler already completed eventID.
func (r *InboxRepositoryImpl) IsProcessed(ctx context.Context, handler string, eventID uuid.UUID) (bool, error) {
	var done bool

	err := r.db.QueryRow(ctx,
		`SELECT done FROM processed_events WHERE handler = $1 AND event_id = $2`,
		handler, eventID,
	).Scan(&done)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read inbox: %w", err)
	}

	return done, nil
}

// MarkProcessed records that handler finished eventID.
func (r *InboxRepositoryImpl) MarkProcessed(ctx context.Context, handler string, eventID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO processed_events (handler, event_id, done, processed_at)
VALUES ($1, $2, TRUE, NOW())
ON CONFLICT (handler, event_id)
DO UPDATE SET done = TRUE, processed_at = NOW(), updated_at = NOW()`,
		handler, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	return nil
}

// RecordFailure increments the attempt counter of handler for eventID and returns it.
func (r *InboxRepositoryImpl) RecordFailure(ctx context.Context, handler string, eventID uuid.UUID, cause error) (int, error) {
	var attempts int

	err := r.db.QueryRow(ctx,
		`INSERT INTO processed_events (handler, event_id, attempts, last_error)
VALUES ($1, $2, 1, $3)
ON CONFLICT (handler, event_id)
DO UPDATE SET attempts = processed_events.attempts + 1, last_error = EXCLUDED.last_error, updated_at = NOW()
RETURNING attempts`,
		handler, eventID, errorText(cause),
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to record handler failure: %w", err)
	}

	return attempts, nil
}
