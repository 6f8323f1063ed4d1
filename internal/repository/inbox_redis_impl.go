package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"

	"github.com/jnst/integration-event-outbox/internal/eventbus"
)

const (
	inboxKeyPrefix = "inbox:"
	inboxDoneField = "done"
	inboxTryField  = "attempts"
	inboxErrField  = "last_error"
)

// InboxRedisImpl keeps handler progress in Redis hashes that expire after ttl.
type InboxRedisImpl struct {
	client rueidis.Client
	ttl    time.Duration
}

// NewInboxRedisImpl creates a Redis-backed eventbus.Inbox.
func NewInboxRedisImpl(client rueidis.Client, ttl time.Duration) eventbus.Inbox {
	return &InboxRedisImpl{client: client, ttl: ttl}
}

func inboxKey(handler string, eventID uuid.UUID) string {
	return inboxKeyPrefix + handler + ":" + eventID.String()
}

// IsProcessed reports whether handler already completed eventID.
func (r *InboxRedisImpl) IsProcessed(ctx context.Context, handler string, eventID uuid.UUID) (bool, error) {
	cmd := r.client.B().Hget().Key(inboxKey(handler, eventID)).Field(inboxDoneField).Build()

	value, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read inbox: %w", err)
	}

	return value == "1", nil
}

// MarkProcessed records that handler finished eventID.
func (r *InboxRedisImpl) MarkProcessed(ctx context.Context, handler string, eventID uuid.UUID) error {
	key := inboxKey(handler, eventID)

	results := r.client.DoMulti(ctx,
		r.client.B().Hset().Key(key).FieldValue().FieldValue(inboxDoneField, "1").Build(),
		r.client.B().Expire().Key(key).Seconds(r.ttlSeconds()).Build(),
	)

	for _, result := range results {
		if err := result.Error(); err != nil {
			return fmt.Errorf("failed to mark event processed: %w", err)
		}
	}

	return nil
}

// RecordFailure increments the attempt counter of handler for eventID and returns it.
func (r *InboxRedisImpl) RecordFailure(ctx context.Context, handler string, eventID uuid.UUID, cause error) (int, error) {
	key := inboxKey(handler, eventID)

	results := r.client.DoMulti(ctx,
		r.client.B().Hincrby().Key(key).Field(inboxTryField).Increment(1).Build(),
		r.client.B().Hset().Key(key).FieldValue().FieldValue(inboxErrField, errorText(cause)).Build(),
		r.client.B().Expire().Key(key).Seconds(r.ttlSeconds()).Build(),
	)

	for _, result := range results[1:] {
		if err := result.Error(); err != nil {
			return 0, fmt.Errorf("failed to record handler failure: %w", err)
		}
	}

	attempts, err := results[0].AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to record handler failure: %w", err)
	}

	return int(attempts), nil
}

func (r *InboxRedisImpl) ttlSeconds() int64 {
	seconds := int64(r.ttl / time.Second)
	if seconds <= 0 {
		return 1
	}

	return seconds
}
