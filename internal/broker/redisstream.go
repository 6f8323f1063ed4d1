package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/integration-event-outbox/internal/backoff"
	"github.com/jnst/integration-event-outbox/internal/model"
)

const (
	streamPrefix        = "events:"
	deadLetterStream    = "events:dlq"
	redisReadCount      = 16
	redisBlockTimeout   = 1000 // milliseconds
	redisErrorRetryWait = time.Second
	fieldSourceID       = "source_id"
)

// StreamKey returns the Redis stream that carries eventType.
func StreamKey(eventType string) (string, error) {
	return Destination(streamPrefix, eventType)
}

// RedisStreamPublisher appends envelopes to one stream per event type.
type RedisStreamPublisher struct {
	client rueidis.Client
}

// NewRedisStreamPublisher creates a publisher on an existing client. The caller owns the client.
func NewRedisStreamPublisher(client rueidis.Client) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client}
}

// Publish implements Publisher. XADD returns only after Redis stored the entry.
func (p *RedisStreamPublisher) Publish(ctx context.Context, envelope *model.Envelope) error {
	if err := ValidateEnvelope(envelope); err != nil {
		return err
	}

	key, err := StreamKey(envelope.Type())
	if err != nil {
		return model.Permanent(err)
	}

	cmd := p.client.B().Xadd().Key(key).Id("*").
		FieldValue().FieldValue(fieldID, envelope.ID().String()).
		FieldValue(fieldType, envelope.Type()).
		FieldValue(fieldCreatedAt, formatTime(envelope.CreatedAt())).
		FieldValue(fieldPayload, string(envelope.Payload())).
		Build()

	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		return model.Transient(fmt.Errorf("failed to publish event %s to %s: %w", envelope.ID(), key, err))
	}

	return nil
}

// DeadLetter appends envelope to the dead-letter stream.
func (p *RedisStreamPublisher) DeadLetter(ctx context.Context, envelope *model.Envelope, handler string, cause error) error {
	cmd := p.client.B().Xadd().Key(deadLetterStream).Id("*").
		FieldValue().FieldValue(fieldID, envelope.ID().String()).
		FieldValue(fieldType, envelope.Type()).
		FieldValue(fieldCreatedAt, formatTime(envelope.CreatedAt())).
		FieldValue(fieldPayload, string(envelope.Payload())).
		FieldValue(fieldHandler, handler).
		FieldValue(fieldError, cause.Error()).
		Build()

	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to dead-letter event %s: %w", envelope.ID(), err)
	}

	return nil
}

// Close implements Publisher. The client is owned by the caller.
func (*RedisStreamPublisher) Close() error { return nil }

// RedisStreamConsumer reads the event streams through a consumer group.
type RedisStreamConsumer struct {
	client          rueidis.Client
	group           string
	consumer        string
	redeliveryDelay time.Duration
	claimMinIdle    time.Duration
	reclaimInterval time.Duration
	logger          *slog.Logger
}

// NewRedisStreamConsumer creates a consumer named consumer in group. Entries another
// member left unacknowledged for claimMinIdle are taken over every reclaimInterval.
func NewRedisStreamConsumer(
	client rueidis.Client,
	group, consumer string,
	redeliveryDelay, claimMinIdle, reclaimInterval time.Duration,
	logger *slog.Logger,
) *RedisStreamConsumer {
	return &RedisStreamConsumer{
		client:          client,
		group:           group,
		consumer:        consumer,
		redeliveryDelay: redeliveryDelay,
		claimMinIdle:    claimMinIdle,
		reclaimInterval: reclaimInterval,
		logger:          logger,
	}
}

// Consume implements Consumer. Entries this consumer read before a restart and
// never acknowledged are settled before new ones are read.
func (c *RedisStreamConsumer) Consume(ctx context.Context, eventTypes []string, handle HandleFunc) error {
	keys, err := c.prepare(ctx, eventTypes)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		<-ctx.Done()

		return nil
	}

	for _, key := range keys {
		if err := c.drainPending(ctx, key, handle); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			c.logger.Error("failed to drain pending entries", slog.String("stream", key), slog.String("error", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := c.poll(ctx, keys, handle); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			c.logger.Error("error consuming messages", slog.String("error", err.Error()))

			_ = backoff.Sleep(ctx, redisErrorRetryWait)
		}
	}
}

// Reclaim implements Reclaimer. It takes over entries that any member of the group
// read and left unacknowledged for longer than the claim idle time, and settles
// them the way Consume settles new ones.
func (c *RedisStreamConsumer) Reclaim(ctx context.Context, eventTypes []string, handle HandleFunc) error {
	keys, err := c.prepare(ctx, eventTypes)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		<-ctx.Done()

		return nil
	}

	// Consume drains this consumer's own entries at startup, so the first pass waits one interval.
	ticker := time.NewTicker(c.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, key := range keys {
			if err := c.reclaim(ctx, key, handle); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				c.logger.Error("failed to reclaim pending entries", slog.String("stream", key), slog.String("error", err.Error()))
			}
		}
	}
}

// Close implements Consumer. The client is owned by the caller.
func (*RedisStreamConsumer) Close() error { return nil }

// prepare resolves the stream of every event type and makes sure the group exists on it.
func (c *RedisStreamConsumer) prepare(ctx context.Context, eventTypes []string) ([]string, error) {
	keys := make([]string, 0, len(eventTypes))

	for _, eventType := range eventTypes {
		key, err := StreamKey(eventType)
		if err != nil {
			return nil, err
		}

		if err := c.createGroup(ctx, key); err != nil {
			return nil, err
		}

		keys = append(keys, key)
	}

	return keys, nil
}

func (c *RedisStreamConsumer) createGroup(ctx context.Context, key string) error {
	cmd := c.client.B().XgroupCreate().Key(key).Group(c.group).Id("0").Mkstream().Build()

	if err := c.client.Do(ctx, cmd).Error(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group on %s: %w", key, err)
	}

	return nil
}

// poll reads one batch and settles every entry in it.
func (c *RedisStreamConsumer) poll(ctx context.Context, keys []string, handle HandleFunc) error {
	ids := make([]string, len(keys))
	for i := range ids {
		ids[i] = ">"
	}

	cmd := c.client.B().Xreadgroup().Group(c.group, c.consumer).
		Count(redisReadCount).
		Block(redisBlockTimeout).
		Streams().
		Key(keys...).
		Id(ids...).
		Build()

	streams, err := c.client.Do(ctx, cmd).AsXRead()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil
		}

		return err
	}

	for key, entries := range streams {
		c.settleAll(ctx, key, entries, handle)
	}

	return nil
}

// drainPending re-reads the entries delivered to this consumer name and never acknowledged.
// Reading from an explicit ID never blocks and returns an empty batch once the list is exhausted.
func (c *RedisStreamConsumer) drainPending(ctx context.Context, key string, handle HandleFunc) error {
	after := "0"

	for {
		cmd := c.client.B().Xreadgroup().Group(c.group, c.consumer).
			Count(redisReadCount).
			Streams().
			Key(key).
			Id(after).
			Build()

		streams, err := c.client.Do(ctx, cmd).AsXRead()
		if err != nil {
			if rueidis.IsRedisNil(err) {
				return nil
			}

			return err
		}

		entries := streams[key]
		if len(entries) == 0 {
			return nil
		}

		c.logger.Info("redelivering pending entries",
			slog.String("stream", key),
			slog.String("consumer", c.consumer),
			slog.Int("count", len(entries)),
		)

		c.settleAll(ctx, key, entries, handle)

		after = entries[len(entries)-1].ID
	}
}

// reclaim moves idle pending entries of the group to this consumer with XAUTOCLAIM and settles them.
func (c *RedisStreamConsumer) reclaim(ctx context.Context, key string, handle HandleFunc) error {
	start := "0-0"
	minIdle := strconv.FormatInt(c.claimMinIdle.Milliseconds(), 10)

	for {
		cmd := c.client.B().Xautoclaim().Key(key).Group(c.group).Consumer(c.consumer).
			MinIdleTime(minIdle).
			Start(start).
			Count(redisReadCount).
			Build()

		reply, err := c.client.Do(ctx, cmd).ToArray()
		if err != nil {
			return fmt.Errorf("failed to claim pending entries on %s: %w", key, err)
		}

		if len(reply) < 2 {
			return fmt.Errorf("unexpected XAUTOCLAIM reply with %d elements", len(reply))
		}

		next, err := reply[0].ToString()
		if err != nil {
			return err
		}

		entries, err := claimedEntries(&reply[1])
		if err != nil {
			return err
		}

		if len(entries) > 0 {
			c.logger.Warn("reclaimed idle pending entries",
				slog.String("stream", key),
				slog.String("consumer", c.consumer),
				slog.Int("count", len(entries)),
			)

			c.settleAll(ctx, key, entries, handle)
		}

		if next == "0-0" || next == start {
			return nil
		}

		start = next
	}
}

// claimedEntries parses the entry list of an XAUTOCLAIM reply. Older servers report
// deleted entries as nil elements; those are dropped.
func claimedEntries(msg *rueidis.RedisMessage) ([]rueidis.XRangeEntry, error) {
	values, err := msg.ToArray()
	if err != nil {
		return nil, err
	}

	entries := make([]rueidis.XRangeEntry, 0, len(values))

	for i := range values {
		if values[i].IsNil() {
			continue
		}

		entry, err := values[i].AsXRangeEntry()
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (c *RedisStreamConsumer) settleAll(ctx context.Context, key string, entries []rueidis.XRangeEntry, handle HandleFunc) {
	for _, entry := range entries {
		if err := c.settle(ctx, key, entry, handle); err != nil {
			c.logger.Error("failed to settle stream entry",
				slog.String("stream", key),
				slog.String("message_id", entry.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *RedisStreamConsumer) settle(ctx context.Context, key string, entry rueidis.XRangeEntry, handle HandleFunc) error {
	// a pending entry whose body was trimmed from the stream has nothing left to deliver
	if entry.FieldValues == nil {
		return c.ack(ctx, key, entry.ID)
	}

	envelope, decodeErr := DecodeStreamEntry(entry)
	if decodeErr != nil {
		c.logger.Warn("moving undecodable entry to dead-letter stream",
			slog.String("stream", key),
			slog.String("message_id", entry.ID),
			slog.String("error", decodeErr.Error()),
		)

		if err := c.moveTo(ctx, deadLetterStream, entry, decodeErr); err != nil {
			return err
		}

		return c.ack(ctx, key, entry.ID)
	}

	switch handle(ctx, envelope) {
	case model.DeliveryAck:
		return c.ack(ctx, key, entry.ID)
	case model.DeliveryReject:
		if err := c.moveTo(ctx, deadLetterStream, entry, fmt.Errorf("rejected by consumer %s", c.consumer)); err != nil {
			return err
		}

		return c.ack(ctx, key, entry.ID)
	default:
		// re-add before acking so the entry is never lost
		_ = backoff.Sleep(ctx, c.redeliveryDelay)

		if err := c.moveTo(ctx, key, entry, nil); err != nil {
			return err
		}

		return c.ack(ctx, key, entry.ID)
	}
}

func (c *RedisStreamConsumer) moveTo(ctx context.Context, key string, entry rueidis.XRangeEntry, cause error) error {
	fv := c.client.B().Xadd().Key(key).Id("*").FieldValue().FieldValue(fieldSourceID, entry.ID)
	for _, field := range []string{fieldID, fieldType, fieldCreatedAt, fieldPayload} {
		if value, ok := entry.FieldValues[field]; ok {
			fv = fv.FieldValue(field, value)
		}
	}

	if cause != nil {
		fv = fv.FieldValue(fieldError, cause.Error())
	}

	if err := c.client.Do(ctx, fv.Build()).Error(); err != nil {
		return fmt.Errorf("failed to re-add entry %s to %s: %w", entry.ID, key, err)
	}

	return nil
}

func (c *RedisStreamConsumer) ack(ctx context.Context, key, id string) error {
	cmd := c.client.B().Xack().Key(key).Group(c.group).Id(id).Build()

	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to ACK message %s: %w", id, err)
	}

	return nil
}

// DecodeStreamEntry rebuilds the envelope carried by a stream entry.
func DecodeStreamEntry(entry rueidis.XRangeEntry) (*model.Envelope, error) {
	return decodeFields(
		entry.FieldValues[fieldID],
		entry.FieldValues[fieldType],
		entry.FieldValues[fieldCreatedAt],
		[]byte(entry.FieldValues[fieldPayload]),
	)
}
