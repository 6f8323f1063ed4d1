package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jnst/integration-event-outbox/internal/model"
	"github.com/jnst/integration-event-outbox/internal/repository"
)

// OutboxWriterImpl implements OutboxWriter on top of the outbox repository.
type OutboxWriterImpl struct {
	outboxRepo repository.OutboxRepository
}

// NewOutboxWriterImpl creates a new OutboxWriter implementation.
func NewOutboxWriterImpl(outboxRepo repository.OutboxRepository) OutboxWriter {
	return &OutboxWriterImpl{outboxRepo: outboxRepo}
}

// Append implements OutboxWriter. Raw []byte and json.RawMessage events are stored as given.
func (w *OutboxWriterImpl) Append(ctx context.Context, eventType string, event any) (*model.OutboxRecord, error) {
	payload, err := encodeEvent(event)
	if err != nil {
		return nil, err
	}

	envelope, err := model.NewEnvelope(eventType, payload)
	if err != nil {
		return nil, err
	}

	record, err := w.outboxRepo.Append(ctx, envelope)
	if err != nil {
		return nil, err
	}

	if err := repository.Enlist(ctx, record); err != nil {
		return nil, err
	}

	return record, nil
}

func encodeEvent(event any) ([]byte, error) {
	switch raw := event.(type) {
	case []byte:
		return raw, nil
	case json.RawMessage:
		return raw, nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return payload, nil
}
