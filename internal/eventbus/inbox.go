package eventbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Inbox remembers which handlers completed which envelopes and how often they failed.
type Inbox interface {
	IsProcessed(ctx context.Context, handler string, eventID uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, handler string, eventID uuid.UUID) error
	// RecordFailure returns the number of failed attempts including this one.
	RecordFailure(ctx context.Context, handler string, eventID uuid.UUID, cause error) (int, error)
}

type inboxKey struct {
	handler string
	eventID uuid.UUID
}

type inboxEntry struct {
	done     bool
	attempts int
}

// MemoryInbox is a process-local Inbox. Its state does not survive restarts.
type MemoryInbox struct {
	mu      sync.Mutex
	entries map[inboxKey]*inboxEntry
}

// NewMemoryInbox creates an empty in-memory inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{entries: make(map[inboxKey]*inboxEntry)}
}

// IsProcessed implements Inbox.
func (m *MemoryInbox) IsProcessed(_ context.Context, handler string, eventID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[inboxKey{handler, eventID}]

	return ok && entry.done, nil
}

// MarkProcessed implements Inbox.
func (m *MemoryInbox) MarkProcessed(_ context.Context, handler string, eventID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entry(handler, eventID).done = true

	return nil
}

// RecordFailure implements Inbox.
func (m *MemoryInbox) RecordFailure(_ context.Context, handler string, eventID uuid.UUID, _ error) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entry(handler, eventID)
	entry.attempts++

	return entry.attempts, nil
}

func (m *MemoryInbox) entry(handler string, eventID uuid.UUID) *inboxEntry {
	key := inboxKey{handler, eventID}

	entry, ok := m.entries[key]
	if !ok {
		entry = &inboxEntry{}
		m.entries[key] = entry
	}

	return entry
}
