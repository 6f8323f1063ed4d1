package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jnst/integration-event-outbox/internal/model"
	"github.com/jnst/integration-event-outbox/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	// ahead of the wall clock so freshly created envelopes are already due
	return &fakeClock{now: time.Now().UTC().Add(time.Minute)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeTx applies staged writes only when committed.
type fakeTx struct {
	pgx.Tx

	mu         sync.Mutex
	staged     []func()
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *fakeTx) stage(fn func()) {
	t.mu.Lock()
	t.staged = append(t.staged, fn)
	t.mu.Unlock()
}

func (t *fakeTx) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}

	t.mu.Lock()
	staged := t.staged
	t.committed = true
	t.mu.Unlock()

	for _, apply := range staged {
		apply()
	}

	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed {
		return pgx.ErrTxClosed
	}

	t.rolledBack = true
	t.staged = nil

	return nil
}

type fakeBeginner struct {
	mu        sync.Mutex
	txs       []*fakeTx
	commitErr error
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := &fakeTx{commitErr: b.commitErr}
	b.txs = append(b.txs, tx)

	return tx, nil
}

func (b *fakeBeginner) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.txs)
}

// write applies fn at commit when ctx carries a transaction and immediately otherwise.
func write(ctx context.Context, fn func()) {
	if tx, ok := repository.TxFrom(ctx); ok {
		tx.(*fakeTx).stage(fn)

		return
	}

	fn()
}

// memOutboxRepo is an in-memory OutboxRepository with the same visibility rules as the SQL one.
type memOutboxRepo struct {
	mu                sync.Mutex
	records           map[uuid.UUID]*model.OutboxRecord
	seq               []uuid.UUID
	clock             *fakeClock
	failedRetryWindow time.Duration
	appendErr         error
}

func newMemOutboxRepo(clock *fakeClock) *memOutboxRepo {
	return &memOutboxRepo{
		records:           make(map[uuid.UUID]*model.OutboxRecord),
		clock:             clock,
		failedRetryWindow: 10 * time.Minute,
	}
}

func (r *memOutboxRepo) Append(ctx context.Context, envelope *model.Envelope) (*model.OutboxRecord, error) {
	txID, ok := repository.TransactionID(ctx)
	if !ok {
		return nil, model.NewStorageError("append", model.ErrNoAmbientTransaction)
	}

	if r.appendErr != nil {
		return nil, model.NewStorageError("append", r.appendErr)
	}

	record := model.NewPendingRecord(envelope, txID)
	stored := *record

	write(ctx, func() {
		r.mu.Lock()
		r.records[stored.ID()] = &stored
		r.seq = append(r.seq, stored.ID())
		r.mu.Unlock()
	})

	return record, nil
}

// ordered returns the stored records by creation time. Callers hold r.mu.
func (r *memOutboxRepo) ordered() []*model.OutboxRecord {
	ordered := make([]*model.OutboxRecord, 0, len(r.seq))
	for _, id := range r.seq {
		ordered = append(ordered, r.records[id])
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Envelope.CreatedAt().Before(ordered[j].Envelope.CreatedAt())
	})

	return ordered
}

func deliverable(record *model.OutboxRecord, now time.Time) bool {
	retryable := record.State == model.OutboxStatePublishFailed && !record.PermanentFailure

	return (record.State == model.OutboxStatePending || retryable) && !record.NextAttemptAt.After(now)
}

func (r *memOutboxRepo) FetchPending(_ context.Context, limit int) ([]*model.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	ordered := r.ordered()

	var out []*model.OutboxRecord

	for i, record := range ordered {
		if len(out) == limit {
			break
		}

		if !deliverable(record, now) || heldBack(ordered[:i], record, now) {
			continue
		}

		clone := *record
		out = append(out, &clone)
	}

	return out, nil
}

// heldBack reports whether an earlier record of the same transaction is claimed or waiting to retry.
func heldBack(earlier []*model.OutboxRecord, record *model.OutboxRecord, now time.Time) bool {
	for _, prev := range earlier {
		if prev.TransactionID != record.TransactionID {
			continue
		}

		if prev.State == model.OutboxStateInFlight {
			return true
		}

		waiting := prev.State == model.OutboxStatePending ||
			(prev.State == model.OutboxStatePublishFailed && !prev.PermanentFailure)
		if waiting && prev.NextAttemptAt.After(now) {
			return true
		}
	}

	return false
}

func (r *memOutboxRepo) MarkInFlight(_ context.Context, id uuid.UUID, workerID string) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return 0, false, nil
	}

	now := r.clock.Now()
	ordered := r.ordered()

	var earlier []*model.OutboxRecord

	for _, candidate := range ordered {
		if candidate == record {
			break
		}

		earlier = append(earlier, candidate)
	}

	if !deliverable(record, now) || heldBack(earlier, record, now) {
		return 0, false, nil
	}

	record.State = model.OutboxStateInFlight
	record.Attempts++
	record.ClaimedAt = &now
	record.ClaimedBy = workerID

	return record.Attempts, true, nil
}

func (r *memOutboxRepo) transition(op string, id uuid.UUID, apply func(*model.OutboxRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok || record.State != model.OutboxStateInFlight {
		return model.NewStorageError(op, fmt.Errorf("%w: %s", model.ErrStaleTransition, id))
	}

	apply(record)
	record.ClaimedAt = nil
	record.ClaimedBy = ""

	return nil
}

func (r *memOutboxRepo) MarkPublished(_ context.Context, id uuid.UUID) error {
	return r.transition("mark published", id, func(record *model.OutboxRecord) {
		now := r.clock.Now()
		record.State = model.OutboxStatePublished
		record.PublishedAt = &now
		record.LastError = ""
	})
}

func (r *memOutboxRepo) MarkRetry(_ context.Context, id uuid.UUID, nextAttemptAt time.Time, reason error) error {
	return r.transition("mark retry", id, func(record *model.OutboxRecord) {
		record.State = model.OutboxStatePending
		record.NextAttemptAt = nextAttemptAt
		record.LastError = reason.Error()
	})
}

func (r *memOutboxRepo) MarkFailed(_ context.Context, id uuid.UUID, reason error) error {
	return r.transition("mark failed", id, func(record *model.OutboxRecord) {
		record.State = model.OutboxStatePublishFailed
		record.PermanentFailure = model.IsPermanent(reason)
		record.NextAttemptAt = r.clock.Now().Add(r.failedRetryWindow)
		record.LastError = reason.Error()
	})
}

func (r *memOutboxRepo) RequeueStale(_ context.Context, claimedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64

	for _, record := range r.records {
		if record.State != model.OutboxStateInFlight || record.ClaimedAt.After(claimedBefore) {
			continue
		}

		record.State = model.OutboxStatePending
		record.NextAttemptAt = r.clock.Now()
		record.ClaimedAt = nil
		record.ClaimedBy = ""
		record.LastError = "claim expired"
		n++
	}

	return n, nil
}

func (r *memOutboxRepo) GetByID(_ context.Context, id uuid.UUID) (*model.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return nil, model.ErrRecordNotFound
	}

	clone := *record

	return &clone, nil
}

func (r *memOutboxRepo) get(t *testing.T, id uuid.UUID) *model.OutboxRecord {
	t.Helper()

	record, err := r.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("record %s: %v", id, err)
	}

	return record
}

func (r *memOutboxRepo) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.records)
}

type memOrderRepo struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]model.Order
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[int64]model.Order)}
}

func (r *memOrderRepo) Create(ctx context.Context, params *model.CreateOrderParams) (*model.Order, error) {
	r.mu.Lock()
	r.nextID++
	order := model.Order{
		ID:         r.nextID,
		BuyerID:    params.BuyerID,
		Status:     model.OrderStatusSubmitted,
		ItemCount:  params.ItemCount(),
		TotalCents: params.Total(),
		CreatedAt:  time.Now().UTC(),
	}
	r.mu.Unlock()

	write(ctx, func() {
		r.mu.Lock()
		r.orders[order.ID] = order
		r.mu.Unlock()
	})

	return &order, nil
}

func (r *memOrderRepo) GetByID(_ context.Context, id int64) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, model.ErrOrderNotFound
	}

	return &order, nil
}

func (r *memOrderRepo) GetByIDForUpdate(ctx context.Context, id int64) (*model.Order, error) {
	return r.GetByID(ctx, id)
}

func (r *memOrderRepo) UpdateStatus(ctx context.Context, id int64, status model.OrderStatus) (*model.Order, error) {
	order, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	order.Status = status
	updated := *order

	write(ctx, func() {
		r.mu.Lock()
		r.orders[id] = updated
		r.mu.Unlock()
	})

	return order, nil
}

// fakePublisher records what it sent; fail decides the result per envelope.
type fakePublisher struct {
	mu   sync.Mutex
	sent []*model.Envelope
	fail func(envelope *model.Envelope) error
}

func (p *fakePublisher) Publish(_ context.Context, envelope *model.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fail != nil {
		if err := p.fail(envelope); err != nil {
			return err
		}
	}

	p.sent = append(p.sent, envelope)

	return nil
}

func (*fakePublisher) Close() error { return nil }

func (p *fakePublisher) sentTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := make([]string, 0, len(p.sent))
	for _, envelope := range p.sent {
		types = append(types, envelope.Type())
	}

	return types
}

func (p *fakePublisher) sentIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(p.sent))
	for _, envelope := range p.sent {
		ids = append(ids, envelope.ID())
	}

	return ids
}

type harness struct {
	clock    *fakeClock
	beginner *fakeBeginner
	outbox   *memOutboxRepo
	orders   *memOrderRepo
	broker   *fakePublisher
	writer   OutboxWriter
}

func newHarness() *harness {
	clock := newFakeClock()
	outbox := newMemOutboxRepo(clock)

	return &harness{
		clock:    clock,
		beginner: &fakeBeginner{},
		outbox:   outbox,
		orders:   newMemOrderRepo(),
		broker:   &fakePublisher{},
		writer:   NewOutboxWriterImpl(outbox),
	}
}

func (h *harness) coordinator(hook CommitHook) TransactionCoordinator {
	return NewTransactionCoordinatorImpl(repository.NewTransactionManagerFromBeginner(h.beginner), hook)
}

func (h *harness) publisher(cfg PublisherConfig) *OutboxServiceImpl {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-1"
	}

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}

	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
		cfg.BackoffMax = time.Minute
	}

	svc := NewOutboxServiceImpl(h.outbox, h.broker, nil, cfg, discardLogger()).(*OutboxServiceImpl)
	svc.now = h.clock.Now

	return svc
}

// appendAll appends one event per type in a single committed transaction.
func (h *harness) appendAll(t *testing.T, types ...string) []*model.OutboxRecord {
	t.Helper()

	var records []*model.OutboxRecord

	err := h.coordinator(nil).RunInTransaction(context.Background(), func(ctx context.Context) error {
		for _, eventType := range types {
			record, err := h.writer.Append(ctx, eventType, map[string]string{"type": eventType})
			if err != nil {
				return err
			}

			records = append(records, record)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	return records
}
