package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/integration-event-outbox/internal/model"
)

func newOrderService(h *harness) OrderService {
	return NewOrderServiceImpl(h.orders, h.writer, h.coordinator(nil))
}

func validOrderParams() *model.CreateOrderParams {
	return &model.CreateOrderParams{
		BuyerID: "buyer-1",
		Items: []model.OrderItemParams{
			{ProductID: 1, Units: 2, UnitPriceCents: 1500},
			{ProductID: 7, Units: 1, UnitPriceCents: 999},
		},
	}
}

func TestCreateOrderAppendsEventsInOneTransaction(t *testing.T) {
	h := newHarness()
	svc := newOrderService(h)

	order, err := svc.CreateOrder(context.Background(), validOrderParams())
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusSubmitted, order.Status)
	assert.Equal(t, int64(3999), order.TotalCents)
	assert.Equal(t, 3, order.ItemCount)
	assert.Equal(t, 1, h.beginner.count())

	records, err := h.outbox.FetchPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, model.EventTypeOrderStarted, records[0].Envelope.Type())
	assert.Equal(t, model.EventTypeOrderStatusChangedToSubmitted, records[1].Envelope.Type())
	assert.Equal(t, records[0].TransactionID, records[1].TransactionID)

	var started model.OrderStartedEvent
	require.NoError(t, records[0].Envelope.Decode(&started))
	assert.Equal(t, model.OrderStartedEvent{OrderID: order.ID, BuyerID: "buyer-1"}, started)

	var submitted model.OrderStatusChangedEvent
	require.NoError(t, records[1].Envelope.Decode(&submitted))
	assert.Equal(t, model.OrderStatusSubmitted, submitted.Status)
	assert.Equal(t, int64(3999), submitted.TotalCents)
}

func TestCreateOrderValidation(t *testing.T) {
	tests := []struct {
		name   string
		params *model.CreateOrderParams
		want   error
	}{
		{
			name:   "missing buyer",
			params: &model.CreateOrderParams{Items: validOrderParams().Items},
			want:   model.ErrInvalidBuyer,
		},
		{
			name:   "no items",
			params: &model.CreateOrderParams{BuyerID: "buyer-1"},
			want:   model.ErrInvalidItems,
		},
		{
			name: "zero units",
			params: &model.CreateOrderParams{
				BuyerID: "buyer-1",
				Items:   []model.OrderItemParams{{ProductID: 1, Units: 0, UnitPriceCents: 100}},
			},
			want: model.ErrInvalidItems,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()

			_, err := newOrderService(h).CreateOrder(context.Background(), tt.params)

			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, h.beginner.count())
			assert.Zero(t, h.outbox.size())
		})
	}
}

func TestCancelOrder(t *testing.T) {
	h := newHarness()
	svc := newOrderService(h)

	order, err := svc.CreateOrder(context.Background(), validOrderParams())
	require.NoError(t, err)

	cancelled, err := svc.CancelOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)

	stored, err := svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, stored.Status)

	records, err := h.outbox.FetchPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, model.EventTypeOrderCancelled, records[2].Envelope.Type())

	// a second cancellation is refused and rolls back without a new event
	_, err = svc.CancelOrder(context.Background(), order.ID)

	var failed *model.TransactionFailedError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, model.ErrOrderNotCancellable)
	assert.Equal(t, 3, h.outbox.size())
}

func TestCancelOrderNotFound(t *testing.T) {
	h := newHarness()

	_, err := newOrderService(h).CancelOrder(context.Background(), 42)

	assert.ErrorIs(t, err, model.ErrOrderNotFound)
	assert.Zero(t, h.outbox.size())
}

func TestGetOrderNotFound(t *testing.T) {
	h := newHarness()

	_, err := newOrderService(h).GetOrder(context.Background(), 42)

	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}
