package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateOrderParamsTotals(t *testing.T) {
	params := &CreateOrderParams{
		BuyerID: "buyer-1",
		Items: []OrderItemParams{
			{ProductID: 1, Units: 2, UnitPriceCents: 1500},
			{ProductID: 2, Units: 3, UnitPriceCents: 10},
		},
	}

	assert.NoError(t, params.Validate())
	assert.Equal(t, int64(3030), params.Total())
	assert.Equal(t, 5, params.ItemCount())
}

func TestCreateOrderParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		params CreateOrderParams
		want   error
	}{
		{name: "blank buyer", params: CreateOrderParams{BuyerID: " ", Items: []OrderItemParams{{Units: 1, UnitPriceCents: 1}}}, want: ErrInvalidBuyer},
		{name: "no items", params: CreateOrderParams{BuyerID: "b"}, want: ErrInvalidItems},
		{name: "free item", params: CreateOrderParams{BuyerID: "b", Items: []OrderItemParams{{Units: 1}}}, want: ErrInvalidItems},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.params.Validate(), tt.want)
		})
	}
}

func TestDeliveryOutcomeString(t *testing.T) {
	assert.Equal(t, "ack", DeliveryAck.String())
	assert.Equal(t, "requeue", DeliveryRequeue.String())
	assert.Equal(t, "reject", DeliveryReject.String())
	assert.Equal(t, "unknown", DeliveryOutcome(9).String())
}
