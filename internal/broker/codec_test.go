package broker

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/integration-event-outbox/internal/model"
)

func newEnvelope(t *testing.T, eventType string) *model.Envelope {
	t.Helper()

	envelope, err := model.NewEnvelope(eventType, []byte(`{"order_id":42,"buyer_id":"b-1"}`))
	require.NoError(t, err)

	return envelope
}

func TestDestination(t *testing.T) {
	name, err := Destination("events.", "OrderStarted")
	require.NoError(t, err)
	assert.Equal(t, "events.OrderStarted", name)

	for _, bad := range []string{"", "Order Started", "orders/started", strings.Repeat("x", 201)} {
		_, err := Destination("events.", bad)
		assert.ErrorIs(t, err, ErrInvalidDestination, bad)
	}
}

func TestValidateEnvelope(t *testing.T) {
	assert.NoError(t, ValidateEnvelope(newEnvelope(t, "OrderStarted")))

	err := ValidateEnvelope(nil)
	assert.True(t, model.IsPermanent(err))
}

func TestDecodeFields(t *testing.T) {
	original := newEnvelope(t, "OrderStarted")

	decoded, err := decodeFields(original.ID().String(), original.Type(), formatTime(original.CreatedAt()), original.Payload())
	require.NoError(t, err)
	assert.Equal(t, original.ID(), decoded.ID())
	assert.True(t, original.CreatedAt().Equal(decoded.CreatedAt()))
	assert.Equal(t, original.Payload(), decoded.Payload())

	_, err = decodeFields("not-a-uuid", "OrderStarted", formatTime(time.Now()), []byte("{}"))
	assert.Error(t, err)

	_, err = decodeFields(uuid.NewString(), "OrderStarted", "yesterday", []byte("{}"))
	assert.Error(t, err)

	_, err = decodeFields(uuid.NewString(), "OrderStarted", formatTime(time.Now()), nil)
	assert.ErrorIs(t, err, model.ErrPayloadRequired)
}
