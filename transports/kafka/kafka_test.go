package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
	"github.com/fulers-technologies/nesvel-sub010/messaging"
)

func TestNew(t *testing.T) {
	t.Run("is registered under the kafka kind", func(t *testing.T) {
		assert.Contains(t, messaging.Drivers(), "kafka")
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := New(messaging.DriverConfig{})
		require.Error(t, err)
		assert.ErrorIs(t, err, contracts.ErrNonRetryable)
	})

	t.Run("defaults the consumer group", func(t *testing.T) {
		d, err := New(messaging.DriverConfig{Endpoints: []string{"localhost:9092"}})
		require.NoError(t, err)
		assert.Equal(t, defaultGroup, d.group)
	})

	t.Run("builds disconnected", func(t *testing.T) {
		d, err := New(messaging.DriverConfig{
			Endpoints: []string{"localhost:9092"},
			Group:     "checkout",
		})
		require.NoError(t, err)

		pubErr := d.Publish(context.Background(), contracts.NewEnvelope("orders", []byte(`{}`)))
		assert.ErrorIs(t, pubErr, contracts.ErrTransport)

		_, subErr := d.Subscribe(context.Background(), "orders", func(context.Context, *contracts.Envelope) {}, nil)
		assert.ErrorIs(t, subErr, contracts.ErrTransport)
	})
}

func TestRequiredAcks(t *testing.T) {
	assert.Equal(t, sarama.NoResponse, requiredAcks(messaging.AckNone))
	assert.Equal(t, sarama.WaitForLocal, requiredAcks(messaging.AckLeader))
	assert.Equal(t, sarama.WaitForAll, requiredAcks(messaging.AckAll))
}

func TestCursorHandling(t *testing.T) {
	d, err := New(messaging.DriverConfig{Endpoints: []string{"localhost:9092"}})
	require.NoError(t, err)

	t.Run("ack requires a kafka cursor", func(t *testing.T) {
		err := d.Ack(context.Background(), contracts.NewEnvelope("orders", []byte(`{}`)))
		assert.ErrorIs(t, err, contracts.ErrTransport)
	})

	t.Run("nack requires a kafka cursor", func(t *testing.T) {
		err := d.Nack(context.Background(), contracts.NewEnvelope("orders", []byte(`{}`)), assert.AnError)
		assert.ErrorIs(t, err, contracts.ErrTransport)
	})
}

func TestDecodeRecord(t *testing.T) {
	t.Run("rebuilds the envelope from the record value", func(t *testing.T) {
		env := contracts.NewEnvelope("orders.created", []byte(`{"total":42}`))
		env.Headers.Set("tenant", "acme")
		body, err := env.Encode()
		require.NoError(t, err)

		decoded, err := decodeRecord(&sarama.ConsumerMessage{Value: body})
		require.NoError(t, err)
		assert.Equal(t, env.ID, decoded.ID)
		assert.Equal(t, "orders.created", decoded.Topic)
		tenant, _ := decoded.Headers.Get("tenant")
		assert.Equal(t, "acme", tenant)
	})

	t.Run("falls back to the record key", func(t *testing.T) {
		env := contracts.NewEnvelope("orders.created", []byte(`{}`))
		body, err := env.Encode()
		require.NoError(t, err)

		decoded, err := decodeRecord(&sarama.ConsumerMessage{Value: body, Key: []byte("order-7")})
		require.NoError(t, err)
		assert.Equal(t, "order-7", decoded.Key)
	})

	t.Run("rejects malformed values", func(t *testing.T) {
		_, err := decodeRecord(&sarama.ConsumerMessage{Value: []byte("not json")})
		assert.Error(t, err)
	})
}

func TestForwardGroupErrors(t *testing.T) {
	d, err := New(messaging.DriverConfig{Endpoints: []string{"localhost:9092"}})
	require.NoError(t, err)

	errs := make(chan error, 3)
	errs <- errors.New("rebalance failed")
	errs <- nil
	errs <- errors.New("offset commit failed")
	close(errs)

	var got []error
	d.forwardGroupErrors("orders.created", errs, func(err error) {
		got = append(got, err)
	})

	require.Len(t, got, 2)
	for _, err := range got {
		assert.ErrorIs(t, err, contracts.ErrTransport)
	}
	assert.Contains(t, got[0].Error(), "rebalance failed")
	assert.Contains(t, got[1].Error(), "offset commit failed")

	// A nil callback only logs; the loop still drains to the close.
	closed := make(chan error)
	close(closed)
	d.forwardGroupErrors("orders.created", closed, nil)
}

func TestRecordHeaders(t *testing.T) {
	env := contracts.NewEnvelope("orders.created", []byte(`{}`))
	env.Headers.Set("tenant", "acme")
	env.Headers.Set("trace", "abc-123")

	headers := recordHeaders(env)
	require.Len(t, headers, 2)
	assert.Equal(t, "tenant", string(headers[0].Key))
	assert.Equal(t, "acme", string(headers[0].Value))
	assert.Equal(t, "trace", string(headers[1].Key))

	assert.Nil(t, recordHeaders(contracts.NewEnvelope("orders", []byte(`{}`))))
}
