package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
	"github.com/fulers-technologies/nesvel-sub010/internal/reliability"
)

func TestPublisher(t *testing.T) {
	t.Run("publishes through a closed breaker once the driver accepts", func(t *testing.T) {
		driver := newFakeDriver()
		p := NewPublisher(driver)

		err := p.Publish(context.Background(), "orders.created", []byte(`{"id":1}`))

		require.NoError(t, err)
		require.Equal(t, 1, driver.publishCount())

		env := driver.published[0]
		assert.Equal(t, "orders.created", env.Topic)
		assert.NotEmpty(t, env.ID)
		assert.False(t, env.Timestamp.IsZero())
	})

	t.Run("applies publish options to the envelope", func(t *testing.T) {
		driver := newFakeDriver()
		p := NewPublisher(driver)

		ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		err := p.Publish(context.Background(), "orders.created", []byte(`{}`),
			WithKey("order-42"),
			WithMessageID("msg-1"),
			WithTimestamp(ts),
			WithHeader("tenant", "acme"),
			WithHeader("tenant", "globex"),
			WithHeader("trace", "abc"),
		)

		require.NoError(t, err)
		env := driver.published[0]
		assert.Equal(t, "order-42", env.Key)
		assert.Equal(t, "msg-1", env.ID)
		assert.Equal(t, ts, env.Timestamp)

		// Set replaces in place, preserving header order.
		assert.Equal(t, contracts.Headers{
			{Name: "tenant", Value: "globex"},
			{Name: "trace", Value: "abc"},
		}, env.Headers)
	})

	t.Run("rejects invalid envelopes without touching the driver", func(t *testing.T) {
		driver := newFakeDriver()
		p := NewPublisher(driver)

		err := p.Publish(context.Background(), "", []byte(`{}`))

		require.Error(t, err)
		assert.ErrorIs(t, err, contracts.ErrNonRetryable)
		assert.Equal(t, 0, driver.publishCount())
	})

	t.Run("rejects non-JSON payloads before the breaker counts anything", func(t *testing.T) {
		driver := newFakeDriver()
		p := NewPublisher(driver, WithPublisherBreakerOptions(BreakerOptions{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			ResetTimeout:     time.Minute,
		}))

		for i := 0; i < 3; i++ {
			err := p.Publish(context.Background(), "orders.created", []byte{0xff, 0x00, 0x01})
			require.Error(t, err)
			assert.ErrorIs(t, err, contracts.ErrNonRetryable)
		}
		assert.Equal(t, 0, driver.publishCount())

		// The bad payloads never reached the breaker, so a healthy publisher
		// on the same topic still goes through.
		err := p.Publish(context.Background(), "orders.created", []byte(`{}`))
		assert.NoError(t, err)
	})

	t.Run("rejects immediately with CircuitOpenError once the breaker opens", func(t *testing.T) {
		driver := newFakeDriver()
		driver.publishErr = &contracts.TransportError{Driver: "fake", Op: "publish", Err: errors.New("down")}
		p := NewPublisher(driver, WithPublisherBreakerOptions(BreakerOptions{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			ResetTimeout:     time.Minute,
		}))

		for i := 0; i < 2; i++ {
			err := p.Publish(context.Background(), "orders.created", []byte(`{}`))
			assert.ErrorIs(t, err, contracts.ErrTransport)
		}

		// Breaker is now open: the driver's publish method is never invoked.
		driver.publishErr = nil
		err := p.Publish(context.Background(), "orders.created", []byte(`{}`))

		require.Error(t, err)
		assert.ErrorIs(t, err, contracts.ErrCircuitOpen)
		assert.Equal(t, 0, driver.publishCount())
	})

	t.Run("breakers are scoped per topic", func(t *testing.T) {
		driver := newFakeDriver()
		driver.publishErr = errors.New("down")
		p := NewPublisher(driver, WithPublisherBreakerOptions(BreakerOptions{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			ResetTimeout:     time.Minute,
		}))

		_ = p.Publish(context.Background(), "orders.created", []byte(`{}`))

		driver.publishErr = nil
		err := p.Publish(context.Background(), "orders.cancelled", []byte(`{}`))
		assert.NoError(t, err)

		err = p.Publish(context.Background(), "orders.created", []byte(`{}`))
		assert.ErrorIs(t, err, contracts.ErrCircuitOpen)
	})

	t.Run("optional retry retries transport failures but never circuit-open", func(t *testing.T) {
		driver := newFakeDriver()
		driver.publishErr = &contracts.TransportError{Driver: "fake", Op: "publish", Err: errors.New("flaky")}

		retry := reliability.RetryOptions{
			MaxRetries:        5,
			RetryDelay:        time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxRetryDelay:     5 * time.Millisecond,
		}
		p := NewPublisher(driver,
			WithPublishRetry(retry),
			WithPublisherBreakerOptions(BreakerOptions{
				FailureThreshold: 2,
				SuccessThreshold: 1,
				ResetTimeout:     time.Minute,
			}),
		)

		err := p.Publish(context.Background(), "orders.created", []byte(`{}`))

		// Two transport failures open the breaker; the rejection ends the
		// retry loop instead of hammering it.
		require.Error(t, err)
		assert.ErrorIs(t, err, contracts.ErrCircuitOpen)
		assert.Equal(t, 0, driver.publishCount())
	})

	t.Run("records publish metrics", func(t *testing.T) {
		driver := newFakeDriver()
		metrics := NewInMemoryMetrics()
		p := NewPublisher(driver, WithPublisherMetrics(metrics))

		require.NoError(t, p.Publish(context.Background(), "orders.created", []byte(`{}`)))

		snapshot := metrics.Snapshot()["orders.created"]
		assert.Equal(t, int64(1), snapshot.Published)
		assert.Equal(t, int64(0), snapshot.PublishErrors)
	})
}
