package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders(t *testing.T) {
	t.Run("preserves insertion order", func(t *testing.T) {
		var h Headers
		h.Set("first", "1")
		h.Set("second", "2")
		h.Set("third", "3")
		h.Set("second", "2b")

		assert.Equal(t, Headers{
			{Name: "first", Value: "1"},
			{Name: "second", Value: "2b"},
			{Name: "third", Value: "3"},
		}, h)
	})

	t.Run("get distinguishes empty from absent", func(t *testing.T) {
		var h Headers
		h.Set("empty", "")

		v, ok := h.Get("empty")
		assert.True(t, ok)
		assert.Equal(t, "", v)

		_, ok = h.Get("missing")
		assert.False(t, ok)
	})

	t.Run("clone is independent", func(t *testing.T) {
		var h Headers
		h.Set("a", "1")
		clone := h.Clone()
		clone.Set("a", "2")

		v, _ := h.Get("a")
		assert.Equal(t, "1", v)
	})
}

func TestEnvelope(t *testing.T) {
	t.Run("new envelope gets id and timestamp", func(t *testing.T) {
		e := NewEnvelope("orders.created", []byte(`{"id":1}`))
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, "orders.created", e.Topic)
		assert.WithinDuration(t, time.Now().UTC(), e.Timestamp, time.Second)
		assert.NoError(t, e.Validate())
	})

	t.Run("validation rejects missing fields", func(t *testing.T) {
		cases := []struct {
			name     string
			envelope Envelope
		}{
			{"missing id", Envelope{Topic: "t", Payload: []byte(`{}`)}},
			{"missing topic", Envelope{ID: "1", Payload: []byte(`{}`)}},
			{"missing payload", Envelope{ID: "1", Topic: "t"}},
			{"non-JSON payload", Envelope{ID: "1", Topic: "t", Payload: []byte{0xff, 0x00, 0x01}}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				err := tc.envelope.Validate()
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrNonRetryable)
			})
		}
	})

	t.Run("round trips over the wire with header order intact", func(t *testing.T) {
		e := NewEnvelope("orders.created", []byte(`{"id":1}`))
		e.Key = "order-1"
		e.Attempt = 2
		e.Headers.Set("z", "last?no")
		e.Headers.Set("a", "first?no")

		data, err := e.Encode()
		require.NoError(t, err)

		decoded, err := DecodeEnvelope(data)
		require.NoError(t, err)
		assert.Equal(t, e.ID, decoded.ID)
		assert.Equal(t, e.Key, decoded.Key)
		assert.Equal(t, e.Attempt, decoded.Attempt)
		assert.Equal(t, e.Headers, decoded.Headers)
		assert.JSONEq(t, `{"id":1}`, string(decoded.Payload))
	})

	t.Run("encode rejects non-JSON payloads with a typed error", func(t *testing.T) {
		e := NewEnvelope("orders.created", []byte{0xff, 0x00, 0x01})

		_, err := e.Encode()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNonRetryable)

		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "payload", vErr.Field)
	})

	t.Run("decode rejects malformed and invalid envelopes", func(t *testing.T) {
		_, err := DecodeEnvelope([]byte("not json"))
		assert.Error(t, err)

		_, err = DecodeEnvelope([]byte(`{"id":"1"}`))
		assert.Error(t, err)
	})

	t.Run("clone drops the cursor", func(t *testing.T) {
		e := NewEnvelope("orders.created", []byte(`{}`))
		e.Cursor = struct{ offset int64 }{42}

		clone := e.Clone()
		assert.Nil(t, clone.Cursor)
		assert.Equal(t, e.ID, clone.ID)
	})
}
