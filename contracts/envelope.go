package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Header is a single name/value pair carried by an envelope.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered string-to-string mapping. Unlike a map, it keeps
// insertion order stable through serialization and iteration.
type Headers []Header

// Get returns the value of the first header with the given name.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value, true
		}
	}
	return "", false
}

// Set replaces the value of an existing header in place, or appends a new
// header when the name is not present yet.
func (h *Headers) Set(name, value string) {
	for i, hdr := range *h {
		if hdr.Name == name {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Clone returns an independent copy of the headers.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Envelope is the message unit passed between publishers, the subscription
// pipeline, and transport drivers.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Headers   Headers         `json:"headers,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Attempt   int             `json:"attempt"`

	// Cursor carries the transport's delivery position (delivery tag,
	// partition/offset, ...). It is set by the driver that produced the
	// envelope, consumed by that driver's Ack/Nack, and never interpreted
	// anywhere else.
	Cursor interface{} `json:"-"`
}

// NewEnvelope creates an envelope for the given topic and payload with a
// fresh ID and the current timestamp.
func NewEnvelope(topic string, payload []byte) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   json.RawMessage(payload),
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the fields a transport requires before accepting the
// envelope for publishing.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if e.Topic == "" {
		return &ValidationError{Field: "topic", Reason: "must not be empty"}
	}
	if len(e.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "must not be empty"}
	}
	// The payload travels as a json.RawMessage, so anything that is not
	// valid JSON would only blow up later inside a driver's encode step.
	// Reject it here, before any breaker counts the failure.
	if !json.Valid(e.Payload) {
		return &ValidationError{Field: "payload", Reason: "must be valid JSON"}
	}
	return nil
}

// Clone returns a copy of the envelope with independent headers. The cursor
// is not carried over; it belongs to a single delivery.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Headers = e.Headers.Clone()
	clone.Cursor = nil
	return &clone
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEnvelope deserializes an envelope received from the wire.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &ValidationError{Field: "envelope", Reason: err.Error()}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
