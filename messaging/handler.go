package messaging

import (
	"context"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
)

// MessageHandler processes one delivered envelope. A returned error is
// classified by the subscription's retry options before a retry decision is
// made; exhausting retries nacks the envelope.
type MessageHandler interface {
	Handle(ctx context.Context, envelope *contracts.Envelope) error
}

// MessageHandlerFunc adapts a function to the MessageHandler interface.
type MessageHandlerFunc func(ctx context.Context, envelope *contracts.Envelope) error

func (f MessageHandlerFunc) Handle(ctx context.Context, envelope *contracts.Envelope) error {
	return f(ctx, envelope)
}

// FilterFunc decides whether an envelope reaches the handler. A filtered-out
// envelope is acknowledged without the handler ever being invoked.
type FilterFunc func(envelope *contracts.Envelope) bool
