package messaging

import (
	"context"
	"sync"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
)

// fakeDriver is an in-test driver with injectable failures and synchronous
// delivery, so tests control exactly when envelopes reach the pipeline.
type fakeDriver struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	ackErr     error
	published  []*contracts.Envelope
	acked      []string
	nacked     map[string]error
	onMessages []MessageFunc
	onError    ErrorFunc
	subCtxs    []context.Context
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{nacked: make(map[string]error)}
}

func (d *fakeDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *fakeDriver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *fakeDriver) Publish(ctx context.Context, envelope *contracts.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.publishErr != nil {
		return d.publishErr
	}
	d.published = append(d.published, envelope)
	return nil
}

func (d *fakeDriver) Subscribe(ctx context.Context, pattern string, onMessage MessageFunc, onError ErrorFunc) (DriverSubscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessages = append(d.onMessages, onMessage)
	d.onError = onError
	d.subCtxs = append(d.subCtxs, ctx)
	return &fakeSubscription{pattern: pattern}, nil
}

func (d *fakeDriver) Ack(ctx context.Context, envelope *contracts.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ackErr != nil {
		return d.ackErr
	}
	d.acked = append(d.acked, envelope.ID)
	return nil
}

func (d *fakeDriver) Nack(ctx context.Context, envelope *contracts.Envelope, reason error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked[envelope.ID] = reason
	return nil
}

// deliver pushes an envelope into the most recent subscription, the way a
// transport's delivery loop would: synchronously, in order.
func (d *fakeDriver) deliver(envelope *contracts.Envelope) {
	d.mu.Lock()
	n := len(d.onMessages)
	d.mu.Unlock()
	d.deliverTo(n-1, envelope)
}

// deliverTo targets one of several subscriptions by creation order.
func (d *fakeDriver) deliverTo(i int, envelope *contracts.Envelope) {
	d.mu.Lock()
	onMessage := d.onMessages[i]
	ctx := d.subCtxs[i]
	d.mu.Unlock()
	onMessage(ctx, envelope)
}

func (d *fakeDriver) publishCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.published)
}

func (d *fakeDriver) ackedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.acked))
	copy(out, d.acked)
	return out
}

func (d *fakeDriver) nackReason(id string) (error, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reason, ok := d.nacked[id]
	return reason, ok
}

type fakeSubscription struct {
	pattern string
	mu      sync.Mutex
	closed  bool
}

func (s *fakeSubscription) Pattern() string { return s.pattern }

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
