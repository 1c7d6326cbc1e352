// Package memory provides an in-process driver with queue-style at-least-once
// delivery. It backs tests and local development; nothing crosses a network.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
	"github.com/fulers-technologies/nesvel-sub010/messaging"
)

const driverName = "memory"

func init() {
	messaging.Register(driverName, func(cfg messaging.DriverConfig) (messaging.Driver, error) {
		return New(cfg), nil
	})
}

// Driver is an in-process messaging.Driver. Each subscription owns a buffered
// delivery queue drained by a single goroutine, so delivery order per
// subscription matches publish order.
type Driver struct {
	mu        sync.Mutex
	connected bool
	prefix    string
	logger    *slog.Logger
	queueSize int
	subs      map[*subscription]struct{}

	acked          int
	nacked         int
	lastNackReason error
}

// New creates a disconnected in-memory driver.
func New(cfg messaging.DriverConfig) *Driver {
	return &Driver{
		prefix:    cfg.TopicPrefix,
		logger:    cfg.LoggerOrDefault(),
		queueSize: 128,
		subs:      make(map[*subscription]struct{}),
	}
}

func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	subs := make([]*subscription, 0, len(d.subs))
	for sub := range d.subs {
		subs = append(subs, sub)
	}
	d.subs = make(map[*subscription]struct{})
	d.connected = false
	d.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (d *Driver) Publish(ctx context.Context, envelope *contracts.Envelope) error {
	if err := envelope.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return &contracts.TransportError{
			Driver: driverName, Op: "publish", Topic: envelope.Topic,
			Err: fmt.Errorf("not connected"),
		}
	}
	topic := d.prefix + envelope.Topic
	matched := make([]*subscription, 0, len(d.subs))
	for sub := range d.subs {
		if matchPattern(sub.pattern, topic) {
			matched = append(matched, sub)
		}
	}
	d.mu.Unlock()

	for _, sub := range matched {
		delivery := envelope.Clone()
		delivery.Attempt++
		delivery.Cursor = &cursor{driver: d}
		select {
		case sub.queue <- delivery:
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.done:
		}
	}
	return nil
}

func (d *Driver) Subscribe(ctx context.Context, topicPattern string, onMessage messaging.MessageFunc, onError messaging.ErrorFunc) (messaging.DriverSubscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil, &contracts.TransportError{
			Driver: driverName, Op: "subscribe", Topic: topicPattern,
			Err: fmt.Errorf("not connected"),
		}
	}

	sub := &subscription{
		driver:  d,
		pattern: d.prefix + topicPattern,
		queue:   make(chan *contracts.Envelope, d.queueSize),
		done:    make(chan struct{}),
	}
	d.subs[sub] = struct{}{}

	go sub.run(ctx, onMessage)
	return sub, nil
}

func (d *Driver) Ack(ctx context.Context, envelope *contracts.Envelope) error {
	if _, ok := envelope.Cursor.(*cursor); !ok {
		return &contracts.TransportError{
			Driver: driverName, Op: "ack", Topic: envelope.Topic,
			Err: fmt.Errorf("envelope has no delivery cursor"),
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked++
	return nil
}

func (d *Driver) Nack(ctx context.Context, envelope *contracts.Envelope, reason error) error {
	if _, ok := envelope.Cursor.(*cursor); !ok {
		return &contracts.TransportError{
			Driver: driverName, Op: "nack", Topic: envelope.Topic,
			Err: fmt.Errorf("envelope has no delivery cursor"),
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked++
	d.lastNackReason = reason
	d.logger.Debug("message nacked", "topic", envelope.Topic, "reason", reason)
	return nil
}

// Acked reports how many deliveries were acknowledged.
func (d *Driver) Acked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// Nacked reports how many deliveries were rejected and the last reason.
func (d *Driver) Nacked() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nacked, d.lastNackReason
}

// cursor marks an envelope as delivered by this driver.
type cursor struct {
	driver *Driver
}

type subscription struct {
	driver  *Driver
	pattern string
	queue   chan *contracts.Envelope
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Pattern() string { return s.pattern }

func (s *subscription) Close() error {
	s.driver.mu.Lock()
	delete(s.driver.subs, s)
	s.driver.mu.Unlock()
	s.stop()
	return nil
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) run(ctx context.Context, onMessage messaging.MessageFunc) {
	for {
		select {
		case envelope := <-s.queue:
			onMessage(ctx, envelope)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// matchPattern matches a topic against a pattern: exact match, or prefix
// match when the pattern ends in "*".
func matchPattern(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == topic
}
