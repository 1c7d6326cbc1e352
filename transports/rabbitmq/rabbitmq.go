// Package rabbitmq provides a queue-style driver with at-least-once delivery
// on top of AMQP 0-9-1. Publishes go to the default exchange with the queue
// name as routing key; publisher confirms back the configured ack level.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
	"github.com/fulers-technologies/nesvel-sub010/messaging"
)

const driverName = "rabbitmq"

const (
	defaultPrefetch    = 10
	connectTimeout     = 30 * time.Second
	reconnectBaseDelay = 2 * time.Second
	reconnectMaxDelay  = time.Minute
)

func init() {
	messaging.Register(driverName, func(cfg messaging.DriverConfig) (messaging.Driver, error) {
		return New(cfg)
	})
}

// Driver is the AMQP implementation of messaging.Driver. One connection is
// shared by every subscription; each subscription consumes on its own
// channel, publishes share a confirmed channel under a lock.
type Driver struct {
	url      string
	prefix   string
	ackLevel messaging.AckLevel
	prefetch int
	logger   *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	declared  map[string]struct{}
	connected bool
	done      chan struct{}
}

// New creates a disconnected driver from a resolved configuration.
func New(cfg messaging.DriverConfig) (*Driver, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, &contracts.ValidationError{Field: "endpoints", Reason: "amqp url is required"}
	}

	return &Driver{
		url:      cfg.Endpoints[0],
		prefix:   cfg.TopicPrefix,
		ackLevel: cfg.AckLevel,
		prefetch: defaultPrefetch,
		logger:   cfg.LoggerOrDefault(),
		declared: make(map[string]struct{}),
	}, nil
}

// Connect dials the broker and opens the shared publish channel. A monitor
// goroutine redials with capped exponential backoff if the connection drops.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return nil
	}

	if err := d.dialLocked(ctx); err != nil {
		return err
	}

	d.done = make(chan struct{})
	notify := make(chan *amqp.Error, 1)
	d.conn.NotifyClose(notify)
	go d.monitor(notify)

	d.logger.Info("connected to RabbitMQ")
	return nil
}

func (d *Driver) dialLocked(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := amqp.Dial(d.url)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return d.transportErr("connect", "", err)
		}
		if d.ackLevel != messaging.AckNone {
			if err := ch.Confirm(false); err != nil {
				_ = conn.Close()
				return d.transportErr("connect", "", err)
			}
		}
		d.conn = conn
		d.pubCh = ch
		d.connected = true
		return nil

	case err := <-errChan:
		return d.transportErr("connect", "", err)

	case <-dialCtx.Done():
		return d.transportErr("connect", "", dialCtx.Err())
	}
}

// monitor redials after a connection loss. Active consumers see their
// delivery channels close and surface the loss through onError; they are
// not resubscribed automatically.
func (d *Driver) monitor(notify chan *amqp.Error) {
	select {
	case <-d.done:
		return
	case amqpErr := <-notify:
		if amqpErr == nil {
			return
		}
		d.logger.Error("connection lost", "error", amqpErr)
	}

	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()

	delay := reconnectBaseDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-d.done:
			return
		case <-time.After(delay):
		}

		d.logger.Info("reconnecting to RabbitMQ", "attempt", attempt)

		d.mu.Lock()
		err := d.dialLocked(context.Background())
		if err == nil {
			notify = make(chan *amqp.Error, 1)
			d.conn.NotifyClose(notify)
			d.declared = make(map[string]struct{})
			d.mu.Unlock()
			d.logger.Info("reconnected to RabbitMQ", "attempts", attempt)
			go d.monitor(notify)
			return
		}
		d.mu.Unlock()

		d.logger.Error("reconnect failed", "attempt", attempt, "error", err)
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	if d.done != nil {
		close(d.done)
	}
	d.connected = false

	if d.pubCh != nil {
		_ = d.pubCh.Close()
		d.pubCh = nil
	}
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		if err != nil {
			return d.transportErr("disconnect", "", err)
		}
	}
	return nil
}

// Publish sends the envelope to the queue named after its topic. With
// confirms enabled it resolves only after the broker acknowledges.
func (d *Driver) Publish(ctx context.Context, envelope *contracts.Envelope) error {
	body, err := envelope.Encode()
	if err != nil {
		return err
	}

	queue := d.prefix + envelope.Topic

	d.mu.Lock()
	if !d.connected || d.pubCh == nil {
		d.mu.Unlock()
		return d.transportErr("publish", envelope.Topic, fmt.Errorf("not connected"))
	}
	if err := d.declareLocked(queue); err != nil {
		d.mu.Unlock()
		return d.transportErr("publish", envelope.Topic, err)
	}

	publishing := amqp.Publishing{
		MessageId:    envelope.ID,
		Timestamp:    envelope.Timestamp,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headersToTable(envelope.Headers),
		Body:         body,
	}

	if d.ackLevel == messaging.AckNone {
		err := d.pubCh.PublishWithContext(ctx, "", queue, false, false, publishing)
		d.mu.Unlock()
		if err != nil {
			return d.transportErr("publish", envelope.Topic, err)
		}
		return nil
	}

	confirmation, err := d.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, publishing)
	d.mu.Unlock()
	if err != nil {
		return d.transportErr("publish", envelope.Topic, err)
	}

	select {
	case <-confirmation.Done():
		if !confirmation.Acked() {
			return d.transportErr("publish", envelope.Topic, fmt.Errorf("broker rejected delivery"))
		}
		return nil
	case <-ctx.Done():
		return d.transportErr("publish", envelope.Topic, ctx.Err())
	}
}

// declareLocked lazily declares the durable queue backing a topic.
func (d *Driver) declareLocked(queue string) error {
	if _, ok := d.declared[queue]; ok {
		return nil
	}
	if _, err := d.pubCh.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	d.declared[queue] = struct{}{}
	return nil
}

// Subscribe consumes the queue named by the pattern on a dedicated channel.
// Queue transports have no wildcard semantics: the pattern is the queue name.
func (d *Driver) Subscribe(ctx context.Context, topicPattern string, onMessage messaging.MessageFunc, onError messaging.ErrorFunc) (messaging.DriverSubscription, error) {
	queue := d.prefix + topicPattern

	d.mu.Lock()
	if !d.connected || d.conn == nil {
		d.mu.Unlock()
		return nil, d.transportErr("subscribe", topicPattern, fmt.Errorf("not connected"))
	}
	conn := d.conn
	d.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, d.transportErr("subscribe", topicPattern, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, d.transportErr("subscribe", topicPattern, err)
	}
	if err := ch.Qos(d.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, d.transportErr("subscribe", topicPattern, err)
	}

	tag := fmt.Sprintf("nesvel-%s-%d", queue, time.Now().UnixNano())
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, d.transportErr("subscribe", topicPattern, err)
	}

	sub := &subscription{pattern: topicPattern, channel: ch, tag: tag}
	go d.consume(ctx, deliveries, topicPattern, onMessage, onError)

	d.logger.Info("consuming queue", "queue", queue, "consumerTag", tag)
	return sub, nil
}

// consume translates AMQP deliveries into envelopes, in channel order.
func (d *Driver) consume(ctx context.Context, deliveries <-chan amqp.Delivery, pattern string, onMessage messaging.MessageFunc, onError messaging.ErrorFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				if onError != nil {
					onError(d.transportErr("consume", pattern, fmt.Errorf("delivery channel closed")))
				}
				return
			}

			envelope, err := contracts.DecodeEnvelope(delivery.Body)
			if err != nil {
				// Poison message: reject without requeue so the broker
				// can dead-letter it.
				_ = delivery.Nack(false, false)
				if onError != nil {
					onError(err)
				}
				continue
			}

			envelope.Attempt++
			envelope.Cursor = delivery
			onMessage(ctx, envelope)
		}
	}
}

func (d *Driver) Ack(ctx context.Context, envelope *contracts.Envelope) error {
	delivery, ok := envelope.Cursor.(amqp.Delivery)
	if !ok {
		return d.transportErr("ack", envelope.Topic, fmt.Errorf("envelope has no amqp cursor"))
	}
	if err := delivery.Ack(false); err != nil {
		return d.transportErr("ack", envelope.Topic, err)
	}
	return nil
}

// Nack rejects the delivery without requeueing; redelivery or dead-letter
// routing is the broker's decision via the queue's dead-letter exchange.
func (d *Driver) Nack(ctx context.Context, envelope *contracts.Envelope, reason error) error {
	delivery, ok := envelope.Cursor.(amqp.Delivery)
	if !ok {
		return d.transportErr("nack", envelope.Topic, fmt.Errorf("envelope has no amqp cursor"))
	}
	if err := delivery.Nack(false, false); err != nil {
		return d.transportErr("nack", envelope.Topic, err)
	}
	d.logger.Debug("message nacked",
		"messageId", envelope.ID,
		"topic", envelope.Topic,
		"reason", reason,
	)
	return nil
}

func (d *Driver) transportErr(op, topic string, err error) error {
	return &contracts.TransportError{Driver: driverName, Op: op, Topic: topic, Err: err}
}

type subscription struct {
	pattern string
	channel *amqp.Channel
	tag     string
	once    sync.Once
	err     error
}

func (s *subscription) Pattern() string { return s.pattern }

func (s *subscription) Close() error {
	s.once.Do(func() {
		if err := s.channel.Cancel(s.tag, false); err != nil {
			s.err = err
		}
		_ = s.channel.Close()
	})
	return s.err
}

// headersToTable converts ordered envelope headers to an AMQP table for
// broker-side routing and inspection; the envelope body stays the source of
// truth for order.
func headersToTable(headers contracts.Headers) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for _, h := range headers {
		table[h.Name] = h.Value
	}
	return table
}
