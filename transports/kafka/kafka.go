// Package kafka provides a partitioned-log driver on top of Sarama. Topics
// map to consumer-group semantics: every subscription joins the configured
// group and acks by marking the consumed offset. Within one partition the
// claim loop hands envelopes to the pipeline in offset order.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
	"github.com/fulers-technologies/nesvel-sub010/messaging"
)

const driverName = "kafka"

const defaultGroup = "nesvel-consumers"

func init() {
	messaging.Register(driverName, func(cfg messaging.DriverConfig) (messaging.Driver, error) {
		return New(cfg)
	})
}

// Driver is the Sarama implementation of messaging.Driver. One client is
// shared by the producer and every consumer group session.
type Driver struct {
	brokers      []string
	group        string
	prefix       string
	ackLevel     messaging.AckLevel
	username     string
	password     string
	commitOnNack bool
	logger       *slog.Logger

	mu        sync.Mutex
	client    sarama.Client
	producer  sarama.SyncProducer
	connected bool
}

// New creates a disconnected driver from a resolved configuration.
//
// Extra settings: "commitOnNack" = "true" marks rejected offsets anyway,
// trading redelivery for forward progress on a partition.
func New(cfg messaging.DriverConfig) (*Driver, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, &contracts.ValidationError{Field: "endpoints", Reason: "kafka brokers are required"}
	}

	group := cfg.Group
	if group == "" {
		group = defaultGroup
	}

	return &Driver{
		brokers:      cfg.Endpoints,
		group:        group,
		prefix:       cfg.TopicPrefix,
		ackLevel:     cfg.AckLevel,
		username:     cfg.Username,
		password:     cfg.Password,
		commitOnNack: cfg.Extra["commitOnNack"] == "true",
		logger:       cfg.LoggerOrDefault(),
	}, nil
}

func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return nil
	}

	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = requiredAcks(d.ackLevel)
	config.Producer.Retry.Max = 0 // the caller owns retries
	config.Producer.Timeout = 10 * time.Second
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	if d.username != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = d.username
		config.Net.SASL.Password = d.password
	}

	client, err := sarama.NewClient(d.brokers, config)
	if err != nil {
		return d.transportErr("connect", "", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return d.transportErr("connect", "", err)
	}

	d.client = client
	d.producer = producer
	d.connected = true

	d.logger.Info("connected to Kafka", "brokers", d.brokers, "group", d.group)
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	d.connected = false

	var firstErr error
	if d.producer != nil {
		if err := d.producer.Close(); err != nil {
			firstErr = err
		}
		d.producer = nil
	}
	if d.client != nil {
		if err := d.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.client = nil
	}
	if firstErr != nil {
		return d.transportErr("disconnect", "", firstErr)
	}
	return nil
}

// Publish produces synchronously: it resolves once the brokers acknowledge
// at the configured RequiredAcks level.
func (d *Driver) Publish(ctx context.Context, envelope *contracts.Envelope) error {
	value, err := envelope.Encode()
	if err != nil {
		return err
	}

	d.mu.Lock()
	producer := d.producer
	connected := d.connected
	d.mu.Unlock()

	if !connected || producer == nil {
		return d.transportErr("publish", envelope.Topic, fmt.Errorf("not connected"))
	}

	message := &sarama.ProducerMessage{
		Topic:   d.prefix + envelope.Topic,
		Value:   sarama.ByteEncoder(value),
		Headers: recordHeaders(envelope),
	}
	if envelope.Key != "" {
		message.Key = sarama.StringEncoder(envelope.Key)
	}

	partition, offset, err := producer.SendMessage(message)
	if err != nil {
		return d.transportErr("publish", envelope.Topic, err)
	}

	d.logger.Debug("message produced",
		"messageId", envelope.ID,
		"topic", envelope.Topic,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Subscribe joins the consumer group for the pattern's topic and runs the
// session loop until the subscription is closed. Kafka patterns name a
// single topic; fan-in across topics means multiple subscriptions.
func (d *Driver) Subscribe(ctx context.Context, topicPattern string, onMessage messaging.MessageFunc, onError messaging.ErrorFunc) (messaging.DriverSubscription, error) {
	d.mu.Lock()
	client := d.client
	connected := d.connected
	d.mu.Unlock()

	if !connected || client == nil {
		return nil, d.transportErr("subscribe", topicPattern, fmt.Errorf("not connected"))
	}

	consumerGroup, err := sarama.NewConsumerGroupFromClient(d.group, client)
	if err != nil {
		return nil, d.transportErr("subscribe", topicPattern, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{pattern: topicPattern, cancel: cancel}
	handler := &groupHandler{
		onMessage: onMessage,
		onError:   onError,
	}
	topic := d.prefix + topicPattern

	go d.forwardGroupErrors(topicPattern, consumerGroup.Errors(), onError)

	go func() {
		defer func() { _ = consumerGroup.Close() }()
		for {
			if err := consumerGroup.Consume(subCtx, []string{topic}, handler); err != nil {
				if onError != nil {
					onError(d.transportErr("consume", topicPattern, err))
				}
				// Back off before rejoining so a broken group does not
				// spin.
				select {
				case <-subCtx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if subCtx.Err() != nil {
				return
			}
		}
	}()

	d.logger.Info("joined consumer group", "topic", topic, "group", d.group)
	return sub, nil
}

// Ack marks the consumed offset within the group session.
func (d *Driver) Ack(ctx context.Context, envelope *contracts.Envelope) error {
	cur, ok := envelope.Cursor.(*cursor)
	if !ok {
		return d.transportErr("ack", envelope.Topic, fmt.Errorf("envelope has no kafka cursor"))
	}
	cur.session.MarkMessage(cur.message, "")
	return nil
}

// Nack leaves the offset unmarked by default, so the record is redelivered
// after the next rebalance or restart. With commitOnNack the offset is
// marked anyway and the partition moves on.
func (d *Driver) Nack(ctx context.Context, envelope *contracts.Envelope, reason error) error {
	cur, ok := envelope.Cursor.(*cursor)
	if !ok {
		return d.transportErr("nack", envelope.Topic, fmt.Errorf("envelope has no kafka cursor"))
	}
	if d.commitOnNack {
		cur.session.MarkMessage(cur.message, "")
	}
	d.logger.Warn("message nacked",
		"messageId", envelope.ID,
		"topic", envelope.Topic,
		"partition", cur.message.Partition,
		"offset", cur.message.Offset,
		"committed", d.commitOnNack,
		"reason", reason,
	)
	return nil
}

// forwardGroupErrors surfaces background consumer-group errors that are not
// tied to a claim, such as rebalance failures. The channel closes when the
// group does, ending the loop.
func (d *Driver) forwardGroupErrors(pattern string, errs <-chan error, onError messaging.ErrorFunc) {
	for err := range errs {
		if err == nil {
			continue
		}
		d.logger.Error("consumer group error", "topic", pattern, "error", err)
		if onError != nil {
			onError(d.transportErr("consume", pattern, err))
		}
	}
}

func (d *Driver) transportErr(op, topic string, err error) error {
	return &contracts.TransportError{Driver: driverName, Op: op, Topic: topic, Err: err}
}

// cursor is the partition/offset position of one delivery.
type cursor struct {
	session sarama.ConsumerGroupSession
	message *sarama.ConsumerMessage
}

// subscription stops the session loop on Close; the loop goroutine owns the
// consumer group handle and closes it on exit.
type subscription struct {
	pattern string
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *subscription) Pattern() string { return s.pattern }

func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// groupHandler adapts the consumer-group callbacks to the driver contract.
type groupHandler struct {
	onMessage messaging.MessageFunc
	onError   messaging.ErrorFunc
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim hands records to the pipeline synchronously, one partition
// claim per invocation, preserving offset order within the partition.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			envelope, err := decodeRecord(message)
			if err != nil {
				// Poison record: skip past it so the partition is not
				// wedged, surface the decode failure.
				session.MarkMessage(message, "")
				if h.onError != nil {
					h.onError(err)
				}
				continue
			}

			envelope.Attempt++
			envelope.Cursor = &cursor{session: session, message: message}
			h.onMessage(session.Context(), envelope)

		case <-session.Context().Done():
			return nil
		}
	}
}

// decodeRecord rebuilds the envelope from a consumed record.
func decodeRecord(message *sarama.ConsumerMessage) (*contracts.Envelope, error) {
	envelope, err := contracts.DecodeEnvelope(message.Value)
	if err != nil {
		return nil, err
	}
	if envelope.Key == "" && len(message.Key) > 0 {
		envelope.Key = string(message.Key)
	}
	return envelope, nil
}

// recordHeaders mirrors envelope headers onto the record for consumers
// outside this module; order is preserved by the slice.
func recordHeaders(envelope *contracts.Envelope) []sarama.RecordHeader {
	if len(envelope.Headers) == 0 {
		return nil
	}
	headers := make([]sarama.RecordHeader, 0, len(envelope.Headers))
	for _, h := range envelope.Headers {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(h.Name),
			Value: []byte(h.Value),
		})
	}
	return headers
}

// requiredAcks maps the driver-agnostic ack level onto Kafka's producer
// acknowledgment modes.
func requiredAcks(level messaging.AckLevel) sarama.RequiredAcks {
	switch level {
	case messaging.AckNone:
		return sarama.NoResponse
	case messaging.AckAll:
		return sarama.WaitForAll
	default:
		return sarama.WaitForLocal
	}
}
