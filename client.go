// Package nesvel is a topic-based publish/subscribe layer that runs the same
// code over Kafka, RabbitMQ, or an in-process queue. Publishes and
// subscription handlers are wrapped in per-topic circuit breakers and
// exponential-backoff retries; drivers carry envelopes and never make retry
// or breaker decisions.
package nesvel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
	"github.com/fulers-technologies/nesvel-sub010/messaging"

	// Driver registration.
	_ "github.com/fulers-technologies/nesvel-sub010/transports/kafka"
	_ "github.com/fulers-technologies/nesvel-sub010/transports/memory"
	_ "github.com/fulers-technologies/nesvel-sub010/transports/rabbitmq"
)

// Client is the main entry point. It owns one driver connection and the
// publisher and subscriber built on top of it.
type Client struct {
	kind       string
	driver     messaging.Driver
	publisher  *messaging.Publisher
	subscriber *messaging.Subscriber
	metrics    messaging.MetricsCollector
	logger     *slog.Logger
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	metrics        messaging.MetricsCollector
	publisherOpts  []messaging.PublisherOption
	subscriberOpts []messaging.SubscriberOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the metrics collector shared by publisher and subscriber.
// The default is an in-memory collector reachable via Client.Metrics.
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithPublisherOptions forwards options to the underlying publisher.
func WithPublisherOptions(options ...messaging.PublisherOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publisherOpts = append(cfg.publisherOpts, options...)
	}
}

// WithSubscriberOptions forwards options to the underlying subscriber.
func WithSubscriberOptions(options ...messaging.SubscriberOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.subscriberOpts = append(cfg.subscriberOpts, options...)
	}
}

// NewClient builds a client for the named driver kind ("kafka", "rabbitmq",
// or "memory") from a fully resolved configuration. The client is
// disconnected until Connect.
func NewClient(kind string, driverCfg messaging.DriverConfig, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = messaging.NewInMemoryMetrics()
	}
	if driverCfg.Logger == nil {
		driverCfg.Logger = cfg.logger
	}

	driver, err := messaging.NewDriver(kind, driverCfg)
	if err != nil {
		return nil, fmt.Errorf("create %s driver: %w", kind, err)
	}

	// The collector doubles as a breaker observer, so state transitions show
	// up in the same place as the delivery counters.
	publisherOpts := append([]messaging.PublisherOption{
		messaging.WithPublisherLogger(cfg.logger),
		messaging.WithPublisherMetrics(cfg.metrics),
		messaging.WithPublisherObserver(cfg.metrics),
	}, cfg.publisherOpts...)

	subscriberOpts := append([]messaging.SubscriberOption{
		messaging.WithSubscriberLogger(cfg.logger),
		messaging.WithSubscriberMetrics(cfg.metrics),
		messaging.WithSubscriberObserver(cfg.metrics),
	}, cfg.subscriberOpts...)

	return &Client{
		kind:       kind,
		driver:     driver,
		publisher:  messaging.NewPublisher(driver, publisherOpts...),
		subscriber: messaging.NewSubscriber(driver, subscriberOpts...),
		metrics:    cfg.metrics,
		logger:     cfg.logger,
	}, nil
}

// Connect establishes the driver connection.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.driver.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s driver: %w", c.kind, err)
	}
	return nil
}

// Publish sends a payload to a topic through the publisher's breaker and
// retry policy.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, options ...messaging.PublishOption) error {
	return c.publisher.Publish(ctx, topic, payload, options...)
}

// PublishEnvelope sends a prebuilt envelope.
func (c *Client) PublishEnvelope(ctx context.Context, envelope *contracts.Envelope) error {
	return c.publisher.PublishEnvelope(ctx, envelope)
}

// Subscribe registers a handler for a topic pattern. The returned handle
// cancels just this subscription; Close cancels them all.
func (c *Client) Subscribe(ctx context.Context, topicPattern string, handler messaging.MessageHandler, options ...messaging.SubscribeOption) (*messaging.SubscriptionHandle, error) {
	return c.subscriber.Subscribe(ctx, topicPattern, handler, options...)
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Subscriber returns the message subscriber
func (c *Client) Subscriber() *messaging.Subscriber {
	return c.subscriber
}

// Driver returns the underlying driver
func (c *Client) Driver() messaging.Driver {
	return c.driver
}

// Metrics returns the shared metrics collector.
func (c *Client) Metrics() messaging.MetricsCollector {
	return c.metrics
}

// Close cancels all subscriptions, draining in-flight handlers, then
// disconnects the driver.
func (c *Client) Close(ctx context.Context) error {
	if err := c.subscriber.Close(); err != nil {
		c.logger.Error("failed to close subscriptions", "error", err)
	}
	if err := c.driver.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect %s driver: %w", c.kind, err)
	}
	return nil
}
