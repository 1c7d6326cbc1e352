package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
	"github.com/fulers-technologies/nesvel-sub010/internal/reliability"
)

// Publisher is a thin façade issuing breaker-protected publish calls. Errors
// always propagate to the caller as a rejected result: callers see a
// CircuitOpenError, a TransportError, or success, never a silent drop.
type Publisher struct {
	driver      Driver
	breakers    *breakerRegistry
	breakerOpts BreakerOptions
	retryOpts   *reliability.RetryOptions
	metrics     MetricsCollector
	logger      *slog.Logger
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collector.
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// WithPublisherBreakerOptions configures the per-topic publish breakers.
func WithPublisherBreakerOptions(opts BreakerOptions) PublisherOption {
	return func(p *Publisher) {
		p.breakerOpts = opts
	}
}

// WithPublishRetry enables retrying failed publishes. The retried operation
// is the breaker-gated call, so a circuit-open rejection is never retried.
func WithPublishRetry(opts reliability.RetryOptions) PublisherOption {
	return func(p *Publisher) {
		p.retryOpts = &opts
	}
}

// WithPublisherObserver registers a breaker state change observer.
func WithPublisherObserver(observer StateChangeObserver) PublisherOption {
	return func(p *Publisher) {
		p.breakers.addObserver(observer)
	}
}

// NewPublisher creates a publisher on top of a connected driver.
func NewPublisher(driver Driver, options ...PublisherOption) *Publisher {
	p := &Publisher{
		driver:      driver,
		breakers:    newBreakerRegistry(),
		breakerOpts: DefaultBreakerOptions(),
		metrics:     NopMetrics{},
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishOption customizes a single publish call.
type PublishOption func(*contracts.Envelope)

// WithKey sets the partitioning key.
func WithKey(key string) PublishOption {
	return func(e *contracts.Envelope) {
		e.Key = key
	}
}

// WithHeader appends or replaces one envelope header.
func WithHeader(name, value string) PublishOption {
	return func(e *contracts.Envelope) {
		e.Headers.Set(name, value)
	}
}

// WithHeaders appends or replaces several headers, preserving their order.
func WithHeaders(headers contracts.Headers) PublishOption {
	return func(e *contracts.Envelope) {
		for _, h := range headers {
			e.Headers.Set(h.Name, h.Value)
		}
	}
}

// WithMessageID overrides the generated envelope ID.
func WithMessageID(id string) PublishOption {
	return func(e *contracts.Envelope) {
		e.ID = id
	}
}

// WithTimestamp overrides the envelope timestamp.
func WithTimestamp(ts time.Time) PublishOption {
	return func(e *contracts.Envelope) {
		e.Timestamp = ts
	}
}

// Publish wraps the payload in an envelope and sends it through the
// (topic, publish) circuit breaker to the driver.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, options ...PublishOption) error {
	envelope := contracts.NewEnvelope(topic, payload)
	for _, opt := range options {
		opt(envelope)
	}
	return p.PublishEnvelope(ctx, envelope)
}

// PublishEnvelope sends a pre-built envelope through the breaker-protected
// publish path.
func (p *Publisher) PublishEnvelope(ctx context.Context, envelope *contracts.Envelope) error {
	if envelope == nil {
		return &contracts.ValidationError{Field: "envelope", Reason: "must not be nil"}
	}
	if err := envelope.Validate(); err != nil {
		p.metrics.RecordPublish(envelope.Topic, err)
		return err
	}

	breaker := p.breakers.get(envelope.Topic, opPublish, p.breakerOpts)
	op := func() error {
		return breaker.Execute(ctx, func() error {
			return p.driver.Publish(ctx, envelope)
		})
	}

	var err error
	if p.retryOpts != nil {
		err = reliability.Run(ctx, *p.retryOpts, op)
	} else {
		err = op()
	}

	p.metrics.RecordPublish(envelope.Topic, err)
	if err != nil {
		p.logger.Error("publish failed",
			"messageId", envelope.ID,
			"topic", envelope.Topic,
			"error", err,
		)
		return fmt.Errorf("publish %s: %w", envelope.Topic, err)
	}

	p.logger.Debug("message published",
		"messageId", envelope.ID,
		"topic", envelope.Topic,
		"key", envelope.Key,
	)
	return nil
}

// BreakerSnapshots exposes the publish breakers for external inspection.
func (p *Publisher) BreakerSnapshots() []reliability.Stats {
	return p.breakers.snapshots()
}
