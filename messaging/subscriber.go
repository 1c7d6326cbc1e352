package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fulers-technologies/nesvel-sub010/internal/reliability"
)

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	// Filter, when set, decides whether an envelope reaches the handler.
	// Envelopes it rejects are acknowledged immediately.
	Filter FilterFunc

	// Concurrency caps the in-flight handler invocations for this
	// subscription. Additional envelopes queue in delivery order until a
	// slot frees. Defaults to 1.
	Concurrency int

	// RetryOptions classifies handler errors and bounds handler retries.
	RetryOptions reliability.RetryOptions

	// BreakerOptions configures the (topic, consume) breakers this
	// subscription touches.
	BreakerOptions BreakerOptions

	// RateLimit, when positive, throttles deliveries admitted per second.
	RateLimit rate.Limit
	RateBurst int

	// DrainTimeout bounds how long Cancel waits for in-flight handlers
	// before aborting them. Defaults to 30 seconds.
	DrainTimeout time.Duration
}

// SubscribeOption configures subscription behavior.
type SubscribeOption func(*SubscribeOptions)

// WithFilter sets the filter predicate.
func WithFilter(filter FilterFunc) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.Filter = filter
	}
}

// WithConcurrency sets the in-flight handler limit.
func WithConcurrency(n int) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.Concurrency = n
	}
}

// WithRetryOptions sets handler-level retry and classification options.
func WithRetryOptions(retry reliability.RetryOptions) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.RetryOptions = retry
	}
}

// WithBreakerOptions sets the consume breaker options.
func WithBreakerOptions(breaker BreakerOptions) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.BreakerOptions = breaker
	}
}

// WithRateLimit throttles delivery admission for the subscription.
func WithRateLimit(limit rate.Limit, burst int) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.RateLimit = limit
		opts.RateBurst = burst
	}
}

// WithDrainTimeout sets the cancellation grace period.
func WithDrainTimeout(d time.Duration) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.DrainTimeout = d
	}
}

// Subscriber registers subscriptions on a driver and runs each delivery
// through the filter, retry, and circuit breaker pipeline.
type Subscriber struct {
	driver   Driver
	breakers *breakerRegistry
	metrics  MetricsCollector
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions map[*SubscriptionHandle]struct{}
}

// SubscriberOption configures the Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithSubscriberMetrics sets the metrics collector.
func WithSubscriberMetrics(metrics MetricsCollector) SubscriberOption {
	return func(s *Subscriber) {
		s.metrics = metrics
	}
}

// WithSubscriberObserver registers a breaker state change observer.
func WithSubscriberObserver(observer StateChangeObserver) SubscriberOption {
	return func(s *Subscriber) {
		s.breakers.addObserver(observer)
	}
}

// NewSubscriber creates a subscriber on top of a connected driver.
func NewSubscriber(driver Driver, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		driver:        driver,
		breakers:      newBreakerRegistry(),
		metrics:       NopMetrics{},
		logger:        slog.Default(),
		subscriptions: make(map[*SubscriptionHandle]struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Subscribe registers handler for envelopes matching topicPattern and
// returns a cancellable handle.
func (s *Subscriber) Subscribe(ctx context.Context, topicPattern string, handler MessageHandler, options ...SubscribeOption) (*SubscriptionHandle, error) {
	if topicPattern == "" {
		return nil, fmt.Errorf("subscribe: topic pattern cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe: handler cannot be nil")
	}

	opts := SubscribeOptions{
		Concurrency:    1,
		RetryOptions:   reliability.DefaultRetryOptions(),
		BreakerOptions: DefaultBreakerOptions(),
		DrainTimeout:   30 * time.Second,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	subCtx, cancel := context.WithCancel(ctx)

	pl := newPipeline(s, handler, opts)
	driverSub, err := s.driver.Subscribe(subCtx, topicPattern, pl.dispatch, pl.onDriverError)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", topicPattern, err)
	}

	handle := &SubscriptionHandle{
		pattern:      topicPattern,
		subscriber:   s,
		driverSub:    driverSub,
		pipeline:     pl,
		cancel:       cancel,
		drainTimeout: opts.DrainTimeout,
	}

	s.mu.Lock()
	s.subscriptions[handle] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("subscribed",
		"pattern", topicPattern,
		"concurrency", opts.Concurrency,
	)
	return handle, nil
}

// Close cancels every active subscription.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	handles := make([]*SubscriptionHandle, 0, len(s.subscriptions))
	for h := range s.subscriptions {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if err := h.Cancel(); err != nil {
			s.logger.Warn("subscription cancel failed", "pattern", h.Pattern(), "error", err)
		}
	}
	return nil
}

// BreakerSnapshots exposes the consume breakers for external inspection.
func (s *Subscriber) BreakerSnapshots() []reliability.Stats {
	return s.breakers.snapshots()
}

func (s *Subscriber) forget(handle *SubscriptionHandle) {
	s.mu.Lock()
	delete(s.subscriptions, handle)
	s.mu.Unlock()
}

// SubscriptionHandle cancels one active subscription.
type SubscriptionHandle struct {
	pattern      string
	subscriber   *Subscriber
	driverSub    DriverSubscription
	pipeline     *pipeline
	cancel       context.CancelFunc
	drainTimeout time.Duration

	once sync.Once
	err  error
}

// Pattern returns the subscription's topic pattern.
func (h *SubscriptionHandle) Pattern() string { return h.pattern }

// Cancel stops deliveries, waits up to the drain timeout for in-flight
// handlers to finish, then aborts the stragglers. An invocation aborted
// mid-flight fails with the context error, which the pipeline records as a
// breaker failure and nacks.
func (h *SubscriptionHandle) Cancel() error {
	h.once.Do(func() {
		h.err = h.driverSub.Close()

		done := make(chan struct{})
		go func() {
			h.pipeline.wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(h.drainTimeout):
			h.cancel()
			select {
			case <-done:
			case <-time.After(h.drainTimeout):
				h.subscriber.logger.Warn("handlers still running after abort",
					"pattern", h.pattern)
			}
		}

		h.cancel()
		h.subscriber.forget(h)
		h.subscriber.logger.Info("unsubscribed", "pattern", h.pattern)
	})
	return h.err
}
