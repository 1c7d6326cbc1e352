package messaging

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
	"github.com/fulers-technologies/nesvel-sub010/internal/reliability"
)

// pipeline resolves the delivery outcome of every envelope a subscription
// receives: filter, then the handler wrapped by the retry executor nested
// inside the (topic, consume) circuit breaker, then ack or nack.
type pipeline struct {
	subscriber *Subscriber
	handler    MessageHandler
	opts       SubscribeOptions
	slots      *semaphore.Weighted
	limiter    *rate.Limiter
	wg         sync.WaitGroup
}

func newPipeline(s *Subscriber, handler MessageHandler, opts SubscribeOptions) *pipeline {
	pl := &pipeline{
		subscriber: s,
		handler:    handler,
		opts:       opts,
		slots:      semaphore.NewWeighted(int64(opts.Concurrency)),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		pl.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return pl
}

// dispatch is the driver-facing entry point. It admits envelopes in delivery
// order: the blocking slot acquisition happens here, in the driver's
// per-partition delivery goroutine, so a full pipeline backpressures the
// driver without starving other subscriptions.
func (pl *pipeline) dispatch(ctx context.Context, envelope *contracts.Envelope) {
	if pl.limiter != nil {
		if err := pl.limiter.Wait(ctx); err != nil {
			return
		}
	}

	if err := pl.slots.Acquire(ctx, 1); err != nil {
		// Subscription cancelled while queued; the driver keeps the
		// delivery unacknowledged for redelivery.
		return
	}

	pl.wg.Add(1)
	go func() {
		defer pl.wg.Done()
		defer pl.slots.Release(1)
		pl.process(ctx, envelope)
	}()
}

// process runs one envelope to its acknowledgment decision.
func (pl *pipeline) process(ctx context.Context, envelope *contracts.Envelope) {
	s := pl.subscriber

	if pl.opts.Filter != nil && !pl.opts.Filter(envelope) {
		s.metrics.RecordFiltered(envelope.Topic)
		pl.ack(ctx, envelope)
		return
	}

	breaker := s.breakers.get(envelope.Topic, opConsume, pl.opts.BreakerOptions)
	err := breaker.Execute(ctx, func() error {
		return reliability.Run(ctx, pl.opts.RetryOptions, func() error {
			if handlerErr := pl.handler.Handle(ctx, envelope); handlerErr != nil {
				return &contracts.HandlerError{
					Topic:     envelope.Topic,
					MessageID: envelope.ID,
					Err:       handlerErr,
				}
			}
			return nil
		})
	})

	s.metrics.RecordConsume(envelope.Topic, err)
	if err == nil {
		pl.ack(ctx, envelope)
		return
	}

	s.logger.Error("delivery failed",
		"messageId", envelope.ID,
		"topic", envelope.Topic,
		"attempt", envelope.Attempt,
		"error", err,
	)
	pl.nack(ctx, envelope, err)
}

func (pl *pipeline) ack(ctx context.Context, envelope *contracts.Envelope) {
	s := pl.subscriber
	// The acknowledgment must go out even when the subscription context was
	// cancelled mid-flight.
	if err := s.driver.Ack(context.WithoutCancel(ctx), envelope); err != nil {
		s.logger.Error("ack failed",
			"messageId", envelope.ID,
			"topic", envelope.Topic,
			"error", err,
		)
		return
	}
	s.metrics.RecordAck(envelope.Topic)
}

func (pl *pipeline) nack(ctx context.Context, envelope *contracts.Envelope, reason error) {
	s := pl.subscriber
	if err := s.driver.Nack(context.WithoutCancel(ctx), envelope, reason); err != nil {
		s.logger.Error("nack failed",
			"messageId", envelope.ID,
			"topic", envelope.Topic,
			"error", err,
		)
		return
	}
	s.metrics.RecordNack(envelope.Topic, reason)
}

func (pl *pipeline) onDriverError(err error) {
	pl.subscriber.logger.Error("subscription transport error", "error", err)
}

// wait blocks until every in-flight handler invocation has resolved.
func (pl *pipeline) wait() {
	pl.wg.Wait()
}
