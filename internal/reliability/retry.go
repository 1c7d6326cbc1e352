package reliability

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
)

// RetryOptions bounds the retry executor for one invocation.
//
// Classification order: a circuit-open rejection is never retried; then
// IsRetryable alone decides when supplied; then NonRetryableErrors (the
// deny-list always beats the allow-list); then RetryableErrors when supplied
// (non-matching errors fail immediately); otherwise any error not explicitly
// marked non-retryable is retried.
type RetryOptions struct {
	MaxRetries         int
	RetryDelay         time.Duration
	BackoffMultiplier  float64
	MaxRetryDelay      time.Duration
	RetryableErrors    []error
	NonRetryableErrors []error
	IsRetryable        func(error) bool
}

// DefaultRetryOptions returns the executor defaults: three retries starting
// at one second, doubling up to thirty seconds.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:        3,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2.0,
		MaxRetryDelay:     30 * time.Second,
	}
}

// NextDelay computes the backoff before retry n (n starts at 0 for the first
// retry): min(RetryDelay * BackoffMultiplier^n, MaxRetryDelay). No jitter.
func NextDelay(opts RetryOptions, attempt int) time.Duration {
	multiplier := opts.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := float64(opts.RetryDelay) * math.Pow(multiplier, float64(attempt))
	if opts.MaxRetryDelay > 0 && delay > float64(opts.MaxRetryDelay) {
		return opts.MaxRetryDelay
	}
	return time.Duration(delay)
}

// Run invokes fn, retrying transient failures per opts. The backoff wait
// suspends only this invocation. After MaxRetries retries are exhausted the
// last error is returned to the caller unchanged; dead-lettering is not the
// executor's decision.
func Run(ctx context.Context, opts RetryOptions, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= opts.MaxRetries || !shouldRetry(opts, err) {
			return lastErr
		}

		select {
		case <-time.After(NextDelay(opts, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// shouldRetry applies the classification rules documented on RetryOptions.
func shouldRetry(opts RetryOptions, err error) bool {
	// The breaker is the gate, not a retry target.
	if errors.Is(err, contracts.ErrCircuitOpen) {
		return false
	}

	if opts.IsRetryable != nil {
		return opts.IsRetryable(err)
	}

	for _, denied := range opts.NonRetryableErrors {
		if errors.Is(err, denied) {
			return false
		}
	}

	if len(opts.RetryableErrors) > 0 {
		for _, allowed := range opts.RetryableErrors {
			if errors.Is(err, allowed) {
				return true
			}
		}
		return false
	}

	return contracts.IsRetryable(err)
}
