package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeObserver receives circuit breaker state change notifications.
// Delivery is fire-and-forget; an observer must never be required for
// correctness.
type StateChangeObserver interface {
	OnStateChange(from, to State, reason string)
}

// StateChangeObserverFunc adapts a function to the StateChangeObserver
// interface.
type StateChangeObserverFunc func(from, to State, reason string)

func (f StateChangeObserverFunc) OnStateChange(from, to State, reason string) {
	f(from, to, reason)
}

// CircuitBreaker gates a single (topic, operation) target. It fails fast
// after repeated failures and periodically probes for recovery.
type CircuitBreaker struct {
	mu             sync.Mutex
	state          State
	failures       int
	failureTimes   []time.Time
	successes      int
	probesInflight int
	openedAt       time.Time
	lastFailure    time.Time
	lastTransition time.Time

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64

	topic            string
	op               string
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	windowTime       time.Duration
	maxProbes        int

	observersMu sync.RWMutex
	observers   []StateChangeObserver
}

// CircuitBreakerOption configures the circuit breaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithTarget names the (topic, operation) pair the breaker protects.
func WithTarget(topic, op string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.topic = topic
		cb.op = op
	}
}

// WithFailureThreshold sets how many counted failures open the circuit.
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit.
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithResetTimeout sets how long the circuit stays open before the next call
// is allowed through as a recovery probe.
func WithResetTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.resetTimeout = timeout
	}
}

// WithWindowTime enables sliding-window failure counting: only failures whose
// timestamp falls within the trailing window count toward the threshold.
// Zero disables the window; failures then accumulate since the last success.
func WithWindowTime(window time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.windowTime = window
	}
}

// WithMaxProbes caps how many calls may be in flight while half-open.
func WithMaxProbes(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.maxProbes = n
	}
}

// WithObserver registers a state change observer at construction time.
func WithObserver(observer StateChangeObserver) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.observers = append(cb.observers, observer)
	}
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		topic:            "default",
		op:               "execute",
		failureThreshold: 5,
		successThreshold: 3,
		resetTimeout:     30 * time.Second,
	}

	for _, opt := range options {
		opt(cb)
	}

	if cb.maxProbes <= 0 {
		cb.maxProbes = cb.successThreshold
	}

	return cb
}

// Execute runs fn with circuit breaker protection. The bookkeeping happens
// under the breaker's lock, fn itself does not, so concurrent traffic is not
// serialized by the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	probe, err := cb.allow()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		cb.release(probe)
		return ctx.Err()
	default:
	}

	err = fn()
	cb.record(err, probe)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset returns the breaker to the closed state and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.failureTimes = nil
	cb.successes = 0
	cb.probesInflight = 0
	cb.lastTransition = time.Now()
}

// AddObserver registers a state change observer.
func (cb *CircuitBreaker) AddObserver(observer StateChangeObserver) {
	cb.observersMu.Lock()
	defer cb.observersMu.Unlock()
	cb.observers = append(cb.observers, observer)
}

// allow decides whether a call may proceed, performing the lazy
// open-to-half-open transition when the reset timeout has elapsed. The
// returned flag reports whether the call was admitted as a half-open probe;
// only such calls may later give their probe slot back.
func (cb *CircuitBreaker) allow() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if time.Since(cb.openedAt) >= cb.resetTimeout {
			cb.transition(StateHalfOpen, "reset timeout elapsed")
			cb.successes = 0
			cb.probesInflight = 1
			return true, nil
		}
		return false, cb.openError()

	case StateHalfOpen:
		if cb.probesInflight >= cb.maxProbes {
			return false, cb.openError()
		}
		cb.probesInflight++
		return true, nil

	default:
		return false, fmt.Errorf("circuit breaker %s/%s: unknown state %d", cb.topic, cb.op, cb.state)
	}
}

// release undoes a probe admission when the call never ran.
func (cb *CircuitBreaker) release(probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe && cb.probesInflight > 0 {
		cb.probesInflight--
	}
}

// record folds a call result into the state machine. Only calls admitted as
// probes return a probe slot; a call admitted while closed that finishes
// after the breaker moved to half-open must not loosen the probe cap.
func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe && cb.probesInflight > 0 {
		cb.probesInflight--
	}

	if err != nil {
		cb.totalFailures++
		cb.lastFailure = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.countFailure() >= cb.failureThreshold {
				cb.transition(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)",
					cb.failureCount(), cb.failureThreshold))
				cb.openedAt = time.Now()
			}

		case StateHalfOpen:
			// Any failure during recovery reopens the circuit and
			// restarts the reset timer.
			cb.failures = 0
			cb.failureTimes = nil
			cb.successes = 0
			cb.transition(StateOpen, "failure during recovery probe")
			cb.openedAt = time.Now()
		}
		return
	}

	cb.totalSuccesses++

	switch cb.state {
	case StateClosed:
		cb.failures = 0
		cb.failureTimes = nil

	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = 0
			cb.failureTimes = nil
			cb.probesInflight = 0
			cb.transition(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)",
				cb.successes, cb.successThreshold))
		}
	}
}

// countFailure records one failure and returns the count that applies to the
// threshold under the configured counting mode.
func (cb *CircuitBreaker) countFailure() int {
	if cb.windowTime <= 0 {
		cb.failures++
		return cb.failures
	}
	now := time.Now()
	cb.failureTimes = append(cb.failureTimes, now)
	cb.pruneWindow(now)
	return len(cb.failureTimes)
}

func (cb *CircuitBreaker) failureCount() int {
	if cb.windowTime <= 0 {
		return cb.failures
	}
	return len(cb.failureTimes)
}

// pruneWindow drops failure timestamps that rolled out of the trailing window.
func (cb *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-cb.windowTime)
	kept := cb.failureTimes[:0]
	for _, t := range cb.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failureTimes = kept
}

// transition flips the state and notifies observers exactly once. Callers
// must hold the lock.
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.lastTransition = time.Now()

	cb.observersMu.RLock()
	observers := make([]StateChangeObserver, len(cb.observers))
	copy(observers, cb.observers)
	cb.observersMu.RUnlock()

	// Fire-and-forget so a slow observer never blocks breaker bookkeeping.
	for _, observer := range observers {
		go observer.OnStateChange(from, to, reason)
	}
}

func (cb *CircuitBreaker) openError() error {
	return &contracts.CircuitOpenError{
		Topic:       cb.topic,
		Op:          cb.op,
		Failures:    cb.failureCount(),
		Threshold:   cb.failureThreshold,
		LastFailure: cb.lastFailure,
		NextProbe:   cb.openedAt.Add(cb.resetTimeout),
	}
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	Topic          string
	Op             string
	State          State
	Failures       int
	Successes      int
	TotalRequests  int64
	TotalFailures  int64
	TotalSuccesses int64
	LastFailure    time.Time
	LastTransition time.Time
}

// Snapshot returns the breaker's current statistics.
func (cb *CircuitBreaker) Snapshot() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Topic:          cb.topic,
		Op:             cb.op,
		State:          cb.state,
		Failures:       cb.failureCount(),
		Successes:      cb.successes,
		TotalRequests:  cb.totalRequests,
		TotalFailures:  cb.totalFailures,
		TotalSuccesses: cb.totalSuccesses,
		LastFailure:    cb.lastFailure,
		LastTransition: cb.lastTransition,
	}
}
