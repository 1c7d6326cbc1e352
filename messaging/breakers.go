package messaging

import (
	"sync"
	"time"

	"github.com/fulers-technologies/nesvel-sub010/internal/reliability"
)

// Breaker operation kinds. Exactly one breaker instance exists per
// (topic, operation) pair for the life of the process.
const (
	opPublish = "publish"
	opConsume = "consume"
)

// BreakerOptions configures the circuit breakers guarding one operation kind.
type BreakerOptions struct {
	// FailureThreshold is how many counted failures open the circuit.
	FailureThreshold int
	// SuccessThreshold is how many half-open successes close it again.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays open before the next call
	// is let through as a recovery probe.
	ResetTimeout time.Duration
	// WindowTime, when positive, switches failure counting to a sliding
	// window over recent failure timestamps.
	WindowTime time.Duration
}

// DefaultBreakerOptions returns the breaker defaults shared by publish and
// consume paths.
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// StateChangeObserver receives breaker transitions for external telemetry.
// Delivery is fire-and-forget and never blocks breaker bookkeeping.
type StateChangeObserver interface {
	OnBreakerStateChange(topic, op, from, to, reason string)
}

// breakerRegistry owns the process-lifetime circuit breakers, one per
// (topic, operation) pair, and fans observer registrations into each
// breaker it creates.
type breakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*reliability.CircuitBreaker
	observers []StateChangeObserver
}

func newBreakerRegistry() *breakerRegistry {
	return &breakerRegistry{
		breakers: make(map[string]*reliability.CircuitBreaker),
	}
}

// addObserver registers an observer on every existing and future breaker.
func (r *breakerRegistry) addObserver(observer StateChangeObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, observer)
	for key, cb := range r.breakers {
		topic, op := splitKey(key)
		cb.AddObserver(adaptObserver(observer, topic, op))
	}
}

// get returns the breaker for (topic, op), creating it with opts on first
// use. Later callers share the same instance regardless of their options.
func (r *breakerRegistry) get(topic, op string, opts BreakerOptions) *reliability.CircuitBreaker {
	key := topic + "\x00" + op

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	cbOpts := []reliability.CircuitBreakerOption{
		reliability.WithTarget(topic, op),
		reliability.WithFailureThreshold(opts.FailureThreshold),
		reliability.WithSuccessThreshold(opts.SuccessThreshold),
		reliability.WithResetTimeout(opts.ResetTimeout),
	}
	if opts.WindowTime > 0 {
		cbOpts = append(cbOpts, reliability.WithWindowTime(opts.WindowTime))
	}
	for _, observer := range r.observers {
		cbOpts = append(cbOpts, reliability.WithObserver(adaptObserver(observer, topic, op)))
	}

	cb := reliability.NewCircuitBreaker(cbOpts...)
	r.breakers[key] = cb
	return cb
}

// snapshots returns the current stats of every breaker in the registry.
func (r *breakerRegistry) snapshots() []reliability.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]reliability.Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}

func splitKey(key string) (topic, op string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '\x00' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// adaptObserver bridges the string-typed public observer to the breaker's
// internal state type.
func adaptObserver(observer StateChangeObserver, topic, op string) reliability.StateChangeObserver {
	return reliability.StateChangeObserverFunc(func(from, to reliability.State, reason string) {
		observer.OnBreakerStateChange(topic, op, from.String(), to.String(), reason)
	})
}
