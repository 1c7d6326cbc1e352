package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport marks connectivity or protocol failures raised by a driver.
	ErrTransport = errors.New("transport failure")

	// ErrCircuitOpen marks the fail-fast rejection from an open circuit breaker.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrNonRetryable marks errors that must never be retried.
	ErrNonRetryable = errors.New("non-retryable")
)

// TransportError reports a connectivity or protocol failure from a driver.
// Transport errors are retryable by default and are counted by the circuit
// breaker protecting the call.
type TransportError struct {
	Driver string
	Op     string
	Topic  string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("%s: %s on topic %s: %v", e.Driver, e.Op, e.Topic, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Driver, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// IsRetryable reports that transport failures are retryable by default.
func (e *TransportError) IsRetryable() bool { return true }

// CircuitOpenError is returned when a circuit breaker rejects a call without
// invoking the protected operation. It is never itself a retry target; the
// breaker is the gate.
type CircuitOpenError struct {
	Topic       string
	Op          string
	Failures    int
	Threshold   int
	LastFailure time.Time
	NextProbe   time.Time
}

func (e *CircuitOpenError) Error() string {
	retryIn := time.Until(e.NextProbe).Round(time.Millisecond)
	return fmt.Sprintf("circuit open: %s on topic %s blocked (failures=%d/%d, next probe in %v)",
		e.Op, e.Topic, e.Failures, e.Threshold, retryIn)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

func (e *CircuitOpenError) IsRetryable() bool { return false }

// ValidationError reports a permanently malformed envelope or option value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrNonRetryable }

func (e *ValidationError) IsRetryable() bool { return false }

// HandlerError wraps a failure raised by subscriber handler logic so the
// pipeline can report which delivery produced it.
type HandlerError struct {
	Topic     string
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed for message %s on topic %s: %v", e.MessageID, e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }

func (e *nonRetryableError) Unwrap() error { return e.err }

func (e *nonRetryableError) Is(target error) bool { return target == ErrNonRetryable }

func (e *nonRetryableError) IsRetryable() bool { return false }

// NonRetryable wraps an error so the retry executor surfaces it immediately
// instead of retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsRetryable classifies an error by walking its chain for a
// `IsRetryable() bool` contract. Unknown errors default to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		IsRetryable() bool
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if r, ok := e.(retryable); ok {
			return r.IsRetryable()
		}
	}
	return true
}
