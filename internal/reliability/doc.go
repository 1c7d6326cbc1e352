// Package reliability implements the failure-protection primitives used by
// the messaging layer: a per-target circuit breaker state machine and a
// classification-driven retry executor with exponential backoff.
//
// Both primitives are transport-agnostic. The circuit breaker gates a single
// (topic, operation) target and keeps one consistent state visible to all
// concurrent callers; the retry executor is stateless across invocations.
package reliability
