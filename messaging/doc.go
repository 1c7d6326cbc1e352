// Package messaging is the driver-agnostic publish/subscribe core.
//
// It wires three cooperating pieces around a pluggable transport Driver:
// a registry of per-(topic, operation) circuit breakers, a
// classification-driven retry executor, and a subscription pipeline that
// filters, dispatches, and resolves the delivery outcome of every envelope.
//
// Publish flow:  Publisher -> CircuitBreaker(topic, publish) -> Driver.Publish
// Consume flow:  Driver delivery -> filter -> Retry(handler) inside
// CircuitBreaker(topic, consume) -> Ack/Nack.
//
// Concrete drivers live under transports/ and register themselves by kind,
// so the composition root resolves a driver once at configuration time:
//
//	import _ "github.com/fulers-technologies/nesvel-sub010/transports/rabbitmq"
//
//	driver, err := messaging.NewDriver("rabbitmq", cfg)
package messaging
