package messaging

import (
	"context"
	"log/slog"

	"github.com/fulers-technologies/nesvel-sub010/contracts"
)

// MessageFunc receives one envelope delivered by a driver subscription.
// Drivers call it in the order the transport presents deliveries for a given
// partition or queue; the pipeline decides the acknowledgment outcome.
type MessageFunc func(ctx context.Context, envelope *contracts.Envelope)

// ErrorFunc receives transport-level subscription errors that are not tied
// to a single envelope (connection loss, rebalance failures, decode errors).
type ErrorFunc func(err error)

// Driver is the capability set every transport adapter implements. Variants
// are polymorphic and do not share a base implementation: a partitioned-log
// driver maps topics to consumer-group/partition semantics, a queue driver
// provides simpler at-least-once delivery.
//
// Publish resolves successfully only once the transport has honored its
// configured acknowledgment level. Any failure surfaces as a typed
// *contracts.TransportError, never an unguarded panic.
type Driver interface {
	// Connect establishes the transport connection. The driver owns its
	// connection lifecycle and must be safe for concurrent publish and
	// subscribe calls once connected.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and stops all subscriptions.
	Disconnect(ctx context.Context) error

	// Publish sends the envelope and waits for the transport acknowledgment.
	Publish(ctx context.Context, envelope *contracts.Envelope) error

	// Subscribe delivers matching envelopes to onMessage until the returned
	// subscription is closed. Deliveries carry a transport-opaque cursor the
	// driver later consumes in Ack and Nack.
	Subscribe(ctx context.Context, topicPattern string, onMessage MessageFunc, onError ErrorFunc) (DriverSubscription, error)

	// Ack marks the envelope's delivery as successfully processed.
	Ack(ctx context.Context, envelope *contracts.Envelope) error

	// Nack hands the envelope back to the transport with a reason; the
	// broker decides redelivery or dead-letter routing.
	Nack(ctx context.Context, envelope *contracts.Envelope, reason error) error
}

// DriverSubscription is a driver-owned handle for one active subscription.
type DriverSubscription interface {
	// Pattern returns the topic pattern the subscription was created with.
	Pattern() string

	// Close stops deliveries. It does not wait for in-flight handlers.
	Close() error
}

// AckLevel selects how much broker confirmation Publish waits for.
type AckLevel int

const (
	// AckLeader waits for the leader (or single broker) confirmation.
	AckLeader AckLevel = iota
	// AckNone fires and forgets.
	AckNone
	// AckAll waits for full replication where the transport supports it.
	AckAll
)

// DriverConfig is the fully-resolved options object a driver consumes.
// Loading it from the environment or files is the composition root's job.
type DriverConfig struct {
	// Endpoints lists broker addresses: a single AMQP URL for queue drivers,
	// the broker list for partitioned-log drivers.
	Endpoints []string

	Username string
	Password string

	// Group names the consumer group for transports with group semantics.
	Group string

	// TopicPrefix is prepended to every topic and pattern by the driver.
	TopicPrefix string

	AckLevel AckLevel

	Logger *slog.Logger

	// Extra carries driver-specific settings that have no common shape.
	Extra map[string]string
}

// LoggerOrDefault returns the configured logger or slog.Default().
func (c DriverConfig) LoggerOrDefault() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
