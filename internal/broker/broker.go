// Package broker defines the external broker contract and provides three
// implementations: an in-process one for development and
// tests, a TCP JSON-RPC one for a single networked process pair, and a
// Redis Streams one for multi-process production deployments.
package broker

import (
	"context"

	"github.com/agencore/router/internal/envelope"
)

// Broker is what every node talks to: publish an envelope to a topic,
// subscribe to receive envelopes published to a topic. Implementations must
// provide per-partition (TraceID) FIFO delivery and at-least-once delivery
// — they are never required to provide global ordering across topics, nor
// exactly-once delivery.
type Broker interface {
	// Publish delivers env to every current subscriber of topic.
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error

	// Subscribe registers handler to be invoked for every envelope
	// published to topic from now on. Subscribe does not block; handler
	// runs on a broker-owned goroutine per message and must not retain the
	// envelope after returning. Returns an Unsubscribe func.
	Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error)

	// Close releases any resources (connections, goroutines) held by the
	// broker. Implementations must make in-flight work cooperatively
	// cancellable via ctx, never forcibly kill it.
	Close() error
}

// Handler processes one delivered envelope. An error return means the
// broker should treat this delivery as failed for retry/redelivery
// purposes.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()
