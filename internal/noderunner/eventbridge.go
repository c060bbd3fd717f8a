package noderunner

import (
	"context"
	"sync"

	"github.com/agencore/router/internal/broker"
	"github.com/agencore/router/internal/envelope"
)

// EventBridge turns broker subscriptions into plain Go channels, so a test
// or host harness can observe the envelopes flowing through a trace without
// writing its own Subscribe callback. Every Watch call gets a private
// buffered channel; a slow reader never blocks delivery to anyone else.
type EventBridge struct {
	b broker.Broker

	mu   sync.Mutex
	subs []broker.Unsubscribe
}

// NewEventBridge wraps b.
func NewEventBridge(b broker.Broker) *EventBridge {
	return &EventBridge{b: b}
}

// Watch subscribes to topic and returns a channel of every envelope
// published there from now on, plus a cancel func that unsubscribes and
// closes the channel. The channel is buffered (capacity 100); an envelope
// arriving when the buffer is full is dropped rather than blocking the
// broker's dispatch goroutine.
func (eb *EventBridge) Watch(ctx context.Context, topic string) (<-chan *envelope.Envelope, func(), error) {
	ch := make(chan *envelope.Envelope, 100)
	unsub, err := eb.b.Subscribe(ctx, topic, func(ctx context.Context, env *envelope.Envelope) error {
		select {
		case ch <- env:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	eb.mu.Lock()
	eb.subs = append(eb.subs, unsub)
	eb.mu.Unlock()

	cancel := func() {
		unsub()
		close(ch)
	}
	return ch, cancel, nil
}

// Close tears down every subscription this bridge ever created. Channels
// returned by Watch are left open; callers that want them closed should use
// the cancel func Watch returned instead.
func (eb *EventBridge) Close() {
	eb.mu.Lock()
	subs := eb.subs
	eb.subs = nil
	eb.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}
