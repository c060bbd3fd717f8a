package broker

import (
	"context"
	"sync"

	"github.com/agencore/router/internal/envelope"
)

// MemoryBroker is an in-process Broker for development and unit tests: a
// per-topic subscriber list, fanned out on publish over plain Go
// goroutines/callbacks, with no network boundary to cross.
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string]*memoryTopic
	closed bool
}

type memoryTopic struct {
	mu          sync.RWMutex
	subscribers map[int]Handler
	nextID      int
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]*memoryTopic)}
}

func (b *MemoryBroker) topic(name string) *memoryTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{subscribers: make(map[int]Handler)}
		b.topics[name] = t
	}
	return t
}

// Publish fans env out to every subscriber of topic, each on its own
// goroutine so that a slow or blocked handler never holds up delivery to
// other subscribers — handlers must not hold locks across suspension
// points. Publish itself returns only after every handler has returned,
// with the first handler error, if any.
func (b *MemoryBroker) Publish(ctx context.Context, topicName string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	t := b.topic(topicName)
	t.mu.RLock()
	handlers := make([]Handler, 0, len(t.subscribers))
	for _, h := range t.subscribers {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			clone := env.Clone()
			clone.AddHop(topicName)
			if err := h(ctx, clone); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return firstErr
}

// Subscribe registers handler on topicName.
func (b *MemoryBroker) Subscribe(ctx context.Context, topicName string, handler Handler) (Unsubscribe, error) {
	t := b.topic(topicName)
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subscribers[id] = handler
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}, nil
}

// Close marks the broker closed. In-process subscribers are simply dropped
// — there is no connection to tear down.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[string]*memoryTopic)
	return nil
}
