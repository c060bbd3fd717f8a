package envelope

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// BoundedQueue is a FIFO of fixed capacity: pushing past capacity evicts the
// oldest element.
type BoundedQueue[T any] struct {
	capacity int
	items    []T
}

// NewBoundedQueue creates a queue that holds at most capacity items. A
// non-positive capacity means the queue never retains anything.
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &BoundedQueue[T]{capacity: capacity, items: make([]T, 0, capacity)}
}

// Push appends an item, evicting the oldest if the queue is already at
// capacity.
func (q *BoundedQueue[T]) Push(item T) {
	if q.capacity == 0 {
		return
	}
	if len(q.items) >= q.capacity {
		q.items = append(q.items[1:], item)
		return
	}
	q.items = append(q.items, item)
}

// Items returns the queue contents, oldest first.
func (q *BoundedQueue[T]) Items() []T {
	return append([]T(nil), q.items...)
}

// Len reports the current number of items held.
func (q *BoundedQueue[T]) Len() int {
	return len(q.items)
}

// Clone returns an independent copy.
func (q *BoundedQueue[T]) Clone() *BoundedQueue[T] {
	clone := &BoundedQueue[T]{capacity: q.capacity, items: append([]T(nil), q.items...)}
	return clone
}

// boundedQueueWire is the serialized form. The capacity travels with the
// items: group-chat state crosses the broker inside the envelope, and a
// consumer on the far side must reconstruct a queue that still evicts at the
// same bound.
type boundedQueueWire[T any] struct {
	Capacity int `json:"capacity" msgpack:"capacity"`
	Items    []T `json:"items" msgpack:"items"`
}

func (q *BoundedQueue[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(boundedQueueWire[T]{Capacity: q.capacity, Items: q.items})
}

func (q *BoundedQueue[T]) UnmarshalJSON(data []byte) error {
	var wire boundedQueueWire[T]
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	q.capacity = wire.Capacity
	q.items = wire.Items
	return nil
}

func (q *BoundedQueue[T]) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(boundedQueueWire[T]{Capacity: q.capacity, Items: q.items})
}

func (q *BoundedQueue[T]) DecodeMsgpack(dec *msgpack.Decoder) error {
	var wire boundedQueueWire[T]
	if err := dec.Decode(&wire); err != nil {
		return err
	}
	q.capacity = wire.Capacity
	q.items = wire.Items
	return nil
}
