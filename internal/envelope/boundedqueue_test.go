package envelope

import (
	"encoding/json"
	"testing"
)

func TestBoundedQueueEvictsOldestAtCapacity(t *testing.T) {
	q := NewBoundedQueue[int](2)
	q.Push(1)
	q.Push(2)
	q.Push(3)
	items := q.Items()
	if len(items) != 2 || items[0] != 2 || items[1] != 3 {
		t.Fatalf("expected [2 3], got %v", items)
	}
}

func TestBoundedQueueZeroCapacityRetainsNothing(t *testing.T) {
	q := NewBoundedQueue[int](0)
	q.Push(1)
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d items", q.Len())
	}
}

func TestBoundedQueueJSONRoundTripKeepsCapacity(t *testing.T) {
	q := NewBoundedQueue[Turn](2)
	q.Push(Turn{AgentName: "alice"})
	q.Push(Turn{AgentName: "bob"})

	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got BoundedQueue[Turn]
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("expected 2 items after round trip, got %d", got.Len())
	}

	// The decoded queue must keep evicting at the original bound.
	got.Push(Turn{AgentName: "carol"})
	items := got.Items()
	if len(items) != 2 || items[0].AgentName != "bob" || items[1].AgentName != "carol" {
		t.Fatalf("expected capacity to survive the round trip, got %+v", items)
	}
}
