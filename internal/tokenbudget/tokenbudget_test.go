package tokenbudget

import "testing"

func TestSimpleCounterCountsRoughlyByWordsAndLength(t *testing.T) {
	c := SimpleCounter{}
	if got := c.Count(""); got != 0 {
		t.Fatalf("expected 0 for empty text, got %d", got)
	}
	if got := c.Count("hello world"); got <= 0 {
		t.Fatalf("expected a positive count, got %d", got)
	}
	shortCost := c.Count("hi")
	longCost := c.Count("a much longer sentence with many more words in it")
	if longCost <= shortCost {
		t.Fatalf("expected longer text to cost more: short=%d long=%d", shortCost, longCost)
	}
}

type stubCounter struct{ n int }

func (s stubCounter) Count(string) int { return s.n }

func TestRegistryReturnsPerDestinationCounterAndContextTokens(t *testing.T) {
	r := NewRegistry()
	r.Register("agent-a", stubCounter{n: 7}, 4000)
	r.Register("agent-b", stubCounter{n: 3}, 8000)

	if got := r.Counter("agent-a").Count("x"); got != 7 {
		t.Fatalf("expected agent-a's registered counter, got count %d", got)
	}
	if got := r.Counter("agent-b").Count("x"); got != 3 {
		t.Fatalf("expected agent-b's registered counter, got count %d", got)
	}
	if got := r.ContextTokens("agent-a", 1); got != 4000 {
		t.Fatalf("expected agent-a's registered context window, got %d", got)
	}
	if got := r.ContextTokens("agent-b", 1); got != 8000 {
		t.Fatalf("expected agent-b's registered context window, got %d", got)
	}
}

func TestRegistryFallsBackForUnregisteredDestination(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Counter("unknown").(SimpleCounter); !ok {
		t.Fatalf("expected SimpleCounter fallback for an unregistered destination")
	}
	if got := r.ContextTokens("unknown", 12345); got != 12345 {
		t.Fatalf("expected the fallback context window, got %d", got)
	}
}
