// Package tokenbudget estimates how many tokens a piece of text will cost a
// given model and maps destinations (agent names, model ids) to the right
// counter, for sizing a chat node's history window.
package tokenbudget

import (
	"sync"
	"unicode"

	"github.com/agencore/router/internal/envelope"
)

// Counter estimates the token cost of a string for a particular model.
// Satisfies envelope.Counter.
type Counter interface {
	Count(text string) int
}

var _ envelope.Counter = SimpleCounter{}

// SimpleCounter is a dependency-free approximation: the larger of about 1.3
// tokens per whitespace-delimited word and one token per 4 bytes of text.
// Good enough for history-window sizing, not for billing.
type SimpleCounter struct{}

func (SimpleCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	words := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			words++
			inWord = true
		}
	}
	// Approximate 1.3 tokens per word, with a floor of len/4 for
	// punctuation-heavy or non-whitespace-delimited text.
	byLen := len(text) / 4
	byWords := words + words/3
	if byWords > byLen {
		return byWords
	}
	return byLen
}

// Registry maps a destination (agent name, model id, tool name — anything a
// chat node is keyed by) to the Counter that should size its history
// window.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]Counter
	// ContextTokens maps the same destinations to their model's usable
	// context window, in tokens.
	contextTokens map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		counters:      make(map[string]Counter),
		contextTokens: make(map[string]int),
	}
}

// Register associates a destination with a counter and context window.
func (r *Registry) Register(destination string, counter Counter, contextTokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[destination] = counter
	r.contextTokens[destination] = contextTokens
}

// Counter returns the counter for destination, or SimpleCounter if unset.
func (r *Registry) Counter(destination string) Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[destination]; ok {
		return c
	}
	return SimpleCounter{}
}

// ContextTokens returns the registered context window for destination, or
// fallback if none was registered.
func (r *Registry) ContextTokens(destination string, fallback int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.contextTokens[destination]; ok {
		return n
	}
	return fallback
}
