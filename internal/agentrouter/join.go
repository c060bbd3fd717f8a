package agentrouter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/agencore/router/internal/envelope"
	"github.com/agencore/router/internal/telemetry"
)

// joinState is the fan-in buffer for one model response's tool calls. The
// JoinBuffer keys it by trace_id alone; responseID records the triggering
// response but is not part of the key. base already has the triggering
// model_response folded into MessageHistory; received accumulates
// tool_return messages in arrival order.
type joinState struct {
	mu         sync.Mutex
	traceID    string
	responseID string
	base       *envelope.Envelope
	expected   map[string]bool
	received   map[string]envelope.Message
	order      []string
	done       bool
}

func (j *joinState) pendingLocked() int {
	return len(j.expected) - len(j.received)
}

// JoinBuffer rendezvous-joins the K tool_results a dispatched model response
// expects before the router resumes the conversation on chat.in. It is
// concurrency-safe and TTL-bounded: a join that doesn't complete within the
// configured deadline is force-completed with synthetic error tool-returns
// for whatever is still missing.
type JoinBuffer struct {
	mu     sync.Mutex
	active map[string]*joinState // trace_id -> state; one in-flight join per trace

	deadlines *ristretto.Cache[string, string] // trace_id -> trace_id, TTL-evicted
	timeout   time.Duration

	// onComplete is called once, with the fully-merged envelope, whenever a
	// join finishes (all results in, or the deadline forced completion).
	onComplete func(ctx context.Context, merged *envelope.Envelope)
}

// NewJoinBuffer builds a join buffer with the given per-join deadline.
func NewJoinBuffer(timeout time.Duration, onComplete func(ctx context.Context, merged *envelope.Envelope)) (*JoinBuffer, error) {
	jb := &JoinBuffer{
		active:     make(map[string]*joinState),
		timeout:    timeout,
		onComplete: onComplete,
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item[string]) {
			jb.expire(item.Value)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("agentrouter: build join deadline cache: %w", err)
	}
	jb.deadlines = cache
	return jb, nil
}

// Start registers a new join for the calls found in an ai_response, and
// arms its deadline. base must already carry the model_response in its
// MessageHistory (the router appends latest_message before dispatching).
func (jb *JoinBuffer) Start(base *envelope.Envelope, calls []envelope.ToolCall) {
	expected := make(map[string]bool, len(calls))
	for _, c := range calls {
		expected[c.ID] = true
	}
	state := &joinState{
		traceID:    base.TraceID,
		responseID: base.ID,
		base:       base,
		expected:   expected,
		received:   make(map[string]envelope.Message, len(calls)),
	}

	jb.mu.Lock()
	jb.active[base.TraceID] = state
	jb.mu.Unlock()

	telemetry.RecordJoinDepth(context.Background(), base.TraceID, len(calls))
	if jb.timeout > 0 {
		jb.deadlines.SetWithTTL(base.TraceID, base.TraceID, 1, jb.timeout)
		jb.deadlines.Wait()
	}
}

// Merge folds one tool_result envelope into its join. Returns true if this
// completed the join (the merged envelope has already been handed to
// onComplete); idempotent — a redelivered tool_result with a ToolCallID
// already recorded is dropped silently.
func (jb *JoinBuffer) Merge(ctx context.Context, env *envelope.Envelope) bool {
	if env.LatestMessage == nil {
		return false
	}
	toolCallID := env.LatestMessage.ToolCallID

	jb.mu.Lock()
	state, ok := jb.active[env.TraceID]
	if !ok {
		// No in-flight join (restart, or a degenerate single-call response
		// whose Start raced with this Merge): treat this call alone as a
		// complete one-off join rather than dropping it, so a final answer
		// is still eventually produced.
		state = &joinState{
			traceID:    env.TraceID,
			responseID: env.ID,
			base:       env,
			expected:   map[string]bool{toolCallID: true},
			received:   make(map[string]envelope.Message),
		}
		jb.active[env.TraceID] = state
	}
	jb.mu.Unlock()

	state.mu.Lock()
	if state.done || !state.expected[toolCallID] {
		complete := state.done
		state.mu.Unlock()
		return complete
	}
	if _, dup := state.received[toolCallID]; dup {
		state.mu.Unlock()
		return false
	}
	state.received[toolCallID] = *env.LatestMessage
	state.order = append(state.order, toolCallID)
	pending := state.pendingLocked()
	complete := pending == 0
	if complete {
		state.done = true
	}
	state.mu.Unlock()

	telemetry.RecordJoinDepth(ctx, env.TraceID, pending)
	if !complete {
		return false
	}
	jb.finish(ctx, state)
	return true
}

// expire is invoked by the ristretto cache's OnEvict callback when a join's
// deadline passes. Missing tool_results are replaced with synthetic error
// tool-returns so the conversation always progresses.
func (jb *JoinBuffer) expire(traceID string) {
	jb.mu.Lock()
	state, ok := jb.active[traceID]
	jb.mu.Unlock()
	if !ok {
		return
	}

	state.mu.Lock()
	if state.done {
		state.mu.Unlock()
		return
	}
	for callID := range state.expected {
		if _, got := state.received[callID]; got {
			continue
		}
		state.received[callID] = envelope.Message{
			Role:       envelope.RoleToolReturn,
			ToolCallID: callID,
			ToolName:   toolNameFor(state.base, callID),
			Text:       "tool_result did not arrive before the join deadline",
			IsError:    true,
		}
		state.order = append(state.order, callID)
	}
	state.done = true
	state.mu.Unlock()

	ctx := context.Background()
	telemetry.RecordJoinTimeout(ctx, traceID)
	jb.finish(ctx, state)
}

func (jb *JoinBuffer) finish(ctx context.Context, state *joinState) {
	jb.mu.Lock()
	if jb.active[state.traceID] == state {
		delete(jb.active, state.traceID)
	}
	jb.mu.Unlock()

	state.mu.Lock()
	merged := state.base.Clone()
	for _, id := range state.order {
		merged = merged.WithAppendedHistory(state.received[id])
	}
	state.mu.Unlock()

	jb.onComplete(ctx, merged)
}

func toolNameFor(base *envelope.Envelope, callID string) string {
	if base.LatestMessage == nil {
		return ""
	}
	for _, c := range base.LatestMessage.ToolCalls {
		if c.ID == callID {
			return c.ToolName
		}
	}
	return ""
}

// contentHash is used by callers that want a cheap idempotency key for an
// entire envelope (e.g. to drop an exactly-redelivered message before it
// reaches routing logic at all), independent of the per-tool-call dedup
// Merge already performs.
func contentHash(traceID, id string) uint64 {
	return xxhash.Sum64String(traceID + ":" + id)
}
