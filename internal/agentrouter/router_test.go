package agentrouter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agencore/router/internal/broker"
	"github.com/agencore/router/internal/envelope"
)

func subscribeCapture(t *testing.T, b broker.Broker, topic string) *captured {
	t.Helper()
	c := &captured{}
	_, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, env *envelope.Envelope) error {
		c.mu.Lock()
		c.envs = append(c.envs, env)
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	return c
}

type captured struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (c *captured) last() *envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.envs) == 0 {
		return nil
	}
	return c.envs[len(c.envs)-1]
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func TestHandleUserPromptRoutesToChatIn(t *testing.T) {
	b := broker.NewMemoryBroker()
	r, err := New(Config{Name: "assistant"}, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chatIn := subscribeCapture(t, b, "chat.in")

	env := envelope.New(envelope.KindUserPrompt, "chat.out.caller")
	env.LatestMessage = &envelope.Message{Role: envelope.RoleUserInput, Text: "hello"}

	if err := r.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := chatIn.last()
	if got == nil {
		t.Fatalf("expected a chat.in publish")
	}
	if len(got.MessageHistory) != 1 || got.MessageHistory[0].Text != "hello" {
		t.Fatalf("expected user prompt folded into history, got %+v", got.MessageHistory)
	}
}

func TestHandleUserPromptSeedsSystemPrompt(t *testing.T) {
	b := broker.NewMemoryBroker()
	r, err := New(Config{Name: "assistant", SystemPrompt: "be terse"}, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chatIn := subscribeCapture(t, b, "chat.in")

	env := envelope.New(envelope.KindUserPrompt, "chat.out.caller")
	env.LatestMessage = &envelope.Message{Role: envelope.RoleUserInput, Text: "hello"}
	if err := r.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := chatIn.last()
	if len(got.MessageHistory) != 2 {
		t.Fatalf("expected system prompt + user prompt, got %+v", got.MessageHistory)
	}
	if got.MessageHistory[0].Role != envelope.RoleSystem || got.MessageHistory[0].Text != "be terse" {
		t.Fatalf("expected system prompt first, got %+v", got.MessageHistory[0])
	}
}

func TestHandleAIResponseWithoutToolCallsPublishesFinal(t *testing.T) {
	b := broker.NewMemoryBroker()
	r, err := New(Config{Name: "assistant"}, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	final := subscribeCapture(t, b, "chat.out.caller")

	env := envelope.New(envelope.KindAIResponse, "chat.out.caller")
	env.LatestMessage = &envelope.Message{Role: envelope.RoleModelResponse, Text: "the answer is 4"}
	if err := r.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if final.count() != 1 {
		t.Fatalf("expected exactly one final publish, got %d", final.count())
	}
}

func TestHandleAIResponsePopsDelegationFrame(t *testing.T) {
	b := broker.NewMemoryBroker()
	r, err := New(Config{Name: "researcher"}, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	callerIn := subscribeCapture(t, b, "agent.private.coordinator")

	env := envelope.New(envelope.KindAIResponse, "groupchat.return.none")
	env.LatestMessage = &envelope.Message{Role: envelope.RoleModelResponse, Text: "paris"}
	env.DelegationStack = []envelope.DelegationFrame{{
		CallerPrivateTopic:       "agent.private.coordinator",
		CallerFinalResponseTopic: "chat.out.caller",
		ToolCallID:               "call_1",
		ToolName:                 "researcher",
	}}

	if err := r.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := callerIn.last()
	if got == nil {
		t.Fatalf("expected delegation result routed to caller's private topic")
	}
	if got.Kind != envelope.KindToolResult {
		t.Fatalf("expected tool_result, got %q", got.Kind)
	}
	if got.LatestMessage.ToolCallID != "call_1" || got.LatestMessage.Text != "paris" {
		t.Fatalf("unexpected tool_result: %+v", got.LatestMessage)
	}
	if len(got.DelegationStack) != 0 {
		t.Fatalf("expected delegation stack to be empty after pop")
	}
}

func TestDispatchUnknownToolShortCircuitsAndResumesChat(t *testing.T) {
	b := broker.NewMemoryBroker()
	r, err := New(Config{Name: "assistant"}, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chatIn := subscribeCapture(t, b, "chat.in")

	env := envelope.New(envelope.KindAIResponse, "chat.out.caller")
	env.LatestMessage = &envelope.Message{
		Role:      envelope.RoleModelResponse,
		ToolCalls: []envelope.ToolCall{{ID: "call_1", ToolName: "nonexistent"}},
	}
	if err := r.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := chatIn.last()
	if got == nil {
		t.Fatalf("expected the join to resume chat.in even for an unknown tool")
	}
	last := got.MessageHistory[len(got.MessageHistory)-1]
	if !last.IsError || last.ToolCallID != "call_1" {
		t.Fatalf("expected a synthetic error tool_return, got %+v", last)
	}
}

func TestDispatchRegularToolRoutesToToolIn(t *testing.T) {
	b := broker.NewMemoryBroker()
	r, err := New(Config{
		Name:  "assistant",
		Tools: map[string]ToolRoute{"weather": {Kind: RegularTool, Topic: "tool.in.weather"}},
	}, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	toolIn := subscribeCapture(t, b, "tool.in.weather")

	env := envelope.New(envelope.KindAIResponse, "chat.out.caller")
	env.LatestMessage = &envelope.Message{
		Role:      envelope.RoleModelResponse,
		ToolCalls: []envelope.ToolCall{{ID: "call_1", ToolName: "weather"}},
	}
	if err := r.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if toolIn.count() != 1 {
		t.Fatalf("expected exactly one tool_call_request published, got %d", toolIn.count())
	}
	if toolIn.last().Kind != envelope.KindToolCallRequest {
		t.Fatalf("expected tool_call_request, got %q", toolIn.last().Kind)
	}
}

func TestJoinWaitsForAllToolResultsBeforeResumingChat(t *testing.T) {
	b := broker.NewMemoryBroker()
	r, err := New(Config{
		Name: "assistant",
		Tools: map[string]ToolRoute{
			"a": {Kind: RegularTool, Topic: "tool.in.a"},
			"c": {Kind: RegularTool, Topic: "tool.in.c"},
		},
	}, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chatIn := subscribeCapture(t, b, "chat.in")

	env := envelope.New(envelope.KindAIResponse, "chat.out.caller")
	env.LatestMessage = &envelope.Message{
		Role: envelope.RoleModelResponse,
		ToolCalls: []envelope.ToolCall{
			{ID: "call_a", ToolName: "a"},
			{ID: "call_c", ToolName: "c"},
		},
	}
	if err := r.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if chatIn.count() != 0 {
		t.Fatalf("chat.in must not resume until both tool_results arrive")
	}

	resultA := env.Clone()
	resultA.Kind = envelope.KindToolResult
	resultA.LatestMessage = &envelope.Message{Role: envelope.RoleToolReturn, ToolCallID: "call_a", ToolName: "a", Text: "a-result"}
	if err := r.Handle(context.Background(), resultA); err != nil {
		t.Fatalf("Handle result a: %v", err)
	}
	if chatIn.count() != 0 {
		t.Fatalf("chat.in must not resume after only one of two results")
	}

	resultC := env.Clone()
	resultC.Kind = envelope.KindToolResult
	resultC.LatestMessage = &envelope.Message{Role: envelope.RoleToolReturn, ToolCallID: "call_c", ToolName: "c", Text: "c-result"}
	if err := r.Handle(context.Background(), resultC); err != nil {
		t.Fatalf("Handle result c: %v", err)
	}
	if chatIn.count() != 1 {
		t.Fatalf("expected chat.in to resume once both results arrived, got %d publishes", chatIn.count())
	}
}

func TestFirstDeliveryDropsRedeliveredEnvelope(t *testing.T) {
	b := broker.NewMemoryBroker()
	r, err := New(Config{Name: "assistant"}, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chatIn := subscribeCapture(t, b, "chat.in")

	env := envelope.New(envelope.KindUserPrompt, "chat.out.caller")
	env.LatestMessage = &envelope.Message{Role: envelope.RoleUserInput, Text: "hello"}

	if err := r.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := r.Handle(context.Background(), env); err != nil {
		t.Fatalf("redelivered Handle: %v", err)
	}
	if chatIn.count() != 1 {
		t.Fatalf("expected exactly one chat.in publish despite redelivery, got %d", chatIn.count())
	}
}

func TestJoinTimeoutForceCompletesWithSyntheticError(t *testing.T) {
	b := broker.NewMemoryBroker()
	r, err := New(Config{
		Name:        "assistant",
		Tools:       map[string]ToolRoute{"slow": {Kind: RegularTool, Topic: "tool.in.slow"}},
		JoinTimeout: 1100 * time.Millisecond,
	}, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chatIn := subscribeCapture(t, b, "chat.in")

	env := envelope.New(envelope.KindAIResponse, "chat.out.caller")
	env.LatestMessage = &envelope.Message{
		Role:      envelope.RoleModelResponse,
		ToolCalls: []envelope.ToolCall{{ID: "call_1", ToolName: "slow"}},
	}
	if err := r.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	// ristretto's TTL eviction runs on a coarse cleanup tick, so allow well
	// past the nominal deadline before declaring the join stuck.
	deadline := time.Now().Add(10 * time.Second)
	for chatIn.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if chatIn.count() != 1 {
		t.Fatalf("expected the join to force-complete after its deadline, got %d publishes", chatIn.count())
	}
	last := chatIn.last().MessageHistory
	tail := last[len(last)-1]
	if !tail.IsError {
		t.Fatalf("expected a synthetic error tool_return, got %+v", tail)
	}
}
