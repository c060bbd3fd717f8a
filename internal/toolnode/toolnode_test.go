package toolnode

import (
	"context"
	"testing"

	"github.com/agencore/router/internal/broker"
	"github.com/agencore/router/internal/envelope"
)

type weatherArgs struct {
	City string `json:"city"`
}

func TestHandleExecutesAndPublishesToolResult(t *testing.T) {
	b := broker.NewMemoryBroker()
	exec := func(ctx context.Context, args map[string]any) (string, error) {
		return "sunny in " + args["city"].(string), nil
	}
	node, err := New("weather", "look up the weather", weatherArgs{}, exec, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got *envelope.Envelope
	_, _ = b.Subscribe(context.Background(), "tool.out.weather", func(ctx context.Context, env *envelope.Envelope) error {
		got = env
		return nil
	})

	env := envelope.New(envelope.KindToolCallRequest, "chat.out.caller")
	env.LatestMessage = &envelope.Message{
		ToolCalls: []envelope.ToolCall{{ID: "call_1", ToolName: "weather", Arguments: map[string]any{"city": "Boston"}}},
	}

	if err := node.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a tool_result publish")
	}
	if got.Kind != envelope.KindToolResult {
		t.Fatalf("expected tool_result, got %q", got.Kind)
	}
	if got.LatestMessage.Text != "sunny in Boston" {
		t.Fatalf("unexpected result text: %q", got.LatestMessage.Text)
	}
	if got.LatestMessage.IsError {
		t.Fatalf("did not expect an error result")
	}
}

func TestHandleWrapsExecutorErrorAsToolReturn(t *testing.T) {
	b := broker.NewMemoryBroker()
	exec := func(ctx context.Context, args map[string]any) (string, error) {
		return "", context.DeadlineExceeded
	}
	node, err := New("weather", "", nil, exec, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got *envelope.Envelope
	_, _ = b.Subscribe(context.Background(), "tool.out.weather", func(ctx context.Context, env *envelope.Envelope) error {
		got = env
		return nil
	})

	env := envelope.New(envelope.KindToolCallRequest, "chat.out.caller")
	env.LatestMessage = &envelope.Message{
		ToolCalls: []envelope.ToolCall{{ID: "call_1", ToolName: "weather"}},
	}
	if err := node.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !got.LatestMessage.IsError {
		t.Fatalf("expected an error result")
	}
}

func TestHandleEmitsErrorForDecodeFailure(t *testing.T) {
	b := broker.NewMemoryBroker()
	calls := 0
	exec := func(ctx context.Context, args map[string]any) (string, error) {
		calls++
		return "", nil
	}
	node, err := New("weather", "look up the weather", weatherArgs{}, exec, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got *envelope.Envelope
	_, _ = b.Subscribe(context.Background(), "tool.out.weather", func(ctx context.Context, env *envelope.Envelope) error {
		got = env
		return nil
	})

	env := envelope.New(envelope.KindToolCallRequest, "chat.out.caller")
	env.LatestMessage = &envelope.Message{
		ToolCalls: []envelope.ToolCall{{ID: "call_1", ToolName: "weather", DecodeError: "decode arguments for tool \"weather\": unexpected end of JSON input"}},
	}
	if err := node.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls != 0 {
		t.Fatalf("executor should not run when arguments failed to decode")
	}
	if got == nil || !got.LatestMessage.IsError {
		t.Fatalf("expected a structured error tool_result, got %+v", got)
	}
	if got.LatestMessage.ToolCallID != "call_1" {
		t.Fatalf("expected the error result to carry the original tool_call_id")
	}
}

func TestHandleEmitsErrorForSchemaViolation(t *testing.T) {
	b := broker.NewMemoryBroker()
	calls := 0
	exec := func(ctx context.Context, args map[string]any) (string, error) {
		calls++
		return "", nil
	}
	node, err := New("weather", "look up the weather", weatherArgs{}, exec, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got *envelope.Envelope
	_, _ = b.Subscribe(context.Background(), "tool.out.weather", func(ctx context.Context, env *envelope.Envelope) error {
		got = env
		return nil
	})

	env := envelope.New(envelope.KindToolCallRequest, "chat.out.caller")
	env.LatestMessage = &envelope.Message{
		// weatherArgs requires "city"; omitting it must fail schema validation.
		ToolCalls: []envelope.ToolCall{{ID: "call_1", ToolName: "weather", Arguments: map[string]any{}}},
	}
	if err := node.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls != 0 {
		t.Fatalf("executor should not run when arguments fail schema validation")
	}
	if got == nil || !got.LatestMessage.IsError {
		t.Fatalf("expected a structured error tool_result, got %+v", got)
	}
}

func TestHandleDropsMismatchedToolCall(t *testing.T) {
	b := broker.NewMemoryBroker()
	calls := 0
	exec := func(ctx context.Context, args map[string]any) (string, error) {
		calls++
		return "", nil
	}
	node, err := New("weather", "", nil, exec, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env := envelope.New(envelope.KindToolCallRequest, "chat.out.caller")
	env.LatestMessage = &envelope.Message{
		ToolCalls: []envelope.ToolCall{{ID: "call_1", ToolName: "other_tool"}},
	}
	if err := node.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls != 0 {
		t.Fatalf("executor should not run for a mismatched tool call")
	}
}

func TestNewWithSchemaValidatesAgainstConfiguredSchema(t *testing.T) {
	b := broker.NewMemoryBroker()
	calls := 0
	exec := func(ctx context.Context, args map[string]any) (string, error) {
		calls++
		return "ok", nil
	}
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []any{"path"},
	}
	node, err := NewWithSchema("read_file", "read a file", schema, exec, b)
	if err != nil {
		t.Fatalf("NewWithSchema: %v", err)
	}

	var got *envelope.Envelope
	_, _ = b.Subscribe(context.Background(), "tool.out.read_file", func(ctx context.Context, env *envelope.Envelope) error {
		got = env
		return nil
	})

	env := envelope.New(envelope.KindToolCallRequest, "chat.out.caller")
	env.LatestMessage = &envelope.Message{
		ToolCalls: []envelope.ToolCall{{ID: "call_1", ToolName: "read_file", Arguments: map[string]any{}}},
	}
	if err := node.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls != 0 {
		t.Fatalf("executor should not run when arguments fail the configured schema")
	}
	if got == nil || !got.LatestMessage.IsError {
		t.Fatalf("expected a structured error tool_result, got %+v", got)
	}

	env2 := envelope.New(envelope.KindToolCallRequest, "chat.out.caller")
	env2.LatestMessage = &envelope.Message{
		ToolCalls: []envelope.ToolCall{{ID: "call_2", ToolName: "read_file", Arguments: map[string]any{"path": "/tmp/x"}}},
	}
	if err := node.Handle(context.Background(), env2); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the executor to run once valid arguments arrive, got %d calls", calls)
	}
}

func TestDefinitionReflectsArgsSchema(t *testing.T) {
	node, err := New("weather", "look up the weather", weatherArgs{}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	def := node.Definition()
	if def.Name != "weather" || def.Description == "" {
		t.Fatalf("unexpected definition: %+v", def)
	}
	props, ok := def.Schema["properties"].(map[string]any)
	if !ok || props["city"] == nil {
		t.Fatalf("expected schema to reflect the city field, got %+v", def.Schema)
	}
}
