// Package chatnode calls the LLM capability with the current message
// history and turns the model's reply into an ai_response envelope. The
// agent router remains the sole writer of MessageHistory; this node only
// ever sets LatestMessage.
package chatnode

import (
	"context"
	"fmt"
	"log"

	"github.com/agencore/router/internal/broker"
	"github.com/agencore/router/internal/envelope"
	"github.com/agencore/router/internal/llm"
	"github.com/agencore/router/internal/telemetry"
	"github.com/agencore/router/internal/tokenbudget"
	"github.com/agencore/router/internal/topics"
)

// Node is one chat capability: a name, a model client, default request
// parameters, and the input/output topics it binds to.
type Node struct {
	name     string
	client   llm.LLM
	defaults llm.RequestParams
	tools    []llm.ToolDefinition
	counter  tokenbudget.Counter
	ctxWin   int // max tokens of history to hand to the model; 0 disables windowing

	in, out string
	b       broker.Broker
}

// Option configures a Node at construction.
type Option func(*Node)

// WithTools attaches the tool definitions (name/description/schema) the
// model may call; surfaced on every request.
func WithTools(tools []llm.ToolDefinition) Option {
	return func(n *Node) { n.tools = tools }
}

// WithHistoryWindow bounds how much of MessageHistory is sent to the model:
// the full history, budget-windowed, rather than just the latest message.
func WithHistoryWindow(counter tokenbudget.Counter, maxTokens int) Option {
	return func(n *Node) { n.counter = counter; n.ctxWin = maxTokens }
}

// WithTopics overrides the default chat.in/chat.out topic pair, e.g. to scope
// a chat node per agent so different agents can run different models or
// system prompts.
func WithTopics(in, out string) Option {
	return func(n *Node) { n.in = in; n.out = out }
}

// New creates a chat node bound to client, publishing through b.
func New(name string, client llm.LLM, defaults llm.RequestParams, b broker.Broker, opts ...Option) *Node {
	n := &Node{
		name:     name,
		client:   client,
		defaults: defaults,
		b:        b,
		in:       topics.ChatIn,
		out:      topics.ChatOut,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Node) Name() string { return n.name }

// Wiring declares chat.in as a shared subscription (possibly many chat
// nodes scoped per agent share it, or a single one serves everyone) and
// chat.out as where completions are published. A chat node has no private
// topics: it never participates in direct/delegated addressing.
func (n *Node) Wiring() []topics.Binding {
	return []topics.Binding{
		{Role: topics.SharedSubscribe, Topic: n.in},
		{Role: topics.Publish, Topic: n.out},
	}
}

// Handle calls the model and publishes the resulting ai_response.
func (n *Node) Handle(ctx context.Context, env *envelope.Envelope) error {
	ctx, span := telemetry.StartHop(ctx, "chat:"+n.name, env.TraceID)
	var err error
	defer func() { telemetry.EndHop(span, err) }()

	if env.LatestMessage == nil {
		err = &InvalidEnvelopeError{TraceID: env.TraceID, Reason: "latest_message is required"}
		log.Printf("chatnode %s: %v", n.name, err)
		return nil // protocol error: logged, dropped, no retry
	}

	params := n.defaults
	if env.PatchModelRequestParams != nil {
		params = mergeParams(params, env.PatchModelRequestParams)
	}
	if len(n.tools) > 0 && len(params.Tools) == 0 {
		params.Tools = n.tools
	}

	history := env.MessageHistory
	if n.counter != nil && n.ctxWin > 0 {
		history = envelope.WindowHistory(history, n.counter, n.ctxWin)
	}
	messages := toModelMessages(history)

	resp, callErr := n.client.Chat(ctx, messages, params)
	out := env.Clone()
	if callErr != nil {
		out.Kind = envelope.KindAIResponse
		out.LatestMessage = &envelope.Message{
			Role: envelope.RoleModelResponse,
			Text: fmt.Sprintf("llm error: %v", callErr),
		}
		err = n.b.Publish(ctx, n.out, out)
		return err
	}

	out.Kind = envelope.KindAIResponse
	out.LatestMessage = &envelope.Message{
		Role:      envelope.RoleModelResponse,
		Text:      resp.Content,
		ToolCalls: resp.ToolCalls,
	}
	err = n.b.Publish(ctx, n.out, out)
	return err
}

// InvalidEnvelopeError reports a chat-node protocol violation.
type InvalidEnvelopeError struct {
	TraceID string
	Reason  string
}

func (e *InvalidEnvelopeError) Error() string {
	return fmt.Sprintf("chatnode: trace %s: %s", e.TraceID, e.Reason)
}

func toModelMessages(history []envelope.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case envelope.RoleSystem:
			out = append(out, llm.Message{Role: "system", Content: m.Text})
		case envelope.RoleUserInput:
			out = append(out, llm.Message{Role: "user", Content: m.Text})
		case envelope.RoleModelResponse:
			out = append(out, llm.Message{Role: "assistant", Content: m.Text, ToolCalls: m.ToolCalls})
		case envelope.RoleToolReturn:
			out = append(out, llm.Message{
				Role:       "tool",
				Content:    m.Text,
				ToolCallID: m.ToolCallID,
				ToolName:   m.ToolName,
				IsError:    m.IsError,
			})
		}
	}
	return out
}

func mergeParams(base llm.RequestParams, patch map[string]any) llm.RequestParams {
	out := base
	if v, ok := patch["max_tokens"]; ok {
		if f, ok := toFloat(v); ok {
			out.MaxTokens = int(f)
		}
	}
	if v, ok := patch["temperature"]; ok {
		if f, ok := toFloat(v); ok {
			out.Temperature = f
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
