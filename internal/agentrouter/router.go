// Package agentrouter implements the agent router node: the central state
// machine that classifies each inbound envelope and routes it to chat, to
// a tool, to a delegated sub-agent, or to the envelope's
// final_response_topic.
package agentrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/agencore/router/internal/broker"
	"github.com/agencore/router/internal/envelope"
	"github.com/agencore/router/internal/telemetry"
	"github.com/agencore/router/internal/topics"
)

// ToolKind distinguishes a regular external-capability tool from a
// delegation tool (a sub-agent exposed to the model as a callable tool).
type ToolKind int

const (
	RegularTool ToolKind = iota
	DelegationTool
)

// ToolRoute is where the router sends a tool call of a given name.
type ToolRoute struct {
	Kind  ToolKind
	Topic string // tool.in.{tool} for RegularTool, agent.private.{agent} for DelegationTool
}

// Config describes one router instance.
type Config struct {
	Name         string
	Tools        map[string]ToolRoute // tool_name -> route
	JoinTimeout  time.Duration        // 0 disables forced completion
	ChatInTopic  string               // defaults to topics.ChatIn
	ChatOutTopic string               // defaults to topics.ChatOut; must match the chat node this agent's model calls go to

	// SystemPrompt, if set, is seeded as the first history entry of every
	// new trace this router originates, so a chat node shared across many
	// agents still gives each agent its own instructions.
	SystemPrompt string
}

// Router is the per-agent state machine.
type Router struct {
	cfg        Config
	b          broker.Broker
	join       *JoinBuffer
	entrypoint string
	returnpt   string
	chatIn     string
	chatOut    string

	dedup *ristretto.Cache[uint64, bool]
}

// New builds a router for one agent. b is used both to publish routed
// envelopes and, asynchronously, to publish the chat.in envelope a
// completed join produces.
func New(cfg Config, b broker.Broker) (*Router, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agentrouter: name is required")
	}
	if cfg.Tools == nil {
		cfg.Tools = make(map[string]ToolRoute)
	}
	if cfg.ChatInTopic == "" {
		cfg.ChatInTopic = topics.ChatIn
	}
	if cfg.ChatOutTopic == "" {
		cfg.ChatOutTopic = topics.ChatOut
	}

	r := &Router{
		cfg:        cfg,
		b:          b,
		entrypoint: topics.AgentPrivateTopic(cfg.Name),
		returnpt:   topics.AgentReturnTopic(cfg.Name),
		chatIn:     cfg.ChatInTopic,
		chatOut:    cfg.ChatOutTopic,
	}

	dedup, err := ristretto.NewCache(&ristretto.Config[uint64, bool]{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("agentrouter %s: build dedup cache: %w", cfg.Name, err)
	}
	r.dedup = dedup

	join, err := NewJoinBuffer(cfg.JoinTimeout, r.onJoinComplete)
	if err != nil {
		return nil, err
	}
	r.join = join

	return r, nil
}

func (r *Router) Name() string { return r.cfg.Name }

// Wiring declares this agent's four topic roles. The
// additional chat.out and tool.out.{t} subscriptions this router also needs
// are not static templates bound to this node's own name, so they are
// surfaced separately through ExtraTopics for internal/noderunner to bind.
func (r *Router) Wiring() []topics.Binding {
	return []topics.Binding{
		{Role: topics.SharedSubscribe, Topic: topics.AgentPublicTemplate},
		{Role: topics.Entrypoint, Topic: topics.AgentPrivateTemplate},
		{Role: topics.Returnpoint, Topic: topics.AgentReturnTemplate},
		{Role: topics.Publish, Topic: r.chatIn},
	}
}

// ExtraTopics returns this agent's chat-out topic plus every regular tool's
// tool.out.{t} topic this router must also subscribe to.
func (r *Router) ExtraTopics() []string {
	out := []string{r.chatOut}
	for name, route := range r.cfg.Tools {
		if route.Kind == RegularTool {
			out = append(out, topics.ToolOutTopic(name))
		}
	}
	return out
}

// Handle classifies and routes one inbound envelope. It is independent of
// which topic the envelope arrived on — the classification depends only
// on (kind, latest_message, delegation_stack).
func (r *Router) Handle(ctx context.Context, env *envelope.Envelope) error {
	ctx, span := telemetry.StartHop(ctx, "router:"+r.cfg.Name, env.TraceID)
	var err error
	defer func() { telemetry.EndHop(span, err) }()

	if verr := env.Validate(); verr != nil {
		log.Printf("agentrouter %s: dropping invalid envelope: %v", r.cfg.Name, verr)
		return nil
	}
	if !r.firstDelivery(env) {
		return nil // at-least-once redelivery of an envelope already handled
	}

	switch env.Kind {
	case envelope.KindUserPrompt:
		err = r.handleUserPrompt(ctx, env)
	case envelope.KindAIResponse:
		err = r.handleAIResponse(ctx, env)
	case envelope.KindToolResult:
		err = r.handleToolResult(ctx, env)
	case envelope.KindEndOfTurn:
		// terminal: logged for visibility, then dropped.
		log.Printf("agentrouter %s: end_of_turn for trace %s", r.cfg.Name, env.TraceID)
	default:
		log.Printf("agentrouter %s: unknown kind %q, dropping", r.cfg.Name, env.Kind)
	}
	return err
}

// firstDelivery reports whether this exact envelope has not been processed
// before, guarding against the broker's at-least-once redelivery producing
// duplicate routing side effects for the very same hop.
func (r *Router) firstDelivery(env *envelope.Envelope) bool {
	key := contentHash(env.TraceID, env.ID)
	if _, found := r.dedup.Get(key); found {
		return false
	}
	r.dedup.SetWithTTL(key, true, 1, 10*time.Minute)
	r.dedup.Wait() // ristretto buffers Sets; flush so an immediate redelivery sees this key
	return true
}

func (r *Router) handleUserPrompt(ctx context.Context, env *envelope.Envelope) error {
	if env.LatestMessage == nil {
		log.Printf("agentrouter %s: user_prompt missing latest_message, dropping trace %s", r.cfg.Name, env.TraceID)
		return nil
	}
	seeded := env
	if r.cfg.SystemPrompt != "" && len(env.MessageHistory) == 0 {
		seeded = env.WithAppendedHistory(envelope.Message{
			Role: envelope.RoleSystem,
			Text: r.cfg.SystemPrompt,
		})
	}
	next := seeded.WithAppendedHistory(*env.LatestMessage)
	return r.b.Publish(ctx, r.chatIn, next)
}

func (r *Router) handleAIResponse(ctx context.Context, env *envelope.Envelope) error {
	if env.LatestMessage == nil {
		log.Printf("agentrouter %s: ai_response missing latest_message, dropping trace %s", r.cfg.Name, env.TraceID)
		return nil
	}
	withHist := env.WithAppendedHistory(*env.LatestMessage)

	if withHist.LatestMessage.HasToolCalls() {
		return r.dispatchToolCalls(ctx, withHist)
	}
	if len(withHist.DelegationStack) == 0 {
		return r.publishFinal(ctx, withHist)
	}
	return r.popDelegation(ctx, withHist)
}

func (r *Router) publishFinal(ctx context.Context, env *envelope.Envelope) error {
	if env.FinalResponseTopic == "" {
		log.Printf("agentrouter %s: final ai_response for trace %s has no final_response_topic, dropping", r.cfg.Name, env.TraceID)
		return nil
	}
	return r.b.Publish(ctx, env.FinalResponseTopic, env)
}

func (r *Router) popDelegation(ctx context.Context, env *envelope.Envelope) error {
	frame, rest, ok := env.PopDelegation()
	if !ok {
		log.Printf("agentrouter %s: returnpoint arrived with empty delegation stack, trace %s (protocol violation, dropping)", r.cfg.Name, env.TraceID)
		return nil
	}

	toolReturn := envelope.Message{
		Role:       envelope.RoleToolReturn,
		Text:       env.LatestMessage.Text,
		ToolCallID: frame.ToolCallID,
		ToolName:   frame.ToolName,
	}
	next := rest.Clone()
	next.Kind = envelope.KindToolResult
	next.LatestMessage = &toolReturn
	next.FinalResponseTopic = frame.CallerFinalResponseTopic

	return r.b.Publish(ctx, frame.CallerPrivateTopic, next)
}

func (r *Router) handleToolResult(ctx context.Context, env *envelope.Envelope) error {
	if env.LatestMessage == nil {
		log.Printf("agentrouter %s: tool_result missing latest_message, dropping trace %s", r.cfg.Name, env.TraceID)
		return nil
	}
	r.join.Merge(ctx, env)
	return nil
}

// dispatchToolCalls fans out every tool call in one model response,
// registers the join that reassembles their results, and short-circuits
// unknown tools immediately.
func (r *Router) dispatchToolCalls(ctx context.Context, env *envelope.Envelope) error {
	calls := env.LatestMessage.ToolCalls
	r.join.Start(env, calls)

	var firstErr error
	var unresolvedMu sync.Mutex
	record := func(err error) {
		if err == nil {
			return
		}
		unresolvedMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		unresolvedMu.Unlock()
	}

	for _, call := range calls {
		route, known := r.cfg.Tools[call.ToolName]
		if !known {
			record(r.shortCircuitUnknownTool(ctx, env, call))
			continue
		}
		switch route.Kind {
		case RegularTool:
			record(r.dispatchRegularTool(ctx, env, route, call))
		case DelegationTool:
			record(r.dispatchDelegation(ctx, env, route, call))
		}
	}
	return firstErr
}

func (r *Router) dispatchRegularTool(ctx context.Context, env *envelope.Envelope, route ToolRoute, call envelope.ToolCall) error {
	req := env.Clone()
	req.Kind = envelope.KindToolCallRequest
	req.LatestMessage = &envelope.Message{
		Role:      envelope.RoleModelResponse,
		ToolCalls: []envelope.ToolCall{call},
	}
	return r.b.Publish(ctx, route.Topic, req)
}

func (r *Router) dispatchDelegation(ctx context.Context, env *envelope.Envelope, route ToolRoute, call envelope.ToolCall) error {
	frame := envelope.DelegationFrame{
		CallerPrivateTopic:       r.entrypoint,
		CallerFinalResponseTopic: env.FinalResponseTopic,
		ToolCallID:               call.ID,
		ToolName:                 call.ToolName,
	}
	sub := env.PushDelegation(frame)
	sub.Kind = envelope.KindUserPrompt
	sub.LatestMessage = &envelope.Message{
		Role: envelope.RoleUserInput,
		Text: delegationPrompt(call),
	}
	sub.FinalResponseTopic = r.returnpt
	return r.b.Publish(ctx, route.Topic, sub)
}

func delegationPrompt(call envelope.ToolCall) string {
	raw, err := json.Marshal(call.Arguments)
	if err != nil || string(raw) == "{}" || string(raw) == "null" {
		return ""
	}
	if q, ok := call.Arguments["question"].(string); ok {
		return q
	}
	return string(raw)
}

func (r *Router) shortCircuitUnknownTool(ctx context.Context, env *envelope.Envelope, call envelope.ToolCall) error {
	errResult := envelope.Message{
		Role:       envelope.RoleToolReturn,
		ToolCallID: call.ID,
		ToolName:   call.ToolName,
		Text:       fmt.Sprintf("unknown tool %q", call.ToolName),
		IsError:    true,
	}
	synthetic := env.Clone()
	synthetic.Kind = envelope.KindToolResult
	synthetic.LatestMessage = &errResult
	r.join.Merge(ctx, synthetic)
	return nil
}

// onJoinComplete is the JoinBuffer's completion callback: publish the
// merged envelope to chat.in so the conversation resumes.
func (r *Router) onJoinComplete(ctx context.Context, merged *envelope.Envelope) {
	if err := r.b.Publish(ctx, r.chatIn, merged); err != nil {
		log.Printf("agentrouter %s: publish joined chat.in for trace %s: %v", r.cfg.Name, merged.TraceID, err)
	}
}
