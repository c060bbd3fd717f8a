// Package groupchat implements the group-chat router node: a round-robin
// scheduler over a fixed roster of agent routers, terminating on unanimous
// skip.
package groupchat

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/agencore/router/internal/broker"
	"github.com/agencore/router/internal/envelope"
	"github.com/agencore/router/internal/telemetry"
	"github.com/agencore/router/internal/topics"
)

// Config describes one group chat's fixed roster.
type Config struct {
	Name        string   // identifies this group's shared topics
	AgentNames  []string // roster display names, for the system-prompt addition
	AgentTopics []string // ordered private entrypoint topics, one per agent — length N
}

// Router is the group-chat scheduler.
type Router struct {
	cfg Config
	b   broker.Broker

	in    string
	retpt string

	mu    sync.Mutex
	chats map[string]*envelope.GroupchatData // trace_id -> in-flight state
}

// New builds a group-chat router for cfg's fixed roster.
func New(cfg Config, b broker.Broker) (*Router, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("groupchat: name is required")
	}
	if len(cfg.AgentTopics) == 0 {
		return nil, fmt.Errorf("groupchat %s: at least one participant is required", cfg.Name)
	}
	if len(cfg.AgentNames) != len(cfg.AgentTopics) {
		return nil, fmt.Errorf("groupchat %s: agent_names and agent_topics must be the same length", cfg.Name)
	}
	return &Router{
		cfg:   cfg,
		b:     b,
		in:    topics.GroupchatInTopic(cfg.Name),
		retpt: topics.GroupchatReturnTopic(cfg.Name),
		chats: make(map[string]*envelope.GroupchatData),
	}, nil
}

func (r *Router) Name() string { return r.cfg.Name }

func (r *Router) Wiring() []topics.Binding {
	return []topics.Binding{
		{Role: topics.SharedSubscribe, Topic: r.in},
	}
}

// ExtraTopics reports the group's own returnpoint, since a group chat's
// inbound topics don't follow the per-node entrypoint/returnpoint template
// (there is one router per group, not per participant name).
func (r *Router) ExtraTopics() []string {
	return []string{r.retpt}
}

// Handle routes an inbound envelope to either "start a new round" (a fresh
// user_prompt addressed to the group) or "record one participant's turn"
// (an ai_response arriving on the group's returnpoint).
func (r *Router) Handle(ctx context.Context, env *envelope.Envelope) error {
	ctx, span := telemetry.StartHop(ctx, "groupchat:"+r.cfg.Name, env.TraceID)
	var err error
	defer func() { telemetry.EndHop(span, err) }()

	if verr := env.Validate(); verr != nil {
		log.Printf("groupchat %s: dropping invalid envelope: %v", r.cfg.Name, verr)
		return nil
	}

	switch env.Kind {
	case envelope.KindUserPrompt:
		err = r.start(ctx, env)
	case envelope.KindAIResponse:
		err = r.onReturn(ctx, env)
	case envelope.KindEndOfTurn:
		log.Printf("groupchat %s: end_of_turn for trace %s", r.cfg.Name, env.TraceID)
	default:
		log.Printf("groupchat %s: unexpected kind %q, dropping", r.cfg.Name, env.Kind)
	}
	return err
}

// start seeds a brand-new group chat with the user's opening prompt. The
// opening prompt is pushed straight into the visible window rather than
// through CommitTurn: it isn't one of the N participants' turns, so it must
// not advance turn_index or the skip streak. It is visible to whoever speaks
// first (AgentTopics[0]) and stays in the window until later turns evict it.
func (r *Router) start(ctx context.Context, env *envelope.Envelope) error {
	gc := envelope.NewGroupchatData(r.cfg.AgentNames, r.cfg.AgentTopics)
	gc.TurnsQueue.Push(envelope.Turn{AgentName: "user", Messages: []envelope.Message{*env.LatestMessage}})

	r.mu.Lock()
	r.chats[env.TraceID] = gc
	r.mu.Unlock()

	base := env.Clone()
	base.GroupchatData = gc
	return r.dispatchTurn(ctx, base, gc)
}

func (r *Router) onReturn(ctx context.Context, env *envelope.Envelope) error {
	if env.GroupchatData == nil {
		log.Printf("groupchat %s: ai_response for trace %s has no groupchat_data, dropping", r.cfg.Name, env.TraceID)
		return nil
	}

	r.mu.Lock()
	gc, ok := r.chats[env.TraceID]
	r.mu.Unlock()
	if !ok {
		gc = env.GroupchatData.Clone()
	}

	// The speaker who just replied is whoever dispatchTurn last sent to,
	// i.e. AgentTopics[turn_index % N] before this reply advances the index.
	turn := envelope.Turn{AgentName: r.nameForTopic(gc.NextTopic())}

	text := ""
	if env.LatestMessage != nil {
		text = env.LatestMessage.Text
	}
	if envelope.IsSkip(text) {
		turn.Skipped = true
	} else if env.LatestMessage != nil {
		turn.Messages = append(turn.Messages, *env.LatestMessage)
	}

	gc.CommitTurn(turn)

	if gc.IsAllSkipped() {
		r.mu.Lock()
		delete(r.chats, env.TraceID)
		r.mu.Unlock()
		end := env.Clone()
		end.Kind = envelope.KindEndOfTurn
		return r.b.Publish(ctx, r.retpt, end)
	}

	gc.UncommittedTurn = &envelope.Turn{}

	r.mu.Lock()
	r.chats[env.TraceID] = gc
	r.mu.Unlock()

	next := env.Clone()
	next.GroupchatData = gc
	return r.dispatchTurn(ctx, next, gc)
}

// nameForTopic maps a participant's private topic back to its roster display
// name, falling back to the topic string itself if the roster doesn't
// recognize it (should not happen given New's length check).
func (r *Router) nameForTopic(topic string) string {
	for i, t := range r.cfg.AgentTopics {
		if t == topic {
			return r.cfg.AgentNames[i]
		}
	}
	return topic
}

// dispatchTurn publishes this round's invitation to the next participant,
// carrying the sliding window of the other N-1 participants' latest turns.
func (r *Router) dispatchTurn(ctx context.Context, env *envelope.Envelope, gc *envelope.GroupchatData) error {
	next := gc.NextTopic()
	if next == "" {
		return fmt.Errorf("groupchat %s: empty roster", r.cfg.Name)
	}

	out := env.Clone()
	out.Kind = envelope.KindUserPrompt
	out.FinalResponseTopic = r.retpt
	out.GroupchatData = gc
	out.LatestMessage = &envelope.Message{
		Role: envelope.RoleUserInput,
		Text: gc.SystemPromptAddition,
	}
	out.MessageHistory = gc.FlatMessages()

	return r.b.Publish(ctx, next, out)
}
