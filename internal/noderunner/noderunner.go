// Package noderunner binds a node (chat node, tool node, agent router, or
// group-chat router) to a broker: it resolves the node's topic.Wiring into
// concrete subscriptions and keeps them alive until Stop is called.
package noderunner

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/agencore/router/internal/broker"
	"github.com/agencore/router/internal/envelope"
	"github.com/agencore/router/internal/topics"
)

// Node is the minimal shape every node type in this engine implements.
type Node interface {
	Name() string
	Handle(ctx context.Context, env *envelope.Envelope) error
	topics.Registerable
}

// ExtraTopics is implemented by node types whose subscriptions don't all
// follow the name-substituted template convention (agentrouter.Router needs
// chat.out plus every tool's tool.out.{t}; groupchat.Router needs its own
// returnpoint, which isn't one of the four per-instance template roles).
type ExtraTopics interface {
	ExtraTopics() []string
}

// Runner owns every live subscription for one running node instance.
type Runner struct {
	node Node
	b    broker.Broker

	mu   sync.Mutex
	subs []broker.Unsubscribe
}

// Bind resolves node's wiring against b and subscribes node.Handle to every
// topic it declared interest in. Subscriptions are deduplicated: a topic
// that appears under more than one role (or in both Wiring and ExtraTopics)
// is only subscribed once.
func Bind(ctx context.Context, node Node, b broker.Broker) (*Runner, error) {
	r := &Runner{node: node, b: b}

	resolved := topics.Resolve(node.Name(), node.Wiring())
	seen := make(map[string]bool)
	add := func(topic string) {
		if topic == "" || seen[topic] {
			return
		}
		seen[topic] = true
	}

	var all []string
	for _, t := range resolved.SharedSubscribe {
		add(t)
	}
	add(resolved.Entrypoint)
	add(resolved.Returnpoint)
	if et, ok := node.(ExtraTopics); ok {
		for _, t := range et.ExtraTopics() {
			add(t)
		}
	}
	for t := range seen {
		all = append(all, t)
	}

	for _, topic := range all {
		unsub, err := b.Subscribe(ctx, topic, r.handle)
		if err != nil {
			r.Stop()
			return nil, fmt.Errorf("noderunner %s: subscribe %s: %w", node.Name(), topic, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, unsub)
		r.mu.Unlock()
	}

	return r, nil
}

func (r *Runner) handle(ctx context.Context, env *envelope.Envelope) error {
	if err := r.node.Handle(ctx, env); err != nil {
		log.Printf("noderunner %s: handle trace %s: %v", r.node.Name(), env.TraceID, err)
		return err
	}
	return nil
}

// Stop tears down every subscription this runner holds. Safe to call more
// than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

// Group binds a whole fleet of nodes to the same broker and stops them all
// together, the shape cmd/orchestrator uses to bring up every configured
// chat/tool/router node as one unit.
type Group struct {
	mu      sync.Mutex
	runners []*Runner
}

// BindAll binds every node in nodes, stopping everything already bound if
// any one of them fails to bind.
func BindAll(ctx context.Context, b broker.Broker, nodes ...Node) (*Group, error) {
	g := &Group{}
	for _, n := range nodes {
		runner, err := Bind(ctx, n, b)
		if err != nil {
			g.Stop()
			return nil, err
		}
		g.mu.Lock()
		g.runners = append(g.runners, runner)
		g.mu.Unlock()
	}
	return g, nil
}

// Stop tears down every bound node in the group.
func (g *Group) Stop() {
	g.mu.Lock()
	runners := g.runners
	g.runners = nil
	g.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
}
