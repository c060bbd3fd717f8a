// Package topics implements the topic registry and node wiring model: each
// node type declares its subscribe_to/publish_to/entrypoint/returnpoint
// roles as a plain Go method returning bindings — no reflection, no
// decorators, no inheritance mixin.
package topics

import "strings"

// Role identifies what a Binding is for.
type Role int

const (
	// SharedSubscribe: a topic every instance of this node type listens on.
	SharedSubscribe Role = iota
	// Publish: a topic this node type publishes to.
	Publish
	// Entrypoint: this node instance's own private inbound topic. The
	// template "{name}" is substituted with the node's name.
	Entrypoint
	// Returnpoint: this node instance's own private inbound topic on which
	// replies addressed back to it arrive.
	Returnpoint
)

// Binding is one topic role a node type declares.
type Binding struct {
	Role  Role
	Topic string // may contain the literal "{name}" placeholder
}

// Registerable is implemented by every node type. Wiring lists every topic
// the node cares about; a nameless node (name == "") only resolves its
// SharedSubscribe/Publish bindings — it has no private topics, so it never
// participates in direct/delegated addressing.
type Registerable interface {
	Wiring() []Binding
}

// Resolved is the fully substituted set of topics for one node instance.
type Resolved struct {
	SharedSubscribe []string
	Publish         []string
	Entrypoint      string
	Returnpoint     string
}

// Resolve substitutes "{name}" in every templated binding with name and
// groups the results by role.
func Resolve(name string, bindings []Binding) Resolved {
	var r Resolved
	for _, b := range bindings {
		topic := substitute(b.Topic, name)
		switch b.Role {
		case SharedSubscribe:
			r.SharedSubscribe = append(r.SharedSubscribe, topic)
		case Publish:
			r.Publish = append(r.Publish, topic)
		case Entrypoint:
			if name != "" {
				r.Entrypoint = topic
			}
		case Returnpoint:
			if name != "" {
				r.Returnpoint = topic
			}
		}
	}
	return r
}

func substitute(template, name string) string {
	return strings.ReplaceAll(template, "{name}", name)
}

// Well-known topic templates.
const (
	AgentPublicTemplate  = "agent.public.{name}"
	AgentPrivateTemplate = "agent.private.{name}"
	AgentReturnTemplate  = "agent.return.{name}"

	ToolInTemplate  = "tool.in.{name}"
	ToolOutTemplate = "tool.out.{name}"

	ChatIn  = "chat.in"
	ChatOut = "chat.out"

	GroupchatInTemplate     = "groupchat.in.{name}"
	GroupchatReturnTemplate = "groupchat.return.{name}"
)

// ToolInTopic resolves a tool's inbound topic from its registered name.
func ToolInTopic(toolName string) string { return substitute(ToolInTemplate, toolName) }

// ToolOutTopic resolves a tool's outbound topic from its registered name.
func ToolOutTopic(toolName string) string { return substitute(ToolOutTemplate, toolName) }

// AgentPrivateTopic resolves an agent's private entrypoint topic.
func AgentPrivateTopic(agentName string) string { return substitute(AgentPrivateTemplate, agentName) }

// AgentReturnTopic resolves an agent's private returnpoint topic.
func AgentReturnTopic(agentName string) string { return substitute(AgentReturnTemplate, agentName) }

// AgentPublicTopic resolves an agent's shared-subscribe public topic.
func AgentPublicTopic(agentName string) string { return substitute(AgentPublicTemplate, agentName) }

// GroupchatInTopic resolves a group chat's inbound topic from the group's
// name.
func GroupchatInTopic(agentName string) string { return substitute(GroupchatInTemplate, agentName) }

// GroupchatReturnTopic resolves a group chat's return topic from the group's
// name.
func GroupchatReturnTopic(agentName string) string {
	return substitute(GroupchatReturnTemplate, agentName)
}
