// Package envelope defines the message structure that flows between nodes
// in the agent routing engine: chat nodes, tool nodes, the agent router, and
// the group-chat router all exchange Envelopes over the broker.
//
// An Envelope carries the authoritative conversation history plus whatever
// routing state (delegation stack, group-chat bookkeeping) is needed to get
// a reply back to the right place. The router is the sole writer of
// MessageHistory; every other node only ever reads it and sets LatestMessage.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what an Envelope represents in the routing state machine.
type Kind string

const (
	KindUserPrompt      Kind = "user_prompt"
	KindAIResponse      Kind = "ai_response"
	KindToolCallRequest Kind = "tool_call_request"
	KindToolResult      Kind = "tool_result"
	KindEndOfTurn       Kind = "end_of_turn"
)

// Envelope is the unit of communication between nodes.
//
// Thread safety: instances are treated as immutable after hand-off between
// goroutines. Mutation helpers (WithAppendedHistory, PushDelegation, ...)
// return a modified clone rather than mutating a shared instance in place;
// AddHop is the exception and updates its receiver, so it is only called on
// an instance the caller owns.
type Envelope struct {
	ID      string `json:"id"`
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id,omitempty"`

	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	HopCount int      `json:"hop_count,omitempty"`
	Route    []string `json:"route,omitempty"`

	// MessageHistory is the append-only, router-authoritative transcript.
	// Non-router nodes must never append to it themselves.
	MessageHistory []Message `json:"message_history"`

	// LatestMessage is the single message this hop is actually about: the
	// new user prompt, the model's response, or a tool's return value.
	LatestMessage *Message `json:"latest_message,omitempty"`

	// FinalResponseTopic is where the eventual terminal ai_response for this
	// trace must be published once the delegation stack empties out.
	FinalResponseTopic string `json:"final_response_topic"`

	// DelegationStack is a LIFO of in-flight sub-agent calls. Pushed when the
	// router dispatches a tool call that is itself a delegated agent,
	// popped exactly once when that sub-agent's final answer comes back.
	DelegationStack []DelegationFrame `json:"delegation_stack,omitempty"`

	GroupchatData *GroupchatData `json:"groupchat_data,omitempty"`

	PatchModelSettings      map[string]any `json:"patch_model_settings,omitempty"`
	PatchModelRequestParams map[string]any `json:"patch_model_request_params,omitempty"`
}

// New creates a fresh envelope for the start of a trace (a new user_prompt).
func New(kind Kind, finalResponseTopic string) *Envelope {
	return &Envelope{
		ID:                 uuid.New().String(),
		TraceID:            uuid.New().String(),
		Kind:               kind,
		Timestamp:          time.Now(),
		Route:              make([]string, 0),
		MessageHistory:     make([]Message, 0),
		FinalResponseTopic: finalResponseTopic,
	}
}

// AddHop records that a node processed this envelope, for route tracing.
func (e *Envelope) AddHop(nodeName string) {
	e.HopCount++
	e.Route = append(e.Route, nodeName)
}

// Clone returns a deep copy so a node can build its reply without aliasing
// the caller's slices/maps. It mints a fresh ID: an envelope has no identity
// beyond its trace_id, so each hop's outgoing envelope is a distinct
// instance even though it shares a trace.
// Broker-level redelivery of the very same publish, by contrast, carries
// the same ID both times, which is what lets a node's own at-least-once
// dedup logic tell "redelivered" apart from "next hop".
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.ID = uuid.New().String()

	clone.Route = append([]string(nil), e.Route...)
	clone.MessageHistory = append([]Message(nil), e.MessageHistory...)

	if e.LatestMessage != nil {
		lm := *e.LatestMessage
		clone.LatestMessage = &lm
	}

	if e.DelegationStack != nil {
		clone.DelegationStack = append([]DelegationFrame(nil), e.DelegationStack...)
	}

	if e.GroupchatData != nil {
		clone.GroupchatData = e.GroupchatData.Clone()
	}

	if e.PatchModelSettings != nil {
		clone.PatchModelSettings = make(map[string]any, len(e.PatchModelSettings))
		for k, v := range e.PatchModelSettings {
			clone.PatchModelSettings[k] = v
		}
	}
	if e.PatchModelRequestParams != nil {
		clone.PatchModelRequestParams = make(map[string]any, len(e.PatchModelRequestParams))
		for k, v := range e.PatchModelRequestParams {
			clone.PatchModelRequestParams[k] = v
		}
	}

	return &clone
}

// WithAppendedHistory returns a clone whose history has msg appended. Only
// the agent router is expected to call this — chat/tool nodes set
// LatestMessage and leave history untouched for the router to fold in.
func (e *Envelope) WithAppendedHistory(msg Message) *Envelope {
	clone := e.Clone()
	clone.MessageHistory = append(clone.MessageHistory, msg)
	return clone
}

// PushDelegation pushes a new delegation frame (LIFO).
func (e *Envelope) PushDelegation(frame DelegationFrame) *Envelope {
	clone := e.Clone()
	clone.DelegationStack = append(clone.DelegationStack, frame)
	return clone
}

// PopDelegation pops the top delegation frame. ok is false if the stack was
// already empty — callers must treat that as a protocol violation, never a
// silent no-op.
func (e *Envelope) PopDelegation() (frame DelegationFrame, rest *Envelope, ok bool) {
	if len(e.DelegationStack) == 0 {
		return DelegationFrame{}, e, false
	}
	clone := e.Clone()
	n := len(clone.DelegationStack)
	frame = clone.DelegationStack[n-1]
	clone.DelegationStack = clone.DelegationStack[:n-1]
	return frame, clone, true
}

// ToJSON / FromJSON are the wire (de)serialization helpers for brokers that
// move envelopes as text (e.g. the TCP broker's JSON-RPC framing).
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return &e, nil
}

// Validate checks the invariants that count as protocol violations if
// broken: a present trace id and kind, and a latest_message whenever the
// kind requires one.
func (e *Envelope) Validate() error {
	if e.TraceID == "" {
		return &ValidationError{Field: "trace_id", Message: "trace id is required"}
	}
	switch e.Kind {
	case KindUserPrompt, KindAIResponse, KindToolResult:
		if e.LatestMessage == nil {
			return &ValidationError{Field: "latest_message", Message: fmt.Sprintf("required for kind %q", e.Kind)}
		}
	case KindToolCallRequest, KindEndOfTurn:
		// no additional requirement
	case "":
		return &ValidationError{Field: "kind", Message: "kind is required"}
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", e.Kind)}
	}
	return nil
}

// ValidationError reports a broken envelope invariant.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
