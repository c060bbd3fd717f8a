package envelope

// MessageRole distinguishes the four kinds of content a Message can carry.
type MessageRole string

const (
	RoleUserInput     MessageRole = "user_input"
	RoleModelResponse MessageRole = "model_response"
	RoleToolReturn    MessageRole = "tool_return"
	// RoleSystem seeds an agent's system prompt as the first entry of its
	// history, so a chat node shared across agents can still give each
	// agent its own instructions.
	RoleSystem MessageRole = "system"
)

// ToolCall is one function-call the model asked for inside a model_response.
type ToolCall struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// DecodeError is set when the model's raw argument payload for this
	// call failed to decode into Arguments (malformed or truncated JSON).
	// A non-empty DecodeError means Arguments is not trustworthy and the
	// tool node must emit a structured-error tool_result instead of
	// invoking its executor.
	DecodeError string `json:"decode_error,omitempty"`
}

// Message is a single entry in MessageHistory.
type Message struct {
	Role MessageRole `json:"role"`

	// Text is the human-readable content: the user's prompt, the model's
	// prose reply, or a tool's textual result.
	Text string `json:"text,omitempty"`

	// ToolCalls is set on a model_response that asked for one or more tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID / ToolName identify which ToolCall a tool_return answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// IsError marks a tool_return produced by a tool-side failure rather
	// than a successful tool result.
	IsError bool `json:"is_error,omitempty"`
}

// HasToolCalls reports whether a model_response asked for any tool calls.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}
