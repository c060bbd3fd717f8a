// Package llm defines the model-client contract chat nodes call through, and provides a real Anthropic-backed implementation
// plus a deterministic stub for tests.
package llm

import (
	"context"
	"time"

	"github.com/agencore/router/internal/envelope"
)

// Message is one turn handed to the model. Role is "system", "user",
// "assistant", or "tool".
type Message struct {
	Role       string
	Content    string
	ToolCalls  []envelope.ToolCall // set when Role == "assistant" and the model called tools
	ToolCallID string              // set when Role == "tool"
	ToolName   string              // set when Role == "tool"
	IsError    bool                // set when Role == "tool" and the tool failed
}

// Response is what a model call returns.
type Response struct {
	Content      string
	ToolCalls    []envelope.ToolCall
	Model        string
	StopReason   string
	Usage        Usage
	FinishTime   time.Time
	ResponseTime time.Duration
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ToolDefinition describes one tool the model may call, including its
// argument schema (built by internal/toolnode via invopop/jsonschema).
type ToolDefinition struct {
	Name        string
	Description string
	Schema      map[string]any
}

// RequestParams carries per-call overrides, sourced from an envelope's
// PatchModelRequestParams.
type RequestParams struct {
	MaxTokens   int
	Temperature float64
	Tools       []ToolDefinition
}

// Config is a provider client's construction parameters.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	RetryCount  int
	RetryDelay  time.Duration
}

// LLM is the contract every chat node calls through.
type LLM interface {
	Chat(ctx context.Context, messages []Message, params RequestParams) (*Response, error)
	Model() string
	Provider() string
}

// Error reports a provider-level failure. Retry marks whether the caller
// should back off and retry, or surface the error as a final ai_response
// immediately.
type Error struct {
	Provider string
	Code     string
	Message  string
	Retry    bool
}

func (e *Error) Error() string {
	return e.Provider + ": " + e.Code + ": " + e.Message
}
