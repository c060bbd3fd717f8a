package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agencore/router/internal/envelope"
)

// ClaudeClient implements LLM against Anthropic's Messages API via the
// official SDK, understanding both "text" and tool-use content blocks so
// the agent router's tool-call dispatch has real arguments to work with.
type ClaudeClient struct {
	config Config
	client anthropic.Client
}

func NewClaudeClient(config Config) *ClaudeClient {
	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0), // this client's own retry loop owns backoff
	}
	return &ClaudeClient{
		config: config,
		client: anthropic.NewClient(opts...),
	}
}

func (c *ClaudeClient) Model() string    { return c.config.Model }
func (c *ClaudeClient) Provider() string { return "anthropic" }

func (c *ClaudeClient) Chat(ctx context.Context, messages []Message, params RequestParams) (*Response, error) {
	start := time.Now()

	var system string
	apiMessages := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "tool":
			apiMessages = append(apiMessages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError),
			))
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Arguments, call.ToolName))
			}
			if len(blocks) > 0 {
				apiMessages = append(apiMessages, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			apiMessages = append(apiMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(c.config.MaxTokens)
	if params.MaxTokens > 0 {
		maxTokens = int64(params.MaxTokens)
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.config.Model),
		MaxTokens: maxTokens,
		Messages:  apiMessages,
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, tool := range params.Tools {
		toolParam := anthropic.ToolParam{
			Name: tool.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: tool.Schema["properties"],
				Required:   schemaRequired(tool.Schema),
			},
		}
		if tool.Description != "" {
			toolParam.Description = anthropic.String(tool.Description)
		}
		req.Tools = append(req.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		msg, err := c.client.Messages.New(ctx, req)
		if err == nil {
			resp := toResponse(msg)
			resp.FinishTime = time.Now()
			resp.ResponseTime = time.Since(start)
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, &Error{Provider: "anthropic", Code: "request_error", Message: err.Error(), Retry: false}
		}
	}
	return nil, fmt.Errorf("anthropic: failed after %d retries: %w", c.config.RetryCount, lastErr)
}

// schemaRequired digs the "required" list out of a JSON Schema object,
// tolerating both []string (reflected schemas) and []any (config-loaded
// ones).
func schemaRequired(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toResponse(msg *anthropic.Message) *Response {
	resp := &Response{
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += variant.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			call := envelope.ToolCall{ID: variant.ID, ToolName: variant.Name}
			if err := json.Unmarshal(variant.Input, &args); err != nil {
				call.DecodeError = fmt.Sprintf("decode arguments for tool %q: %v", variant.Name, err)
			} else {
				call.Arguments = args
			}
			resp.ToolCalls = append(resp.ToolCalls, call)
		}
	}
	return resp
}

func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
