package llm

import (
	"context"
	"time"

	"github.com/agencore/router/internal/envelope"
)

// ScriptedResponse is one canned reply a StubLLM returns in sequence.
type ScriptedResponse struct {
	Content   string
	ToolCalls []envelope.ToolCall
}

// StubLLM is a deterministic, scripted model used by node/router tests so
// end-to-end scenarios can be driven without a network call.
type StubLLM struct {
	Responses []ScriptedResponse
	calls     int
	Received  [][]Message
}

func NewStubLLM(responses ...ScriptedResponse) *StubLLM {
	return &StubLLM{Responses: responses}
}

func (s *StubLLM) Chat(_ context.Context, messages []Message, _ RequestParams) (*Response, error) {
	s.Received = append(s.Received, messages)
	if s.calls >= len(s.Responses) {
		return nil, &Error{Provider: "stub", Code: "exhausted", Message: "no more scripted responses", Retry: false}
	}
	r := s.Responses[s.calls]
	s.calls++
	return &Response{
		Content:    r.Content,
		ToolCalls:  r.ToolCalls,
		Model:      "stub",
		StopReason: "end_turn",
		FinishTime: time.Now(),
	}, nil
}

func (s *StubLLM) Model() string    { return "stub" }
func (s *StubLLM) Provider() string { return "stub" }

// CallCount reports how many Chat calls have been made, for test assertions.
func (s *StubLLM) CallCount() int { return s.calls }
