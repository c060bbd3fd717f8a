package envelope

import "testing"

func TestPushPopDelegationRoundTrip(t *testing.T) {
	e := New(KindUserPrompt, "chat.out.root")
	frame := DelegationFrame{
		CallerPrivateTopic:       "agent.private.coordinator",
		CallerFinalResponseTopic: "chat.out.root",
		ToolCallID:               "call_1",
		ToolName:                 "researcher",
	}
	pushed := e.PushDelegation(frame)
	if len(pushed.DelegationStack) != 1 {
		t.Fatalf("expected 1 frame on stack, got %d", len(pushed.DelegationStack))
	}

	popped, rest, ok := pushed.PopDelegation()
	if !ok {
		t.Fatalf("expected pop to succeed")
	}
	if popped != frame {
		t.Fatalf("popped frame mismatch: got %+v want %+v", popped, frame)
	}
	if len(rest.DelegationStack) != 0 {
		t.Fatalf("expected empty stack after pop, got %d", len(rest.DelegationStack))
	}
}

func TestPopDelegationOnEmptyStackFails(t *testing.T) {
	e := New(KindAIResponse, "chat.out.root")
	_, _, ok := e.PopDelegation()
	if ok {
		t.Fatalf("expected pop on empty stack to fail")
	}
}

func TestValidateRequiresLatestMessageForUserPrompt(t *testing.T) {
	e := New(KindUserPrompt, "chat.out.root")
	if err := e.Validate(); err == nil {
		t.Fatalf("expected validation error for missing latest_message")
	}
	e.LatestMessage = &Message{Role: RoleUserInput, Text: "hi"}
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestIsSkipVerbatimCaseInsensitiveTrimmed(t *testing.T) {
	cases := map[string]bool{
		"SKIP":          true,
		"  skip  ":      true,
		"Skip":          true,
		"I will skip":   false,
		"SKIP this one": false,
		"":              false,
	}
	for text, want := range cases {
		if got := IsSkip(text); got != want {
			t.Errorf("IsSkip(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestGroupchatUnanimousSkipTerminates(t *testing.T) {
	gc := NewGroupchatData([]string{"a", "b", "c"}, []string{
		"agent.private.a", "agent.private.b", "agent.private.c",
	})
	for i := 0; i < 3; i++ {
		gc.CommitTurn(Turn{AgentName: "x", Skipped: true})
		if i < 2 && gc.IsAllSkipped() {
			t.Fatalf("round should not terminate before all %d agents skip in a row", gc.N())
		}
	}
	if !gc.IsAllSkipped() {
		t.Fatalf("expected round to terminate after %d consecutive skips", gc.N())
	}
}

func TestGroupchatNonSkipResetsStreak(t *testing.T) {
	gc := NewGroupchatData([]string{"a", "b"}, []string{"agent.private.a", "agent.private.b"})
	gc.CommitTurn(Turn{Skipped: true})
	gc.CommitTurn(Turn{Skipped: false})
	if gc.ConsecutiveSkips != 0 {
		t.Fatalf("expected skip streak reset to 0, got %d", gc.ConsecutiveSkips)
	}
}

func TestValidateToolCallPairing(t *testing.T) {
	history := []Message{
		{Role: RoleUserInput, Text: "what's the weather"},
		{Role: RoleModelResponse, ToolCalls: []ToolCall{{ID: "call_1", ToolName: "weather"}}},
		{Role: RoleToolReturn, ToolCallID: "call_1", ToolName: "weather", Text: "sunny"},
	}
	if err := ValidateToolCallPairing(history); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	unmatched := []Message{
		{Role: RoleToolReturn, ToolCallID: "call_missing"},
	}
	if err := ValidateToolCallPairing(unmatched); err == nil {
		t.Fatalf("expected error for tool_return with no matching tool_call")
	}
}

type fixedCounter struct{ perMessage int }

func (f fixedCounter) Count(string) int { return f.perMessage }

func TestWindowHistoryKeepsMostRecent(t *testing.T) {
	history := []Message{
		{Role: RoleUserInput, Text: "1"},
		{Role: RoleUserInput, Text: "2"},
		{Role: RoleUserInput, Text: "3"},
		{Role: RoleUserInput, Text: "4"},
	}
	windowed := WindowHistory(history, fixedCounter{perMessage: 10}, 25)
	if len(windowed) != 2 {
		t.Fatalf("expected 2 messages to fit budget, got %d", len(windowed))
	}
	if windowed[0].Text != "3" || windowed[1].Text != "4" {
		t.Fatalf("expected the two most recent messages, got %+v", windowed)
	}
}

func TestWindowHistoryAlwaysKeepsLeadingSystemMessage(t *testing.T) {
	history := []Message{
		{Role: RoleSystem, Text: "sys"},
		{Role: RoleUserInput, Text: "1"},
		{Role: RoleUserInput, Text: "2"},
		{Role: RoleUserInput, Text: "3"},
		{Role: RoleUserInput, Text: "4"},
	}
	// Budget only fits the system message plus one other message, so every
	// non-system message except the newest would otherwise be dropped — the
	// system message must survive regardless.
	windowed := WindowHistory(history, fixedCounter{perMessage: 10}, 25)
	if len(windowed) != 2 {
		t.Fatalf("expected system message plus 1 recent message, got %d: %+v", len(windowed), windowed)
	}
	if windowed[0].Role != RoleSystem || windowed[0].Text != "sys" {
		t.Fatalf("expected the leading system message to be kept first, got %+v", windowed[0])
	}
	if windowed[1].Text != "4" {
		t.Fatalf("expected the most recent non-system message, got %+v", windowed[1])
	}
}

func TestWindowHistoryKeepsSystemMessageEvenUnderExtremeBudgetPressure(t *testing.T) {
	history := []Message{
		{Role: RoleSystem, Text: "sys"},
		{Role: RoleUserInput, Text: "1"},
	}
	// The system message alone exceeds the budget; it must still be kept.
	windowed := WindowHistory(history, fixedCounter{perMessage: 100}, 10)
	if len(windowed) == 0 || windowed[0].Role != RoleSystem {
		t.Fatalf("expected the system message to be kept despite exceeding budget, got %+v", windowed)
	}
}
