package envelope

import "fmt"

// ValidateToolCallPairing checks that every tool_call emitted by a
// model_response is answered by exactly one later tool_return with a
// matching ToolCallID, and that no tool_return references a call that was
// never made. Used by tests to assert history integrity.
func ValidateToolCallPairing(history []Message) error {
	pending := make(map[string]bool)
	for _, m := range history {
		switch m.Role {
		case RoleModelResponse:
			for _, tc := range m.ToolCalls {
				if pending[tc.ID] {
					return fmt.Errorf("envelope: duplicate tool_call id %q", tc.ID)
				}
				pending[tc.ID] = true
			}
		case RoleToolReturn:
			if !pending[m.ToolCallID] {
				return fmt.Errorf("envelope: tool_return for unknown tool_call id %q", m.ToolCallID)
			}
			delete(pending, m.ToolCallID)
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("envelope: %d tool_call(s) without a tool_return", len(pending))
	}
	return nil
}
