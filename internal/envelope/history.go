package envelope

// Counter estimates how many tokens a piece of text will cost a given
// model.
type Counter interface {
	Count(text string) int
}

// WindowHistory trims history to fit contextTokens, keeping the most recent
// messages and always the leading system message if one is present. A chat
// node uses this to see full (but bounded) history rather than just the
// latest message, per the resolved Open Question on history visibility.
func WindowHistory(history []Message, counter Counter, contextTokens int) []Message {
	if counter == nil || contextTokens <= 0 || len(history) == 0 {
		return history
	}

	rest := history
	budget := contextTokens
	var system Message
	hasSystem := history[0].Role == RoleSystem
	if hasSystem {
		system = history[0]
		rest = history[1:]
		budget -= messageTokens(system, counter)
	}

	var kept []Message
	total := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := messageTokens(rest[i], counter)
		if total+cost > budget && len(kept) > 0 {
			break
		}
		kept = append([]Message{rest[i]}, kept...)
		total += cost
	}

	if hasSystem {
		kept = append([]Message{system}, kept...)
	}
	return kept
}

func messageTokens(m Message, counter Counter) int {
	n := counter.Count(m.Text)
	for _, tc := range m.ToolCalls {
		n += counter.Count(tc.ToolName)
	}
	return n
}
