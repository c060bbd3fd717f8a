package envelope

import "strings"

// skipSentinel is the literal text an agent's reply must reduce to (after
// trimming and case-folding) for its turn to count as a skip. Resolved Open
// Question 2: verbatim comparison, not substring containment.
const skipSentinel = "SKIP"

// Turn is one committed round of the group chat: who spoke, and what they
// said.
type Turn struct {
	AgentName string    `json:"agent_name"`
	Messages  []Message `json:"messages"`
	Skipped   bool      `json:"skipped"`
}

// IsSkip reports whether text reduces to the skip sentinel.
func IsSkip(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), skipSentinel)
}

// GroupchatData is the round-robin bookkeeping attached to an envelope while
// it is circulating inside a group chat.
type GroupchatData struct {
	// AgentTopics is the ordered roster of private entrypoint topics, one
	// per participating agent. Length N.
	AgentTopics []string `json:"agent_topics"`

	// TurnIndex increments every time a turn is committed; the next
	// speaker is AgentTopics[TurnIndex % N].
	TurnIndex int `json:"turn_index"`

	// ConsecutiveSkips resets to 0 on any non-skip turn; increments on a
	// skip. The round is over once it reaches N (everyone skipped in a
	// row).
	ConsecutiveSkips int `json:"consecutive_skips"`

	// TurnsQueue holds the last N-1 committed turns, used to rebuild the
	// window of messages shown to the next speaker. Serialized with the
	// envelope: the state must survive the broker so group chats resume
	// correctly on any router replica.
	TurnsQueue *BoundedQueue[Turn] `json:"turns_queue,omitempty"`

	// UncommittedTurn accumulates messages for the turn in progress until
	// CommitTurn folds it into TurnsQueue.
	UncommittedTurn *Turn `json:"uncommitted_turn,omitempty"`

	// SystemPromptAddition is appended to each agent's system prompt so it
	// knows the group roster and how to signal a skip.
	SystemPromptAddition string `json:"system_prompt_addition"`
}

// NewGroupchatData builds the default roster/system-prompt addition for a
// fresh group chat.
func NewGroupchatData(agentNames []string, agentTopics []string) *GroupchatData {
	n := len(agentTopics)
	capacity := n - 1
	if capacity < 0 {
		capacity = 0
	}
	return &GroupchatData{
		AgentTopics:          append([]string(nil), agentTopics...),
		TurnIndex:            0,
		ConsecutiveSkips:     0,
		TurnsQueue:           NewBoundedQueue[Turn](capacity),
		SystemPromptAddition: buildRosterPrompt(agentNames),
	}
}

func buildRosterPrompt(agentNames []string) string {
	var b strings.Builder
	b.WriteString("You are part of a group chat with: ")
	b.WriteString(strings.Join(agentNames, ", "))
	b.WriteString(". If you have nothing to add this round, reply with exactly \"SKIP\".")
	return b.String()
}

// N returns the roster size.
func (g *GroupchatData) N() int {
	return len(g.AgentTopics)
}

// NextTopic returns the private topic of whoever speaks next.
func (g *GroupchatData) NextTopic() string {
	n := g.N()
	if n == 0 {
		return ""
	}
	return g.AgentTopics[g.TurnIndex%n]
}

// IsAllSkipped reports whether every agent in the roster has just skipped in
// a row, terminating the round.
func (g *GroupchatData) IsAllSkipped() bool {
	return g.ConsecutiveSkips >= g.N()
}

// CommitTurn pushes turn into TurnsQueue, advances TurnIndex, updates the
// skip streak, and clears UncommittedTurn.
func (g *GroupchatData) CommitTurn(turn Turn) {
	if g.TurnsQueue == nil {
		g.TurnsQueue = NewBoundedQueue[Turn](g.N() - 1)
	}
	g.TurnsQueue.Push(turn)
	g.TurnIndex++
	if turn.Skipped {
		g.ConsecutiveSkips++
	} else {
		g.ConsecutiveSkips = 0
	}
	g.UncommittedTurn = nil
}

// FlatMessages flattens TurnsQueue into a single message slice in turn
// order, for handing the window of recent context to the next speaker.
func (g *GroupchatData) FlatMessages() []Message {
	if g.TurnsQueue == nil {
		return nil
	}
	var out []Message
	for _, t := range g.TurnsQueue.Items() {
		out = append(out, t.Messages...)
	}
	return out
}

// Clone returns an independent deep copy.
func (g *GroupchatData) Clone() *GroupchatData {
	clone := &GroupchatData{
		AgentTopics:          append([]string(nil), g.AgentTopics...),
		TurnIndex:            g.TurnIndex,
		ConsecutiveSkips:     g.ConsecutiveSkips,
		SystemPromptAddition: g.SystemPromptAddition,
	}
	if g.TurnsQueue != nil {
		clone.TurnsQueue = g.TurnsQueue.Clone()
	}
	if g.UncommittedTurn != nil {
		ut := *g.UncommittedTurn
		ut.Messages = append([]Message(nil), g.UncommittedTurn.Messages...)
		clone.UncommittedTurn = &ut
	}
	return clone
}
