package envelope

// DelegationFrame records enough state to route a sub-agent's eventual final
// answer back as a tool_result to the agent that delegated to it.
type DelegationFrame struct {
	// CallerPrivateTopic is the delegating agent's own entrypoint topic —
	// where the synthesized tool_result is published when this frame pops.
	CallerPrivateTopic string `json:"caller_private_topic"`

	// CallerFinalResponseTopic is what FinalResponseTopic held before this
	// frame was pushed; restored onto the envelope when the frame pops.
	CallerFinalResponseTopic string `json:"caller_final_response_topic"`

	// ToolCallID links the eventual synthesized tool_result back to the
	// specific tool_call the delegating agent's model emitted.
	ToolCallID string `json:"tool_call_id"`

	// ToolName is the delegated sub-agent's name, exposed to the caller's
	// model as the name of the tool it invoked.
	ToolName string `json:"tool_name"`
}
