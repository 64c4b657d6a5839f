package nodes

const DefaultMaxToolCalls = 10

// normalizeMaxToolCalls returns a sane default when the provided value is invalid.
func normalizeMaxToolCalls(n int) int {
	if n <= 0 {
		return DefaultMaxToolCalls
	}
	return n
}

// checkAndMarkToolLimit marks the state when another tool call would exceed
// the limit. Returns true only on the call that marks it.
func checkAndMarkToolLimit(state *TurnState) bool {
	if !state.ToolCallLimitReached && state.ToolCallCount >= state.maxToolCalls {
		state.ToolCallLimitReached = true
		return true
	}
	return false
}

// incrementToolCallAndCheck counts one tool call and marks the state if the
// count now exceeds the limit.
func incrementToolCallAndCheck(state *TurnState) bool {
	state.ToolCallCount++
	if state.ToolCallCount > state.maxToolCalls {
		state.ToolCallLimitReached = true
		return true
	}
	return false
}
