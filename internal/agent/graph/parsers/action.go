package parsers

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chative/agent-runtime/internal/agent/graph/tools"
	logx "github.com/chative/agent-runtime/pkg/logger"
)

// maxResultLen bounds how much of a tool result is inspected for an action.
const maxResultLen = 64 * 1024

// ParseToolAction extracts a control action from a tool result. Results that
// are not a JSON object with a known "action" yield ok=false.
func ParseToolAction(result string) (action tools.ActionResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "action_parser").Msgf("panic recovered: %v", r)
			action, ok = tools.ActionResult{}, false
		}
	}()

	s := strings.TrimSpace(result)
	if s == "" || len(s) > maxResultLen || !utf8.ValidString(s) {
		return tools.ActionResult{}, false
	}
	// some providers wrap tool output as a JSON string
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return tools.ActionResult{}, false
		}
		s = strings.TrimSpace(inner)
	}
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return tools.ActionResult{}, false
	}
	if err := json.Unmarshal([]byte(s), &action); err != nil {
		return tools.ActionResult{}, false
	}
	switch action.Action {
	case tools.ActionEscalate:
		return action, true
	case tools.ActionTransfer:
		return action, action.Target != ""
	}
	return tools.ActionResult{}, false
}

// ParseTransferTarget reads the target agent from transfer tool-call arguments.
func ParseTransferTarget(arguments string) (string, error) {
	var in tools.TransferInput
	if err := json.Unmarshal([]byte(arguments), &in); err != nil {
		return "", fmt.Errorf("transfer arguments: %w", err)
	}
	target := strings.TrimSpace(in.AgentName)
	if target == "" {
		return "", fmt.Errorf("transfer arguments: agent_name is required")
	}
	return target, nil
}
