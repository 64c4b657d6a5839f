// Package prompts renders agent system instructions.
package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/chative/agent-runtime/internal/agent/graph/tools"
)

//go:embed template/agent_system.txt
var agentSystemPrompt string

// Route is a delegation target as seen by a supervisor.
type Route struct {
	Name        string
	Description string
}

// AgentPromptConfig is everything the system prompt of one agent depends on.
type AgentPromptConfig struct {
	Instructions        string
	Variables           map[string]string
	KnowledgeCategories []string
	Routes              []Route
	// Supervisor is set for workers of a multi-agent graph.
	Supervisor  string
	Peers       []string
	CanEscalate bool
}

// RenderAgentSystem renders the agent's system prompt through the eino prompt
// component so prompt callbacks fire.
func RenderAgentSystem(ctx context.Context, cfg AgentPromptConfig) (string, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(agentSystemPrompt),
	)

	vars := map[string]any{
		// authored text is substituted before templating so it is never parsed as a template
		"Instructions":        strings.TrimSpace(RenderVariables(cfg.Instructions, cfg.Variables)),
		"KnowledgeCategories": strings.Join(cfg.KnowledgeCategories, ", "),
		"SearchTool":          tools.SearchKnowledgeToolName,
		"TransferTool":        tools.TransferToolName,
		"Routes":              formatRoutes(cfg.Routes),
		"Supervisor":          cfg.Supervisor,
		"Peers":               strings.Join(cfg.Peers, ", "),
		"EscalationTool":      "",
	}
	if cfg.CanEscalate {
		vars["EscalationTool"] = tools.RequestHumanToolName
	}

	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("agent prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("agent prompt render: empty result")
	}
	return strings.TrimSpace(msgs[0].Content), nil
}

func formatRoutes(routes []Route) string {
	if len(routes) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range routes {
		fmt.Fprintf(&b, "- `%s`: %s\n", r.Name, r.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// RenderVariables substitutes {{name}} placeholders. Unknown names are left untouched.
func RenderVariables(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}
