// Package tools exposes callable capabilities to agents in a provider-neutral form.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/cloudwego/eino/components/tool"
)

// Kind tells the engine how to treat a tool's invocation.
type Kind int

const (
	KindBusiness Kind = iota
	KindKnowledge
	KindEscalation
	// KindTransfer tools are control signals between agents, never shown to users.
	KindTransfer
)

// Tool is a bound, invokable tool with its presentation metadata.
type Tool struct {
	tool.InvokableTool
	Name       string
	StatusText string
	Kind       Kind
}

// Searcher is the knowledge capability the search tool needs.
type Searcher interface {
	SearchWithContext(ctx context.Context, q model.SearchQuery) (string, []model.SearchResult, error)
}

// Env is what a factory may bind a tool to at graph build time.
type Env struct {
	Agent     model.AgentSpec
	Chatbot   *model.ChatbotInstance
	Retriever Searcher
	Knowledge model.KnowledgeConfig
}

// Factory builds a tool for one agent.
type Factory func(env Env) (tool.InvokableTool, error)

type registration struct {
	factory    Factory
	statusText string
	kind       Kind
}

// Registry maps tool names to factories.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registration)}
}

// NewDefaultRegistry registers the built-in business tools.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(LookupVariableToolName, "", KindBusiness, newLookupVariableTool)
	r.Register(CurrentTimeToolName, "", KindBusiness, newCurrentTimeTool)
	r.Register(WebhookToolName, "Contacting the service…", KindBusiness, newWebhookTool)
	r.Register(SearchKnowledgeToolName, searchStatusText, KindKnowledge, newSearchKnowledgeTool)
	r.Register(RequestHumanToolName, "Connecting you with a person…", KindEscalation, newRequestHumanTool)
	return r
}

func (r *Registry) Register(name, statusText string, kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registration{factory: f, statusText: statusText, kind: kind}
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Build instantiates a registered tool.
func (r *Registry) Build(name string, env Env) (*Tool, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q for agent %q", name, env.Agent.ID)
	}
	t, err := reg.factory(env)
	if err != nil {
		return nil, fmt.Errorf("build tool %q: %w", name, err)
	}
	return &Tool{InvokableTool: t, Name: name, StatusText: reg.statusText, Kind: reg.kind}, nil
}

// BuildForAgent builds the agent's own tool list plus a knowledge search tool
// when it has knowledge categories.
func (r *Registry) BuildForAgent(env Env) ([]*Tool, error) {
	out := make([]*Tool, 0, len(env.Agent.Tools)+1)
	seen := map[string]struct{}{}
	for _, name := range env.Agent.Tools {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		t, err := r.Build(name, env)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if len(env.Agent.KnowledgeCategories) > 0 {
		if _, dup := seen[SearchKnowledgeToolName]; !dup {
			t, err := newSearchKnowledgeTool(env)
			if err != nil {
				return nil, err
			}
			out = append(out, &Tool{InvokableTool: t, Name: SearchKnowledgeToolName, StatusText: searchStatusText, Kind: KindKnowledge})
		}
	}
	return out, nil
}
