package tools

import (
	"context"

	"github.com/chative/agent-runtime/internal/agent/model"
)

// Scope carries per-turn state to tools. Tool instances are cached with the
// agent graph, so anything turn specific travels through the context.
type Scope struct {
	Agent   *model.AgentContext
	sources []model.Citation
}

type scopeKey struct{}

func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the turn scope, or an empty one outside a turn.
func ScopeFrom(ctx context.Context) *Scope {
	if s, ok := ctx.Value(scopeKey{}).(*Scope); ok && s != nil {
		return s
	}
	return &Scope{Agent: model.NewAgentContext(model.AgentContextParams{})}
}

// AddSources records citations used to answer the turn, skipping duplicates.
func (s *Scope) AddSources(cs ...model.Citation) {
	for _, c := range cs {
		dup := false
		for _, have := range s.sources {
			if have.DocumentID == c.DocumentID && have.ChunkIndex == c.ChunkIndex {
				dup = true
				break
			}
		}
		if !dup {
			s.sources = append(s.sources, c)
		}
	}
}

func (s *Scope) Sources() []model.Citation {
	return append([]model.Citation(nil), s.sources...)
}
