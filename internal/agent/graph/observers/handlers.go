// Package observers logs eino component lifecycle events.
package observers

import (
	einocb "github.com/cloudwego/eino/callbacks"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"
	"github.com/rs/zerolog"

	logx "github.com/chative/agent-runtime/pkg/logger"
)

// NewAllCallbacks aggregates the model, tool and prompt handlers into one callbacks.Handler.
func NewAllCallbacks() einocb.Handler {
	l := logx.Component("eino")
	return callbackHelper.NewHandlerHelper().
		Tool(newToolHandler(l)).
		ChatModel(newModelHandler(l)).
		Prompt(newPromptHandler(l)).
		Handler()
}

func runInfo(e *zerolog.Event, info *einocb.RunInfo) *zerolog.Event {
	if info == nil {
		return e
	}
	return e.Str("name", info.Name).Str("type", info.Type).Str("eino_component", string(info.Component))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
