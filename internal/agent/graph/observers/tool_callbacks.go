package observers

import (
	"context"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/tool"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"
	"github.com/rs/zerolog"
)

func newToolHandler(l zerolog.Logger) *callbackHelper.ToolCallbackHandler {
	return &callbackHelper.ToolCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *tool.CallbackInput) context.Context {
			e := runInfo(l.Debug(), info)
			if input != nil {
				e = e.Str("arguments", truncate(input.ArgumentsInJSON, 500))
			}
			e.Msg("tool start")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *tool.CallbackOutput) context.Context {
			e := runInfo(l.Debug(), info)
			if output != nil {
				e = e.Str("response", truncate(output.Response, 500))
			}
			e.Msg("tool end")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			runInfo(l.Warn(), info).Err(err).Msg("tool failed")
			return ctx
		},
	}
}
