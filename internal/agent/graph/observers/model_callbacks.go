package observers

import (
	"context"
	"errors"
	"io"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"
	"github.com/rs/zerolog"
)

// newModelHandler logs the latest user message before a model call and usage after it.
func newModelHandler(l zerolog.Logger) *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			e := runInfo(l.Debug(), info)
			if input != nil {
				e = e.Int("messages", len(input.Messages)).Int("tools", len(input.Tools))
				if um := lastUserContent(input.Messages); um != "" {
					e = e.Str("user", truncate(um, 200))
				}
			}
			e.Msg("model start")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			e := runInfo(l.Debug(), info)
			if output != nil {
				if output.Message != nil {
					e = e.Int("content_len", len(output.Message.Content)).Int("tool_calls", len(output.Message.ToolCalls))
				}
				if output.TokenUsage != nil {
					e = e.Int("prompt_tokens", output.TokenUsage.PromptTokens).Int("completion_tokens", output.TokenUsage.CompletionTokens)
				}
			}
			e.Msg("model end")
			return ctx
		},
		OnEndWithStreamOutput: func(ctx context.Context, info *einocb.RunInfo, output *schema.StreamReader[*model.CallbackOutput]) context.Context {
			go func() {
				defer output.Close()
				chunks, completion := 0, 0
				for {
					chunk, err := output.Recv()
					if errors.Is(err, io.EOF) {
						break
					}
					if err != nil {
						runInfo(l.Warn(), info).Err(err).Msg("model stream aborted")
						return
					}
					chunks++
					if chunk != nil && chunk.TokenUsage != nil {
						completion = chunk.TokenUsage.CompletionTokens
					}
				}
				runInfo(l.Debug(), info).Int("chunks", chunks).Int("completion_tokens", completion).Msg("model stream end")
			}()
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			runInfo(l.Error(), info).Err(err).Msg("model error")
			return ctx
		},
	}
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}
