package nodes

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"

	"github.com/chative/agent-runtime/internal/agent/graph/tools"
	"github.com/chative/agent-runtime/internal/agent/model"
)

// OpenAIChatModel adapts the OpenAI Chat Completions API to the eino
// ToolCallingChatModel capability.
type OpenAIChatModel struct {
	client   *openai.Client
	name     string
	settings model.ModelSettings
	tools    []openai.ChatCompletionToolParam
}

func NewOpenAIChatModel(client *openai.Client, name string, settings model.ModelSettings) *OpenAIChatModel {
	return &OpenAIChatModel{client: client, name: name, settings: settings}
}

// WithTools returns a copy bound to tools; the receiver is unchanged.
func (m *OpenAIChatModel) WithTools(infos []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	params := make([]openai.ChatCompletionToolParam, 0, len(infos))
	for _, info := range infos {
		js, err := tools.JSONSchema(info)
		if err != nil {
			return nil, err
		}
		params = append(params, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        info.Name,
				Description: openai.String(info.Desc),
				Parameters:  openai.FunctionParameters(js),
			},
		})
	}
	cp := *m
	cp.tools = params
	return &cp, nil
}

func (m *OpenAIChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	resp, err := m.client.Chat.Completions.New(ctx, m.buildParams(input, opts))
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: no choices returned")
	}
	ch0 := resp.Choices[0]
	out := &schema.Message{Role: schema.Assistant, Content: ch0.Message.Content}
	for i, tc := range ch0.Message.ToolCalls {
		idx := i
		out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
			Index:    &idx,
			ID:       tc.ID,
			Type:     "function",
			Function: schema.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	out.ResponseMeta = &schema.ResponseMeta{
		FinishReason: ch0.FinishReason,
		Usage: &schema.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	return out, nil
}

// Stream forwards text and tool-call deltas as message chunks. Tool-call
// chunks carry their index so schema.ConcatMessages can merge them.
func (m *OpenAIChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	params := m.buildParams(input, opts)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	sr, sw := schema.Pipe[*schema.Message](16)
	go func() {
		defer sw.Close()
		defer stream.Close()
		for stream.Next() {
			ck := stream.Current()
			for _, ch := range ck.Choices {
				msg := &schema.Message{Role: schema.Assistant, Content: ch.Delta.Content}
				for _, tc := range ch.Delta.ToolCalls {
					idx := int(tc.Index)
					msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
						Index:    &idx,
						ID:       tc.ID,
						Type:     "function",
						Function: schema.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
					})
				}
				if ch.FinishReason != "" {
					msg.ResponseMeta = &schema.ResponseMeta{FinishReason: ch.FinishReason}
				}
				if msg.Content == "" && len(msg.ToolCalls) == 0 && msg.ResponseMeta == nil {
					continue
				}
				if sw.Send(msg, nil) {
					return
				}
			}
			if ck.Usage.TotalTokens > 0 {
				sw.Send(&schema.Message{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{Usage: &schema.TokenUsage{
					PromptTokens:     int(ck.Usage.PromptTokens),
					CompletionTokens: int(ck.Usage.CompletionTokens),
					TotalTokens:      int(ck.Usage.TotalTokens),
				}}}, nil)
			}
		}
		if err := stream.Err(); err != nil {
			sw.Send(nil, fmt.Errorf("openai streaming error: %w", err))
		}
	}()
	return sr, nil
}

func (m *OpenAIChatModel) buildParams(input []*schema.Message, opts []einomodel.Option) openai.ChatCompletionNewParams {
	common := einomodel.GetCommonOptions(&einomodel.Options{
		Temperature: m.settings.Temperature,
		MaxTokens:   m.settings.MaxTokens,
		TopP:        m.settings.TopP,
	}, opts...)

	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(input),
		Model:    m.name,
	}
	if common.Temperature != nil {
		params.Temperature = openai.Float(float64(*common.Temperature))
	}
	if common.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*common.MaxTokens))
	}
	if common.TopP != nil {
		params.TopP = openai.Float(float64(*common.TopP))
	}
	if len(m.tools) > 0 {
		params.Tools = m.tools
	}
	return params
}

func buildOpenAIMessages(input []*schema.Message) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case schema.User:
			messages = append(messages, openai.UserMessage(msg.Content))
		case schema.Tool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case schema.Assistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if strings.TrimSpace(msg.Content) != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		}
	}
	return messages
}

var _ einomodel.ToolCallingChatModel = (*OpenAIChatModel)(nil)
