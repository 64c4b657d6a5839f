package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/chative/agent-runtime/internal/agent/graph/tools"
	"github.com/chative/agent-runtime/internal/agent/model"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicChatModel adapts the Anthropic Messages API. Streaming is emulated
// with a single chunk because the engine only needs the final tool calls.
type AnthropicChatModel struct {
	client   *anthropic.Client
	name     string
	settings model.ModelSettings
	tools    []anthropic.ToolUnionParam
}

func NewAnthropicChatModel(client *anthropic.Client, name string, settings model.ModelSettings) *AnthropicChatModel {
	return &AnthropicChatModel{client: client, name: name, settings: settings}
}

func (m *AnthropicChatModel) WithTools(infos []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(infos))
	for _, info := range infos {
		js, err := tools.JSONSchema(info)
		if err != nil {
			return nil, err
		}
		input := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := js["properties"]; ok {
			input.Properties = props
		}
		if req, ok := js["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					input.Required = append(input.Required, s)
				}
			}
		}
		u := anthropic.ToolUnionParamOfTool(input, info.Name)
		if info.Desc != "" {
			u.OfTool.Description = anthropic.String(info.Desc)
		}
		out = append(out, u)
	}
	cp := *m
	cp.tools = out
	return &cp, nil
}

func (m *AnthropicChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	common := einomodel.GetCommonOptions(&einomodel.Options{
		Temperature: m.settings.Temperature,
		MaxTokens:   m.settings.MaxTokens,
		TopP:        m.settings.TopP,
	}, opts...)

	system, messages := buildAnthropicMessages(input)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.name),
		Messages:  messages,
		MaxTokens: defaultAnthropicMaxTokens,
	}
	if common.MaxTokens != nil {
		params.MaxTokens = int64(*common.MaxTokens)
	}
	if common.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*common.Temperature))
	}
	if common.TopP != nil {
		params.TopP = anthropic.Float(float64(*common.TopP))
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(m.tools) > 0 {
		params.Tools = m.tools
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	out := &schema.Message{Role: schema.Assistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			idx := len(out.ToolCalls)
			out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
				Index:    &idx,
				ID:       tu.ID,
				Type:     "function",
				Function: schema.FunctionCall{Name: tu.Name, Arguments: rawArguments(tu.Input)},
			})
		}
	}
	out.ResponseMeta = &schema.ResponseMeta{
		FinishReason: anthropicFinishReason(string(resp.StopReason)),
		Usage: &schema.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	return out, nil
}

func (m *AnthropicChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func rawArguments(input any) string {
	if input == nil {
		return "{}"
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func anthropicFinishReason(stop string) string {
	switch stop {
	case "", "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "refusal":
		return "content_filter"
	default:
		return stop
	}
}

// buildAnthropicMessages lifts system messages into system blocks and folds
// consecutive tool results into a single user message.
func buildAnthropicMessages(input []*schema.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			messages = append(messages, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			if msg.Content != "" {
				system = append(system, anthropic.TextBlockParam{Text: msg.Content})
			}
		case schema.Tool:
			pending = append(pending, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		case schema.Assistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var in any = map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &in); err != nil {
						in = map[string]any{}
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, in, tc.Function.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			if msg.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}
	flush()
	return system, messages
}

var _ einomodel.ToolCallingChatModel = (*AnthropicChatModel)(nil)
