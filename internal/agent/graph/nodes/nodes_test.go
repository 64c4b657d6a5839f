package nodes

import (
	"context"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chative/agent-runtime/internal/agent/model"
	errx "github.com/chative/agent-runtime/internal/core/error"
)

type stubModel struct{ name string }

func (m *stubModel) Generate(context.Context, []*schema.Message, ...einomodel.Option) (*schema.Message, error) {
	return schema.AssistantMessage(m.name, nil), nil
}

func (m *stubModel) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, _ := m.Generate(ctx, in, opts...)
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *stubModel) WithTools([]*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return m, nil
}

func TestSplitModelRef(t *testing.T) {
	p, n, err := SplitModelRef("OpenAI/gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "openai", p)
	assert.Equal(t, "gpt-4o-mini", n)

	for _, bad := range []string{"gpt-4o", "/x", "openai/"} {
		_, _, err := SplitModelRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestChatModelFactory_CustomAndUnknown(t *testing.T) {
	f := NewChatModelFactory(model.ProviderConfig{})
	f.Register("stub", func(_ context.Context, name string, _ model.ModelSettings) (einomodel.ToolCallingChatModel, error) {
		return &stubModel{name: name}, nil
	})

	cm, err := f.NewChatModel(context.Background(), "stub/echo", model.ModelSettings{})
	require.NoError(t, err)
	out, err := cm.Generate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", out.Content)

	_, err = f.NewChatModel(context.Background(), "mystery/x", model.ModelSettings{})
	assert.Equal(t, errx.CodeProvider, errx.CodeOf(err))
}

func TestChatModelFactory_BuiltinProvidersWithoutNetwork(t *testing.T) {
	f := NewChatModelFactory(model.ProviderConfig{OpenAIAPIKey: "k", AnthropicAPIKey: "k"})

	cm, err := f.NewChatModel(context.Background(), "openai/gpt-4o-mini", model.ModelSettings{})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIChatModel{}, cm)

	cm, err = f.NewChatModel(context.Background(), "anthropic/claude-3-5-haiku-latest", model.ModelSettings{})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicChatModel{}, cm)
}

func TestTurnState_ToolLimitNoticeOnce(t *testing.T) {
	s := NewTurnState("c1", 2, schema.UserMessage("hi"))

	assert.True(t, s.CountToolCall())
	assert.True(t, s.CountToolCall())
	assert.False(t, s.ToolCallLimitReached)

	in := s.PrepareInput("sys")
	require.True(t, s.ToolCallLimitReached)
	assert.Equal(t, schema.System, in[0].Role)
	assert.Contains(t, in[len(in)-1].Content, "maximum tool call limit (2)")

	again := s.PrepareInput("sys")
	assert.Len(t, again, len(in))

	call := schema.AssistantMessage("", []schema.ToolCall{{Function: schema.FunctionCall{Name: "x"}}})
	assert.False(t, s.WantsTools(call))
}

func TestTurnState_ExceededMidBatch(t *testing.T) {
	s := NewTurnState("c1", 1)
	assert.True(t, s.CountToolCall())
	assert.False(t, s.CountToolCall())
	assert.True(t, s.ToolCallLimitReached)

	in := s.PrepareInput("")
	require.Len(t, in, 1)
	assert.Contains(t, in[0].Content, "SYSTEM NOTICE")
}

func TestTurnState_FinalizeOutput(t *testing.T) {
	s := NewTurnState("c1", 0)
	assert.Equal(t, DefaultMaxToolCalls, s.MaxToolCalls())

	out := schema.AssistantMessage("", []schema.ToolCall{
		{Function: schema.FunctionCall{Name: "a"}},
		{ID: "given", Function: schema.FunctionCall{Name: "b"}},
	})
	out.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 0, TotalTokens: 1_000_000}}

	s.FinalizeOutput(out, "openai/gpt-4o-mini")
	assert.Equal(t, "call_1", out.ToolCalls[0].ID)
	assert.Equal(t, "given", out.ToolCalls[1].ID)
	assert.InDelta(t, 0.15, s.TotalCostUSD, 1e-9)
	assert.Equal(t, 1_000_000, s.Usage.PromptTokens)
	assert.True(t, s.WantsTools(out))

	s.Append(&schema.Message{Role: schema.Tool, Content: "ok"})
	assert.Equal(t, "call_1", s.History[len(s.History)-1].ToolCallID)
}

func TestBuildAnthropicMessages_FoldsToolResults(t *testing.T) {
	call := schema.AssistantMessage("", []schema.ToolCall{
		{ID: "t1", Function: schema.FunctionCall{Name: "a", Arguments: `{"q":"x"}`}},
		{ID: "t2", Function: schema.FunctionCall{Name: "b", Arguments: "not json"}},
	})
	system, msgs := buildAnthropicMessages([]*schema.Message{
		schema.SystemMessage("be nice"),
		schema.UserMessage("hi"),
		call,
		schema.ToolMessage("r1", "t1"),
		schema.ToolMessage("r2", "t2"),
		schema.UserMessage("thanks"),
	})
	require.Len(t, system, 1)
	assert.Equal(t, "be nice", system[0].Text)
	require.Len(t, msgs, 4)
	assert.Len(t, msgs[2].Content, 2)
	assert.Len(t, msgs[3].Content, 1)
}

func TestAnthropicFinishReason(t *testing.T) {
	assert.Equal(t, "stop", anthropicFinishReason("end_turn"))
	assert.Equal(t, "tool_calls", anthropicFinishReason("tool_use"))
	assert.Equal(t, "content_filter", anthropicFinishReason("refusal"))
}

func TestBuildOpenAIMessages(t *testing.T) {
	msgs := buildOpenAIMessages([]*schema.Message{
		schema.SystemMessage("s"),
		schema.UserMessage("u"),
		schema.AssistantMessage("", []schema.ToolCall{{ID: "c", Function: schema.FunctionCall{Name: "f", Arguments: "{}"}}}),
		schema.ToolMessage("r", "c"),
		nil,
	})
	require.Len(t, msgs, 4)
	require.NotNil(t, msgs[2].OfAssistant)
	assert.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c", msgs[3].OfTool.ToolCallID)
}
