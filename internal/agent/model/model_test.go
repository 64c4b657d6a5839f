package model

import (
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageConfig_Validate(t *testing.T) {
	ok := &PackageConfig{ID: "pkg", Agents: []AgentSpec{{ID: "a", Model: "gemini/gemini-2.5-flash"}}}
	require.NoError(t, ok.Validate())

	cases := map[string]*PackageConfig{
		"no id":      {Agents: []AgentSpec{{ID: "a", Model: "gemini/x"}}},
		"no agents":  {ID: "pkg"},
		"dup agent":  {ID: "pkg", Agents: []AgentSpec{{ID: "a", Model: "gemini/x"}, {ID: "a", Model: "gemini/x"}}},
		"bad role":   {ID: "pkg", Agents: []AgentSpec{{ID: "a", Role: "boss", Model: "gemini/x"}}},
		"bare model": {ID: "pkg", Agents: []AgentSpec{{ID: "a", Model: "gpt-4o"}}},
	}
	for name, pkg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, pkg.Validate())
		})
	}
}

func TestChatbotInstance_HasChannel(t *testing.T) {
	bot := &ChatbotInstance{}
	assert.True(t, bot.HasChannel(ChannelChat))
	assert.False(t, bot.HasChannel(ChannelCall))

	bot.Channels = []Channel{ChannelCall}
	assert.True(t, bot.HasChannel(ChannelCall))
	assert.False(t, bot.HasChannel(ChannelChat))
}

func TestAgentContext_CopiesInputs(t *testing.T) {
	vars := map[string]string{"shop": "Acme"}
	actx := NewAgentContext(AgentContextParams{
		ConversationID:   "c1",
		Variables:        vars,
		SecuredVariables: map[string]string{"api_key": "k"},
	})
	vars["shop"] = "Changed"

	v, ok := actx.Variable("shop")
	require.True(t, ok)
	assert.Equal(t, "Acme", v)
	assert.Equal(t, ChannelChat, actx.Channel())
	assert.False(t, actx.ReceivedAt().IsZero())

	out := actx.Variables()
	out["shop"] = "Mutated"
	v, _ = actx.Variable("shop")
	assert.Equal(t, "Acme", v)

	_, ok = actx.Variables()["api_key"]
	assert.False(t, ok)
	secret, ok := actx.SecuredVariable("api_key")
	assert.True(t, ok)
	assert.Equal(t, "k", secret)
}

func TestCallStatus_Transitions(t *testing.T) {
	assert.True(t, CallPending.CanTransition(CallInProgress))
	assert.True(t, CallPending.CanTransition(CallCancelled))
	assert.True(t, CallInProgress.CanTransition(CallTimeout))
	assert.False(t, CallInProgress.CanTransition(CallPending))
	assert.False(t, CallCompleted.CanTransition(CallInProgress))
	assert.False(t, CallTimeout.CanTransition(CallCompleted))
}

func TestResolvePricing(t *testing.T) {
	assert.Equal(t, 0.30, ResolvePricing("gemini/gemini-2.5-flash").InputPerM)
	assert.Equal(t, 0.10, ResolvePricing("gemini-2.5-flash-lite").InputPerM)
	assert.Equal(t, 0.15, ResolvePricing("openai/gpt-4o-mini-2024-07-18").InputPerM)
	assert.Equal(t, Pricing{}, ResolvePricing("unknown/model"))
}

func TestComputeCostAndAddUsage(t *testing.T) {
	u := AddUsage(nil, &schema.TokenUsage{PromptTokens: 500_000, CompletionTokens: 100_000, TotalTokens: 600_000})
	u = AddUsage(u, &schema.TokenUsage{PromptTokens: 500_000, CompletionTokens: 100_000, TotalTokens: 600_000})
	in, out, total := ComputeCost(u, Pricing{InputPerM: 1, OutputPerM: 2})
	assert.InDelta(t, 1.0, in, 1e-9)
	assert.InDelta(t, 0.4, out, 1e-9)
	assert.InDelta(t, 1.4, total, 1e-9)
	assert.Equal(t, 1_200_000, u.TotalTokens)
}

func TestTurn(t *testing.T) {
	now := time.Now()
	turn := NewTurn(schema.User, "hello world!", now)
	assert.Equal(t, 3, turn.TokenEstimate)
	msg := turn.ToMessage()
	assert.Equal(t, schema.User, msg.Role)
	assert.Equal(t, "hello world!", msg.Content)

	h := &ConversationHistory{Turns: []Turn{turn, NewTurn(schema.Assistant, "hi", now)}}
	assert.Equal(t, 4, h.TokenEstimate())
	assert.True(t, EventError.Terminal())
	assert.False(t, EventDelta.Terminal())
}

func TestNewEvent_AssignsDistinctIDs(t *testing.T) {
	now := time.Now()
	a := NewEvent(EventDelta, DeltaData{Content: "a"}, now)
	b := NewEvent(EventDelta, DeltaData{Content: "b"}, now)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, now, a.Timestamp)
}
