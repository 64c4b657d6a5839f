package nodes

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/chative/agent-runtime/internal/agent/model"
	logx "github.com/chative/agent-runtime/pkg/logger"
)

const toolLimitNotice = "SYSTEM NOTICE: You have reached the maximum tool call limit (%d). " +
	"Please synthesize a helpful response using the information you've already gathered. " +
	"Acknowledge any limitations in your response if you couldn't complete all necessary tool calls."

// TurnState carries the provider transcript and counters of one turn.
// It is owned by a single goroutine.
type TurnState struct {
	ConversationID       string
	History              []*schema.Message
	ToolCallCount        int
	ToolCallLimitReached bool
	ToolCallIDSeq        int
	TotalCostUSD         float64
	Usage                *schema.TokenUsage

	maxToolCalls int
	noticeSent   bool
}

func NewTurnState(conversationID string, maxToolCalls int, history ...*schema.Message) *TurnState {
	return &TurnState{
		ConversationID: conversationID,
		History:        append([]*schema.Message(nil), history...),
		maxToolCalls:   normalizeMaxToolCalls(maxToolCalls),
	}
}

func (s *TurnState) MaxToolCalls() int { return s.maxToolCalls }

// Append adds messages to the transcript. A trailing tool result without a
// tool_call_id inherits the id of the most recent assistant tool call.
func (s *TurnState) Append(msgs ...*schema.Message) {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == schema.Tool && strings.TrimSpace(m.ToolCallID) == "" {
			m.ToolCallID = s.lastToolCallID()
		}
		s.History = append(s.History, m)
	}
}

func (s *TurnState) lastToolCallID() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		msg := s.History[i]
		if msg == nil || msg.Role != schema.Assistant || len(msg.ToolCalls) == 0 {
			continue
		}
		return msg.ToolCalls[0].ID
	}
	return ""
}

// PrepareInput returns the provider input for the next call: the active
// agent's system prompt followed by the transcript. Once the tool-call limit
// is reached a wrap-up notice is appended exactly once.
func (s *TurnState) PrepareInput(systemPrompt string) []*schema.Message {
	if checkAndMarkToolLimit(s) || (s.ToolCallLimitReached && !s.noticeSent) {
		s.History = append(s.History, schema.SystemMessage(fmt.Sprintf(toolLimitNotice, s.maxToolCalls)))
		s.noticeSent = true
	}
	out := make([]*schema.Message, 0, len(s.History)+1)
	if systemPrompt != "" {
		out = append(out, schema.SystemMessage(systemPrompt))
	}
	return append(out, s.History...)
}

// FinalizeOutput records usage and cost for out, assigns ids to tool calls the
// provider left unnamed and appends the message to the transcript.
func (s *TurnState) FinalizeOutput(out *schema.Message, modelRef string) *schema.Message {
	if out == nil {
		return nil
	}
	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		usage := out.ResponseMeta.Usage
		inC, outC, totalC := model.ComputeCost(usage, model.ResolvePricing(modelRef))
		s.TotalCostUSD += totalC
		s.Usage = model.AddUsage(s.Usage, usage)
		logx.Debug().
			Str("conversation_id", s.ConversationID).
			Str("model", modelRef).
			Int("prompt_tokens", usage.PromptTokens).
			Int("completion_tokens", usage.CompletionTokens).
			Int("total_tokens", usage.TotalTokens).
			Float64("input_cost_usd", inC).
			Float64("output_cost_usd", outC).
			Float64("total_cost_usd", s.TotalCostUSD).
			Msg("LLM usage")
	}
	for i := range out.ToolCalls {
		if strings.TrimSpace(out.ToolCalls[i].ID) == "" {
			s.ToolCallIDSeq++
			out.ToolCalls[i].ID = fmt.Sprintf("call_%d", s.ToolCallIDSeq)
		}
	}
	s.History = append(s.History, out)
	return out
}

// WantsTools reports whether the engine should execute out's tool calls.
// After the limit is reached remaining calls are ignored and the turn ends.
func (s *TurnState) WantsTools(out *schema.Message) bool {
	if out == nil || len(out.ToolCalls) == 0 {
		return false
	}
	if s.ToolCallLimitReached {
		logx.Debug().Str("conversation_id", s.ConversationID).Msg("Tool limit reached previously - routing to end")
		return false
	}
	return true
}

// CountToolCall registers one tool execution. It returns false when the call
// exceeds the limit and must be skipped.
func (s *TurnState) CountToolCall() bool {
	if incrementToolCallAndCheck(s) {
		logx.Warn().
			Int("tool_call_count", s.ToolCallCount).
			Int("max_tool_calls", s.maxToolCalls).
			Str("conversation_id", s.ConversationID).
			Msg("Tool call limit exceeded - flagging and continuing")
		return false
	}
	return true
}
