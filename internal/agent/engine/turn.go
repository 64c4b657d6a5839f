package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/chative/agent-runtime/internal/agent/graph"
	"github.com/chative/agent-runtime/internal/agent/graph/nodes"
	"github.com/chative/agent-runtime/internal/agent/graph/parsers"
	"github.com/chative/agent-runtime/internal/agent/graph/tools"
	"github.com/chative/agent-runtime/internal/agent/model"
	errx "github.com/chative/agent-runtime/internal/core/error"
	"github.com/chative/agent-runtime/pkg/telemetry"
)

const (
	authVerifiedMessage = "Thanks, you're verified. How can I help you?"
	userRequestSource   = "user_request"
)

// turn is the mutable state of one Run.
type turn struct {
	e         *Engine
	em        *emitter
	actx      *model.AgentContext
	sessionID string
	message   string
	graph     *graph.Graph
	active    *graph.Node
	state     *nodes.TurnState
	scope     *tools.Scope
	toolsUsed []string
	transfers int
}

func (e *Engine) runTurn(ctx context.Context, em *emitter, message, sessionID string, actx *model.AgentContext) error {
	if e.closed.Load() {
		return errDisconnected
	}
	start := e.opts.Clock.Now()
	bot := e.opts.Chatbot

	pkg, err := e.packageConfig(ctx)
	if err != nil {
		return err
	}

	var history []*schema.Message
	if e.opts.History != nil {
		history, err = e.opts.History.GetForProvider(ctx, sessionID)
		if err != nil {
			e.log.Warn().Err(err).Str("conversation_id", sessionID).Msg("History unavailable - continuing without it")
			history = nil
		}
	}

	if phrase, ok := e.opts.Matcher.Match(message); ok {
		em.emit(model.EventHumanEscalation, model.EscalationData{
			Reason:  "The customer asked to talk to a person.",
			Source:  userRequestSource,
			Message: phrase,
		})
		e.persist(ctx, sessionID, model.NewTurn(schema.User, message, actx.ReceivedAt()))
		return nil
	}

	g, err := e.opts.Builder.Build(ctx, pkg, bot, actx)
	if err != nil {
		return err
	}

	if e.opts.Auth != nil {
		handled, err := e.authGate(ctx, em, g, message, actx)
		if err != nil || handled {
			return err
		}
	}

	t := &turn{
		e:         e,
		em:        em,
		actx:      actx,
		sessionID: sessionID,
		message:   message,
		graph:     g,
		active:    g.Root,
		state:     nodes.NewTurnState(sessionID, e.opts.Config.MaxToolCalls, append(history, schema.UserMessage(message))...),
		scope:     &tools.Scope{Agent: actx},
	}
	ctx = tools.WithScope(ctx, t.scope)

	escalated, err := t.loop(ctx)
	if err != nil {
		return err
	}
	if em.done && !escalated {
		return nil
	}

	content := em.text()
	e.persist(ctx, sessionID,
		model.NewTurn(schema.User, message, actx.ReceivedAt()),
		model.NewTurn(schema.Assistant, content, e.opts.Clock.Now()),
	)
	if escalated {
		return nil
	}
	em.emit(model.EventComplete, model.CompleteData{
		Content:   content,
		Agent:     t.active.Name(),
		ToolsUsed: append([]string{}, t.toolsUsed...),
		Sources:   append([]model.Citation{}, t.scope.Sources()...),
		Model:     t.active.Spec.Model,
		ElapsedMs: e.opts.Clock.Since(start).Milliseconds(),
		Usage:     t.state.Usage,
		CostUSD:   t.state.TotalCostUSD,
	})
	return nil
}

// persist records the turn durably, then appends it to the cache. A durable
// write failure is logged; the answer has already been produced.
func (e *Engine) persist(ctx context.Context, sessionID string, turns ...model.Turn) {
	if e.opts.Recorder != nil {
		if err := e.opts.Recorder.RecordTurn(ctx, sessionID, turns...); err != nil {
			e.log.Error().Err(err).Str("conversation_id", sessionID).Msg("Error saving turn")
		}
	}
	if e.opts.History != nil {
		e.opts.History.Append(ctx, sessionID, turns...)
	}
}

// authGate handles a pending login step or blocks an unauthenticated request
// to the root agent. handled means the turn already ended.
func (e *Engine) authGate(ctx context.Context, em *emitter, g *graph.Graph, message string, actx *model.AgentContext) (bool, error) {
	bot := e.opts.Chatbot
	pending, err := e.opts.Auth.Pending(ctx, bot, actx.EndUserID())
	if err != nil {
		return false, err
	}
	if pending {
		out, err := e.opts.Auth.ProcessAuthInput(ctx, bot, actx.EndUserID(), message)
		if err != nil {
			return false, err
		}
		prompt := out.Prompt
		if out.Authenticated && prompt == "" {
			prompt = authVerifiedMessage
		}
		stepID := ""
		if !out.Authenticated && out.State != nil {
			stepID = out.State.StepID
		}
		emitAuthPrompt(em, prompt, stepID, !out.Authenticated, g.Root)
		return true, nil
	}

	d, err := e.opts.Auth.CheckAuth(ctx, bot, actx.EndUserID(), g.Root.Name())
	if err != nil {
		return false, err
	}
	if d.Proceed {
		return false, nil
	}
	emitAuthPrompt(em, d.Step.Prompt, d.Step.ID, true, g.Root)
	return true, nil
}

func emitAuthPrompt(em *emitter, prompt, stepID string, required bool, agent *graph.Node) {
	em.delta(prompt)
	em.emit(model.EventComplete, model.CompleteData{
		Content:      em.text(),
		Agent:        agent.Name(),
		ToolsUsed:    []string{},
		Sources:      []model.Citation{},
		Model:        agent.Spec.Model,
		AuthRequired: required,
		AuthStep:     stepID,
	})
}

// loop alternates provider calls and tool execution until the model answers
// without tool calls. escalated reports a tool-signalled escalation.
func (t *turn) loop(ctx context.Context) (escalated bool, err error) {
	maxIterations := t.state.MaxToolCalls() + t.e.opts.Config.MaxTransfers + 3
	for i := 0; i < maxIterations; i++ {
		out, err := t.callModel(ctx)
		if err != nil {
			return false, err
		}
		if t.em.done {
			return false, nil
		}
		if !t.state.WantsTools(out) {
			return false, nil
		}
		escalated, err := t.runTools(ctx, out.ToolCalls)
		if err != nil || escalated || t.em.done {
			return escalated, err
		}
	}
	t.e.log.Warn().Str("conversation_id", t.sessionID).Int("iterations", maxIterations).Msg("Turn stopped at iteration limit")
	return false, nil
}

// callModel streams one provider call, forwarding text as delta events and
// reasoning as thinking events.
func (t *turn) callModel(ctx context.Context) (*schema.Message, error) {
	node := t.active
	input := t.state.PrepareInput(node.Prompt)

	ctx, span := telemetry.Tracer().Start(ctx, "engine.provider_call")
	defer span.End()
	span.SetAttributes(
		attribute.String("chatbot.id", t.e.opts.Chatbot.ID),
		attribute.String("agent.id", node.Name()),
		attribute.String("model", node.Spec.Model),
		attribute.Int("messages", len(input)),
	)

	provider, _, _ := strings.Cut(node.Spec.Model, "/")
	ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
		Name:      node.Name(),
		Type:      provider,
		Component: components.ComponentOfChatModel,
	}, t.e.opts.Callbacks...)
	manual := !components.IsCallbacksEnabled(node.Model)
	if manual {
		ctx = callbacks.OnStart(ctx, &einomodel.CallbackInput{Messages: input})
	}

	out, err := t.consume(ctx, node, input)
	if manual {
		if err != nil {
			callbacks.OnError(ctx, err)
		} else {
			cbOut := &einomodel.CallbackOutput{Message: out}
			if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
				u := out.ResponseMeta.Usage
				cbOut.TokenUsage = &einomodel.TokenUsage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
			}
			callbacks.OnEnd(ctx, cbOut)
		}
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return t.state.FinalizeOutput(out, node.Spec.Model), nil
}

func (t *turn) consume(ctx context.Context, node *graph.Node, input []*schema.Message) (*schema.Message, error) {
	sr, err := node.Model.Stream(ctx, input)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	defer sr.Close()

	var chunks []*schema.Message
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classifyProviderError(err)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.ReasoningContent != "" {
			if !t.em.emit(model.EventThinking, model.ThinkingData{Content: chunk.ReasoningContent}) {
				return nil, ctx.Err()
			}
		}
		if !t.em.delta(chunk.Content) {
			return nil, ctx.Err()
		}
	}
	if len(chunks) == 0 {
		return nil, errx.Provider(fmt.Errorf("model %q returned an empty stream", node.Spec.Model), false)
	}
	out, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, errx.Provider(fmt.Errorf("concat stream: %w", err), false)
	}
	if out.ResponseMeta != nil && isContentFiltered(out.ResponseMeta.FinishReason) && out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, errx.Provider(fmt.Errorf("response blocked: %s", out.ResponseMeta.FinishReason), true)
	}
	return out, nil
}

func isContentFiltered(reason string) bool {
	switch strings.ToLower(reason) {
	case "content_filter", "safety", "blocklist", "prohibited_content", "refusal":
		return true
	}
	return false
}

func classifyProviderError(err error) error {
	var appErr *errx.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errx.Provider(err, false)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "context length") || strings.Contains(msg, "context window") || strings.Contains(msg, "too many tokens") {
		return errx.ContextLimit(err)
	}
	return errx.Provider(err, false)
}

// runTools executes one batch of tool calls in order. Every call gets a tool
// message so the transcript stays valid for the provider.
func (t *turn) runTools(ctx context.Context, calls []schema.ToolCall) (bool, error) {
	transferred := false
	for _, tc := range calls {
		if transferred {
			t.state.Append(schema.ToolMessage(`{"skipped":"conversation was transferred"}`, tc.ID))
			continue
		}
		if tc.Function.Name == tools.TransferToolName {
			done, err := t.transfer(ctx, tc)
			if err != nil || t.em.done {
				return false, err
			}
			transferred = done
			continue
		}
		escalated, err := t.invoke(ctx, tc)
		if err != nil || escalated || t.em.done {
			return escalated, err
		}
	}
	return false, nil
}

// transfer switches the active agent. Transfers are control signals and are
// never surfaced as tool_call events.
func (t *turn) transfer(ctx context.Context, tc schema.ToolCall) (bool, error) {
	target, err := parsers.ParseTransferTarget(tc.Function.Arguments)
	if err != nil {
		t.state.Append(schema.ToolMessage(fmt.Sprintf(`{"error":%q}`, err.Error()), tc.ID))
		return false, nil
	}
	if _, allowed := t.active.Tool(tools.TransferToolName); !allowed {
		t.state.Append(schema.ToolMessage(`{"error":"transfers are not available"}`, tc.ID))
		return false, nil
	}
	next, ok := t.graph.FindAgent(target)
	if !ok {
		t.state.Append(schema.ToolMessage(fmt.Sprintf(`{"error":"unknown agent %q"}`, target), tc.ID))
		return false, nil
	}
	if next == t.active {
		t.state.Append(schema.ToolMessage(`{"error":"already the active agent"}`, tc.ID))
		return false, nil
	}
	if limit := t.e.opts.Config.MaxTransfers; limit > 0 && t.transfers >= limit {
		t.e.log.Warn().Str("conversation_id", t.sessionID).Int("max_transfers", limit).Msg("Transfer limit reached")
		t.state.Append(schema.ToolMessage(`{"error":"transfer limit reached, answer the customer directly"}`, tc.ID))
		return false, nil
	}
	if t.e.opts.Auth != nil {
		d, err := t.e.opts.Auth.CheckAuth(ctx, t.e.opts.Chatbot, t.actx.EndUserID(), next.Name())
		if err != nil {
			return false, err
		}
		if !d.Proceed {
			emitAuthPrompt(t.em, d.Step.Prompt, d.Step.ID, true, t.active)
			return false, nil
		}
	}

	prev := t.active
	t.active = next
	t.transfers++
	t.em.emit(model.EventNotification, model.NotificationData{
		From:    prev.Name(),
		To:      next.Name(),
		Message: fmt.Sprintf("Transferring you to %s.", next.Spec.DisplayName()),
	})
	t.state.Append(schema.ToolMessage(fmt.Sprintf(`{"transferred_to":%q}`, next.Name()), tc.ID))
	return true, nil
}

// invoke runs one business, knowledge or escalation tool.
func (t *turn) invoke(ctx context.Context, tc schema.ToolCall) (bool, error) {
	name := tc.Function.Name
	tl, ok := t.active.Tool(name)
	if !ok {
		t.e.log.Warn().Str("tool_name", name).Str("arguments", tc.Function.Arguments).Msg("Unknown or invalid tool call; returning fallback result")
		t.em.emit(model.EventToolCall, model.ToolCallData{ID: tc.ID, Name: name, Status: model.ToolCallFailed, Error: "unknown tool"})
		t.state.Append(schema.ToolMessage(fmt.Sprintf(`{"error":"unknown_tool","name":%q,"note":"ignored"}`, name), tc.ID))
		return false, nil
	}

	if t.e.opts.Auth != nil {
		d, err := t.e.opts.Auth.CheckAuth(ctx, t.e.opts.Chatbot, t.actx.EndUserID(), name)
		if err != nil {
			return false, err
		}
		if !d.Proceed {
			t.em.emit(model.EventToolCall, model.ToolCallData{ID: tc.ID, Name: name, Status: model.ToolCallFailed, StatusText: tl.StatusText, Error: "authentication required"})
			emitAuthPrompt(t.em, d.Step.Prompt, d.Step.ID, true, t.active)
			return false, nil
		}
	}

	if !t.state.CountToolCall() {
		t.state.Append(schema.ToolMessage(`{"skipped":"tool call limit reached"}`, tc.ID))
		return false, nil
	}

	if !t.em.emit(model.EventToolCall, model.ToolCallData{ID: tc.ID, Name: name, Status: model.ToolCallExecuting, StatusText: tl.StatusText}) {
		return false, nil
	}
	result, err := t.runTool(ctx, tl, tc)
	if err != nil {
		toolErr := errx.ToolExecution(name, err)
		t.e.log.Warn().Err(toolErr).Str("conversation_id", t.sessionID).Msg("Tool failed")
		t.em.emit(model.EventToolCall, model.ToolCallData{ID: tc.ID, Name: name, Status: model.ToolCallFailed, StatusText: tl.StatusText, Error: err.Error()})
		b, _ := json.Marshal(map[string]string{"error": err.Error()})
		t.state.Append(schema.ToolMessage(string(b), tc.ID))
		return false, nil
	}

	t.em.emit(model.EventToolCall, model.ToolCallData{ID: tc.ID, Name: name, Status: model.ToolCallCompleted, StatusText: tl.StatusText})
	t.markUsed(name)
	t.state.Append(schema.ToolMessage(result, tc.ID))

	if action, ok := parsers.ParseToolAction(result); ok && action.Action == tools.ActionEscalate {
		t.em.emit(model.EventHumanEscalation, model.EscalationData{
			Reason: action.Reason,
			Source: name,
		})
		return true, nil
	}
	return false, nil
}

func (t *turn) runTool(ctx context.Context, tl *tools.Tool, tc schema.ToolCall) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", tl.Name), attribute.String("agent.id", t.active.Name()))

	ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
		Name:      tl.Name,
		Type:      "Tool",
		Component: components.ComponentOfTool,
	}, t.e.opts.Callbacks...)
	manual := !components.IsCallbacksEnabled(tl.InvokableTool)
	if manual {
		ctx = callbacks.OnStart(ctx, &einotool.CallbackInput{ArgumentsInJSON: tc.Function.Arguments})
	}
	result, err := tl.InvokableRun(ctx, tc.Function.Arguments)
	if manual {
		if err != nil {
			callbacks.OnError(ctx, err)
		} else {
			callbacks.OnEnd(ctx, &einotool.CallbackOutput{Response: result})
		}
	}
	telemetry.RecordError(span, err)
	return result, err
}

func (t *turn) markUsed(name string) {
	for _, n := range t.toolsUsed {
		if n == name {
			return
		}
	}
	t.toolsUsed = append(t.toolsUsed, name)
}
