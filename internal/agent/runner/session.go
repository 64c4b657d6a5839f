// Package runner connects inbound chat messages and voice calls to cached
// chatbot executors.
package runner

import (
	"context"
	"fmt"
	"maps"

	"github.com/cloudwego/eino/callbacks"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/chative/agent-runtime/internal/agent/engine"
	"github.com/chative/agent-runtime/internal/agent/executor"
	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/chative/agent-runtime/internal/agent/packages"
	errx "github.com/chative/agent-runtime/internal/core/error"
	logx "github.com/chative/agent-runtime/pkg/logger"
)

// EngineDeps holds what every executor of this process shares.
type EngineDeps struct {
	Chatbots  packages.ChatbotStore
	Packages  packages.Provider
	Builder   engine.GraphBuilder
	History   engine.History
	Recorder  model.TurnRecorder
	Auth      engine.AuthGate
	Config    model.EngineConfig
	Clock     clockwork.Clock
	Callbacks []callbacks.Handler
}

// Build constructs the engine of one chatbot. It is the executor cache's
// BuildFunc.
func (d EngineDeps) Build(ctx context.Context, chatbotID string) (*engine.Engine, error) {
	bot, err := d.Chatbots.GetChatbot(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Options{
		Chatbot:   bot,
		Packages:  d.Packages,
		Builder:   d.Builder,
		History:   d.History,
		Recorder:  d.Recorder,
		Auth:      d.Auth,
		Config:    d.Config,
		Clock:     d.Clock,
		Callbacks: d.Callbacks,
	}), nil
}

// Executors is the part of the executor cache the runners use.
type Executors interface {
	GetOrBuild(ctx context.Context, chatbotID string) (*engine.Engine, error)
	Invalidate(chatbotID string)
}

var _ Executors = (*executor.Cache[*engine.Engine])(nil)

// GraphInvalidator drops cached agent graphs of a chatbot.
type GraphInvalidator interface {
	Invalidate(chatbotID string)
}

// Message is one inbound end-user message.
type Message struct {
	ChatbotID      string
	ConversationID string
	EndUserID      string
	Text           string
	Channel        model.Channel
	// Variables override the chatbot's plain variables for this turn.
	Variables map[string]string
}

// SessionRunner serves text turns.
type SessionRunner struct {
	chatbots  packages.ChatbotStore
	executors Executors
	graphs    GraphInvalidator
	clock     clockwork.Clock
	log       zerolog.Logger
}

func NewSessionRunner(chatbots packages.ChatbotStore, executors Executors, graphs GraphInvalidator, clock clockwork.Clock) *SessionRunner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionRunner{
		chatbots:  chatbots,
		executors: executors,
		graphs:    graphs,
		clock:     clock,
		log:       logx.Component("runner"),
	}
}

// HandleMessage starts a turn and returns its event stream together with the
// conversation id the turn ran under.
func (r *SessionRunner) HandleMessage(ctx context.Context, msg Message) (<-chan model.StreamEvent, string, error) {
	if msg.ChatbotID == "" {
		return nil, "", errx.InvalidArgument("chatbot id is required")
	}
	if msg.Text == "" {
		return nil, "", errx.InvalidArgument("message text is required")
	}
	if msg.Channel == "" {
		msg.Channel = model.ChannelChat
	}

	bot, err := r.chatbots.GetChatbot(ctx, msg.ChatbotID)
	if err != nil {
		return nil, "", err
	}
	if !bot.HasChannel(msg.Channel) {
		return nil, "", errx.InvalidArgument(fmt.Sprintf("chatbot %q is not enabled on channel %q", bot.ID, msg.Channel))
	}

	convID := msg.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	vars := maps.Clone(bot.Variables)
	if vars == nil {
		vars = map[string]string{}
	}
	maps.Copy(vars, msg.Variables)

	actx := model.NewAgentContext(model.AgentContextParams{
		ConversationID:   convID,
		TenantID:         bot.TenantID,
		ChatbotID:        bot.ID,
		Channel:          msg.Channel,
		EndUserID:        msg.EndUserID,
		Message:          msg.Text,
		Variables:        vars,
		SecuredVariables: bot.SecuredVariables,
		ReceivedAt:       r.clock.Now(),
	})

	eng, err := r.executors.GetOrBuild(ctx, bot.ID)
	if err != nil {
		r.log.Error().Err(err).Str("chatbot_id", bot.ID).Msg("Failed to get executor")
		return nil, "", err
	}
	r.log.Debug().
		Str("chatbot_id", bot.ID).
		Str("conversation_id", convID).
		Str("channel", string(msg.Channel)).
		Msg("Dispatching turn")
	return eng.Run(ctx, msg.Text, convID, actx), convID, nil
}

// Invalidate drops the chatbot's executor and graphs so the next message picks
// up a changed configuration.
func (r *SessionRunner) Invalidate(chatbotID string) {
	r.executors.Invalidate(chatbotID)
	if r.graphs != nil {
		r.graphs.Invalidate(chatbotID)
	}
	r.log.Info().Str("chatbot_id", chatbotID).Msg("Executor invalidated")
}

// HandoffReply is what a caller hears when a turn escalates before the agent
// said anything.
const HandoffReply = "Let me connect you with a member of our team."

// Reply is the outcome of a turn reduced to what a non-streaming caller needs.
type Reply struct {
	Text      string
	Terminal  model.StreamEvent
	Escalated bool
}

// Collect drains a turn's event stream.
func Collect(ctx context.Context, events <-chan model.StreamEvent) (Reply, error) {
	var r Reply
	for {
		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return r, nil
			}
			switch ev.Type {
			case model.EventDelta:
				if d, ok := ev.Data.(model.DeltaData); ok {
					r.Text += d.Content
				}
			case model.EventHumanEscalation:
				r.Escalated = true
				if r.Text == "" {
					r.Text = HandoffReply
				}
			case model.EventComplete:
				if d, ok := ev.Data.(model.CompleteData); ok {
					r.Text = d.Content
				}
			case model.EventError:
				if d, ok := ev.Data.(model.ErrorData); ok {
					r.Text = d.Message
				}
			}
			if ev.Type.Terminal() {
				r.Terminal = ev
			}
		}
	}
}
