// Package engine drives one conversational turn through an agent graph and
// streams the result as ordered events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/schema"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/chative/agent-runtime/internal/agent/auth"
	"github.com/chative/agent-runtime/internal/agent/graph"
	"github.com/chative/agent-runtime/internal/agent/graph/observers"
	"github.com/chative/agent-runtime/internal/agent/graph/parsers"
	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/chative/agent-runtime/internal/agent/packages"
	errx "github.com/chative/agent-runtime/internal/core/error"
	logx "github.com/chative/agent-runtime/pkg/logger"
)

// History is the conversation cache the engine reads before a turn and
// appends to after it.
type History interface {
	GetForProvider(ctx context.Context, conversationID string) ([]*schema.Message, error)
	Append(ctx context.Context, conversationID string, turns ...model.Turn)
}

// GraphBuilder returns the (cached) agent graph of a chatbot.
type GraphBuilder interface {
	Build(ctx context.Context, pkg *model.PackageConfig, bot *model.ChatbotInstance, actx *model.AgentContext) (*graph.Graph, error)
}

// AuthGate is the part of the auth interceptor the engine consults.
type AuthGate interface {
	CheckAuth(ctx context.Context, bot *model.ChatbotInstance, endUserID, target string) (auth.Decision, error)
	Pending(ctx context.Context, bot *model.ChatbotInstance, endUserID string) (bool, error)
	ProcessAuthInput(ctx context.Context, bot *model.ChatbotInstance, endUserID, input string) (auth.Outcome, error)
}

// Options wires an Engine. Auth, Recorder, Matcher and Clock are optional.
type Options struct {
	Chatbot  *model.ChatbotInstance
	Packages packages.Provider
	Builder  GraphBuilder
	History  History
	Recorder model.TurnRecorder
	Auth     AuthGate
	Matcher  *parsers.HumanRequestMatcher
	Config   model.EngineConfig
	Clock    clockwork.Clock
	// Callbacks are eino handlers attached to every model and tool run.
	Callbacks []callbacks.Handler
}

// Engine executes turns for one chatbot instance. Turns run concurrently;
// callers serialize turns of the same conversation.
type Engine struct {
	opts Options
	log  zerolog.Logger

	pkgMu sync.Mutex
	pkg   *model.PackageConfig

	turnsMu sync.Mutex
	turns   map[uint64]context.CancelFunc
	nextID  uint64
	closed  atomic.Bool
}

var defaultMatcher = parsers.MustHumanRequestMatcher()

var errDisconnected = &errx.AppError{
	Err:       errors.New("executor disconnected"),
	Status:    http.StatusServiceUnavailable,
	Message:   "executor disconnected",
	Code:      errx.CodeInternal,
	Retryable: true,
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Matcher == nil {
		opts.Matcher = defaultMatcher
	}
	if opts.Callbacks == nil {
		opts.Callbacks = []callbacks.Handler{observers.NewAllCallbacks()}
	}
	if opts.Config.EventBuffer <= 0 {
		opts.Config.EventBuffer = 64
	}
	return &Engine{
		opts:  opts,
		log:   logx.Component("engine").With().Str("chatbot_id", opts.Chatbot.ID).Logger(),
		turns: make(map[uint64]context.CancelFunc),
	}
}

func (e *Engine) ChatbotID() string { return e.opts.Chatbot.ID }

// Run starts a turn and returns its event stream. The channel is closed after
// the terminal event. A consumer that stops reading should cancel ctx.
func (e *Engine) Run(ctx context.Context, message, sessionID string, actx *model.AgentContext) <-chan model.StreamEvent {
	ch := make(chan model.StreamEvent, e.opts.Config.EventBuffer)
	ctx, cancel := context.WithCancel(ctx)
	id := e.track(cancel)

	go func() {
		defer close(ch)
		defer e.untrack(id)
		defer cancel()

		em := &emitter{ctx: ctx, ch: ch, clock: e.opts.Clock}
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().
					Str("conversation_id", sessionID).
					Str("stack", string(debug.Stack())).
					Msgf("turn panicked: %v", r)
				em.emit(model.EventError, model.ErrorData{
					Code:    string(errx.CodeInternal),
					Message: errx.FallbackReplyMessage,
				})
			}
		}()

		if err := e.runTurn(ctx, em, message, sessionID, actx); err != nil {
			e.log.Error().Err(err).Str("conversation_id", sessionID).Str("code", string(errx.CodeOf(err))).Msg("Turn failed")
			em.emit(model.EventError, model.ErrorData{
				Code:      string(errx.CodeOf(err)),
				Message:   errx.FallbackReplyMessage,
				Retryable: errx.IsRetryable(err),
			})
		}
	}()
	return ch
}

// Disconnect cancels in-flight turns and refuses new ones. Safe to call twice.
func (e *Engine) Disconnect() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.turnsMu.Lock()
	for id, cancel := range e.turns {
		cancel()
		delete(e.turns, id)
	}
	e.turnsMu.Unlock()
	e.log.Debug().Msg("Engine disconnected")
	return nil
}

func (e *Engine) track(cancel context.CancelFunc) uint64 {
	e.turnsMu.Lock()
	defer e.turnsMu.Unlock()
	e.nextID++
	e.turns[e.nextID] = cancel
	return e.nextID
}

func (e *Engine) untrack(id uint64) {
	e.turnsMu.Lock()
	defer e.turnsMu.Unlock()
	delete(e.turns, id)
}

// packageConfig resolves the package once: registry first, then the dynamic loader.
func (e *Engine) packageConfig(ctx context.Context) (*model.PackageConfig, error) {
	e.pkgMu.Lock()
	defer e.pkgMu.Unlock()
	if e.pkg != nil {
		return e.pkg, nil
	}
	id := e.opts.Chatbot.PackageID
	if e.opts.Packages == nil {
		return nil, errx.PackageLoad(id, fmt.Errorf("no package provider configured"))
	}
	pkg, err := packages.Resolve(ctx, e.opts.Packages, id)
	if err != nil {
		return nil, errx.PackageLoad(id, err)
	}
	e.pkg = pkg
	return pkg, nil
}
