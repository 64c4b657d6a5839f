// Package auth gates agents and tools behind a per end-user login flow.
package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/chative/agent-runtime/internal/agent/model"
	errx "github.com/chative/agent-runtime/internal/core/error"
	logx "github.com/chative/agent-runtime/pkg/logger"
)

const defaultSessionTTL = 24 * time.Hour

// SessionValidator checks a stored session against an external authority.
type SessionValidator interface {
	Validate(ctx context.Context, bot *model.ChatbotInstance, endUserID string, session *model.AuthSession) (bool, error)
}

type ValidatorFunc func(ctx context.Context, bot *model.ChatbotInstance, endUserID string, session *model.AuthSession) (bool, error)

func (f ValidatorFunc) Validate(ctx context.Context, bot *model.ChatbotInstance, endUserID string, session *model.AuthSession) (bool, error) {
	return f(ctx, bot, endUserID, session)
}

// StepResult is the verdict on one login step. An accepted step either
// advances (Session nil) or finalizes (Session set).
type StepResult struct {
	Accepted bool
	Message  string
	Session  *model.AuthSession
}

// StepCompleter decides a login step given every value collected so far.
type StepCompleter interface {
	CompleteStep(ctx context.Context, bot *model.ChatbotInstance, step model.AuthStep, index int, values map[string]string) (StepResult, error)
}

// DefaultCompleter accepts any non-empty value and issues a session after
// the last step.
type DefaultCompleter struct{}

func (DefaultCompleter) CompleteStep(_ context.Context, bot *model.ChatbotInstance, step model.AuthStep, index int, values map[string]string) (StepResult, error) {
	if strings.TrimSpace(values[step.Field]) == "" {
		return StepResult{Message: step.Prompt}, nil
	}
	if index < len(bot.Auth.Steps)-1 {
		return StepResult{Accepted: true}, nil
	}
	return StepResult{Accepted: true, Session: &model.AuthSession{Token: uuid.NewString()}}, nil
}

// Decision tells the caller whether a request may proceed. When it may not,
// Step is the login prompt to show.
type Decision struct {
	Proceed bool
	Step    *model.AuthStep
}

// Outcome of ProcessAuthInput.
type Outcome struct {
	State *model.AuthState
	// Prompt is the next message for the end-user.
	Prompt        string
	Authenticated bool
}

type Option func(*Interceptor)

func WithValidator(v SessionValidator) Option { return func(i *Interceptor) { i.validator = v } }

func WithCompleter(c StepCompleter) Option { return func(i *Interceptor) { i.completer = c } }

func WithClock(c clockwork.Clock) Option { return func(i *Interceptor) { i.clock = c } }

// Interceptor runs the anonymous -> pending -> authenticated state machine.
type Interceptor struct {
	store     StateStore
	validator SessionValidator
	completer StepCompleter
	clock     clockwork.Clock
	log       zerolog.Logger
}

func NewInterceptor(store StateStore, opts ...Option) *Interceptor {
	i := &Interceptor{
		store:     store,
		completer: DefaultCompleter{},
		clock:     clockwork.NewRealClock(),
		log:       logx.Component("auth"),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Required reports whether target (an agent id, tool name or "") needs login.
func Required(guard *model.AuthGuard, target string) bool {
	if guard == nil || len(guard.Steps) == 0 {
		return false
	}
	if guard.RequireAuth {
		return true
	}
	return target != "" && slices.Contains(guard.RequireAuthForAgents, target)
}

// CheckAuth decides whether endUserID may reach target. A request that needs
// login from an anonymous user starts the flow at step 0.
func (i *Interceptor) CheckAuth(ctx context.Context, bot *model.ChatbotInstance, endUserID, target string) (Decision, error) {
	if !Required(bot.Auth, target) {
		return Decision{Proceed: true}, nil
	}
	st, err := i.store.Load(ctx, bot.ID, endUserID)
	if err != nil {
		return Decision{}, err
	}

	switch st.Status {
	case model.AuthAuthenticated:
		ok, err := i.sessionValid(ctx, bot, endUserID, st.Session)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return Decision{Proceed: true}, nil
		}
		i.log.Info().Str("chatbot_id", bot.ID).Str("end_user_id", endUserID).Msg("Auth session rejected - restarting login")
		if err := i.store.Delete(ctx, bot.ID, endUserID); err != nil {
			return Decision{}, err
		}
		return i.restart(ctx, bot, endUserID)
	case model.AuthPending:
		idx := st.StepIndex
		if idx < 0 || idx >= len(bot.Auth.Steps) {
			return i.restart(ctx, bot, endUserID)
		}
		step := bot.Auth.Steps[idx]
		return Decision{Step: &step}, nil
	default:
		return i.restart(ctx, bot, endUserID)
	}
}

// Pending reports whether the user is in the middle of the login flow.
func (i *Interceptor) Pending(ctx context.Context, bot *model.ChatbotInstance, endUserID string) (bool, error) {
	if bot.Auth == nil || len(bot.Auth.Steps) == 0 {
		return false, nil
	}
	st, err := i.store.Load(ctx, bot.ID, endUserID)
	if err != nil {
		return false, err
	}
	return st.Status == model.AuthPending, nil
}

// ProcessAuthInput merges input into the values accumulated by earlier steps
// and hands them to the step completer. An accepted step advances to the next
// step or finalizes a session; a rejected one stays on the same step.
func (i *Interceptor) ProcessAuthInput(ctx context.Context, bot *model.ChatbotInstance, endUserID, input string) (Outcome, error) {
	if bot.Auth == nil || len(bot.Auth.Steps) == 0 {
		return Outcome{}, errx.Auth("chatbot has no login flow")
	}
	st, err := i.store.Load(ctx, bot.ID, endUserID)
	if err != nil {
		return Outcome{}, err
	}
	if st.Status != model.AuthPending || st.StepIndex < 0 || st.StepIndex >= len(bot.Auth.Steps) {
		return Outcome{}, errx.Auth("no login step is pending")
	}

	step := bot.Auth.Steps[st.StepIndex]
	values := cloneValues(st.Accumulated)
	if values == nil {
		values = map[string]string{}
	}
	values[step.Field] = strings.TrimSpace(input)

	res, err := i.completer.CompleteStep(ctx, bot, step, st.StepIndex, values)
	if err != nil {
		return Outcome{}, err
	}
	now := i.clock.Now()
	if !res.Accepted {
		msg := res.Message
		if msg == "" {
			msg = step.Prompt
		}
		return Outcome{State: st, Prompt: msg}, nil
	}

	if res.Session != nil {
		session := *res.Session
		if session.ExpiresAt.IsZero() {
			ttl := bot.Auth.SessionTTL
			if ttl <= 0 {
				ttl = defaultSessionTTL
			}
			session.ExpiresAt = now.Add(ttl)
		}
		next := &model.AuthState{Status: model.AuthAuthenticated, Session: &session, UpdatedAt: now}
		if err := i.store.Save(ctx, bot.ID, endUserID, next); err != nil {
			return Outcome{}, err
		}
		i.log.Info().Str("chatbot_id", bot.ID).Str("end_user_id", endUserID).Msg("End-user authenticated")
		return Outcome{State: next, Prompt: res.Message, Authenticated: true}, nil
	}

	nextIdx := st.StepIndex + 1
	if nextIdx >= len(bot.Auth.Steps) {
		return Outcome{}, fmt.Errorf("login step %q accepted without a session after the last step", step.ID)
	}
	nextStep := bot.Auth.Steps[nextIdx]
	next := &model.AuthState{
		Status:      model.AuthPending,
		StepID:      nextStep.ID,
		StepIndex:   nextIdx,
		Accumulated: values,
		UpdatedAt:   now,
	}
	if err := i.store.Save(ctx, bot.ID, endUserID, next); err != nil {
		return Outcome{}, err
	}
	return Outcome{State: next, Prompt: nextStep.Prompt}, nil
}

// Logout clears the user's state.
func (i *Interceptor) Logout(ctx context.Context, bot *model.ChatbotInstance, endUserID string) error {
	return i.store.Delete(ctx, bot.ID, endUserID)
}

func (i *Interceptor) restart(ctx context.Context, bot *model.ChatbotInstance, endUserID string) (Decision, error) {
	step := bot.Auth.Steps[0]
	st := &model.AuthState{Status: model.AuthPending, StepID: step.ID, StepIndex: 0, UpdatedAt: i.clock.Now()}
	if err := i.store.Save(ctx, bot.ID, endUserID, st); err != nil {
		return Decision{}, err
	}
	return Decision{Step: &step}, nil
}

func (i *Interceptor) sessionValid(ctx context.Context, bot *model.ChatbotInstance, endUserID string, s *model.AuthSession) (bool, error) {
	if s == nil {
		return false, nil
	}
	if !s.ExpiresAt.IsZero() && !i.clock.Now().Before(s.ExpiresAt) {
		return false, nil
	}
	if i.validator == nil {
		return true, nil
	}
	return i.validator.Validate(ctx, bot, endUserID, s)
}
