package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/chative/agent-runtime/internal/agent/repo"
	errx "github.com/chative/agent-runtime/internal/core/error"
)

func guardedBot(global bool, agents ...string) *model.ChatbotInstance {
	return &model.ChatbotInstance{
		ID: "bot-1",
		Auth: &model.AuthGuard{
			RequireAuth:          global,
			RequireAuthForAgents: agents,
			Steps: []model.AuthStep{
				{ID: "email", Prompt: "What is your email?", Field: "email"},
				{ID: "code", Prompt: "Enter the code we sent.", Field: "code"},
			},
			SessionTTL: time.Hour,
		},
	}
}

func TestRequired(t *testing.T) {
	assert.False(t, Required(nil, "billing"))
	assert.False(t, Required(&model.AuthGuard{RequireAuth: true}, "x"))
	assert.True(t, Required(guardedBot(true).Auth, ""))
	assert.True(t, Required(guardedBot(false, "billing").Auth, "billing"))
	assert.False(t, Required(guardedBot(false, "billing").Auth, "support"))
}

func TestCheckAuth_GatedAgentList(t *testing.T) {
	ctx := context.Background()
	i := NewInterceptor(NewMemoryStateStore())
	bot := guardedBot(false, "billing")

	d, err := i.CheckAuth(ctx, bot, "u1", "billing")
	require.NoError(t, err)
	assert.False(t, d.Proceed)
	require.NotNil(t, d.Step)
	assert.Equal(t, "email", d.Step.ID)

	d, err = i.CheckAuth(ctx, bot, "u1", "support")
	require.NoError(t, err)
	assert.True(t, d.Proceed)

	pending, err := i.Pending(ctx, bot, "u1")
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestCheckAuth_NoGuard(t *testing.T) {
	i := NewInterceptor(NewMemoryStateStore())
	d, err := i.CheckAuth(context.Background(), &model.ChatbotInstance{ID: "b"}, "u", "anything")
	require.NoError(t, err)
	assert.True(t, d.Proceed)
}

func TestProcessAuthInput_FullFlow(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewMemoryStateStore()
	i := NewInterceptor(store, WithClock(clock))
	bot := guardedBot(true)

	_, err := i.ProcessAuthInput(ctx, bot, "u1", "early")
	assert.Equal(t, errx.CodeAuth, errx.CodeOf(err))

	_, err = i.CheckAuth(ctx, bot, "u1", "")
	require.NoError(t, err)

	out, err := i.ProcessAuthInput(ctx, bot, "u1", "  ")
	require.NoError(t, err)
	assert.False(t, out.Authenticated)
	assert.Equal(t, "What is your email?", out.Prompt)
	assert.Equal(t, 0, out.State.StepIndex)

	out, err = i.ProcessAuthInput(ctx, bot, "u1", "me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Enter the code we sent.", out.Prompt)
	assert.Equal(t, 1, out.State.StepIndex)
	assert.Equal(t, "me@example.com", out.State.Accumulated["email"])

	out, err = i.ProcessAuthInput(ctx, bot, "u1", "123456")
	require.NoError(t, err)
	require.True(t, out.Authenticated)
	assert.Equal(t, clock.Now().Add(time.Hour), out.State.Session.ExpiresAt)

	d, err := i.CheckAuth(ctx, bot, "u1", "")
	require.NoError(t, err)
	assert.True(t, d.Proceed)

	clock.Advance(time.Hour)
	d, err = i.CheckAuth(ctx, bot, "u1", "")
	require.NoError(t, err)
	assert.False(t, d.Proceed)
	assert.Equal(t, "email", d.Step.ID)
}

type recordingCompleter struct{ seen map[string]string }

func (r *recordingCompleter) CompleteStep(_ context.Context, bot *model.ChatbotInstance, _ model.AuthStep, index int, values map[string]string) (StepResult, error) {
	r.seen = values
	if index == len(bot.Auth.Steps)-1 {
		return StepResult{Accepted: true, Session: &model.AuthSession{Token: "t", Roles: []string{"customer"}}}, nil
	}
	return StepResult{Accepted: true}, nil
}

func TestProcessAuthInput_MergesAccumulatedValues(t *testing.T) {
	ctx := context.Background()
	c := &recordingCompleter{}
	i := NewInterceptor(NewMemoryStateStore(), WithCompleter(c))
	bot := guardedBot(true)

	_, err := i.CheckAuth(ctx, bot, "u1", "")
	require.NoError(t, err)
	_, err = i.ProcessAuthInput(ctx, bot, "u1", "a@b.c")
	require.NoError(t, err)
	out, err := i.ProcessAuthInput(ctx, bot, "u1", "42")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"email": "a@b.c", "code": "42"}, c.seen)
	assert.Equal(t, []string{"customer"}, out.State.Session.Roles)
}

func TestCheckAuth_ValidatorRejectionRestarts(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := repo.NewRedisAuthStateStore(rdb, time.Hour)

	valid := true
	i := NewInterceptor(store, WithValidator(ValidatorFunc(func(context.Context, *model.ChatbotInstance, string, *model.AuthSession) (bool, error) {
		return valid, nil
	})))
	bot := guardedBot(true)

	require.NoError(t, store.Save(ctx, bot.ID, "u1", &model.AuthState{
		Status:  model.AuthAuthenticated,
		Session: &model.AuthSession{Token: "s", ExpiresAt: time.Now().Add(time.Hour)},
	}))

	d, err := i.CheckAuth(ctx, bot, "u1", "")
	require.NoError(t, err)
	assert.True(t, d.Proceed)

	valid = false
	d, err = i.CheckAuth(ctx, bot, "u1", "")
	require.NoError(t, err)
	assert.False(t, d.Proceed)
	assert.Equal(t, "email", d.Step.ID)

	st, err := store.Load(ctx, bot.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.AuthPending, st.Status)
	assert.Nil(t, st.Session)
}
