package call

import (
	"context"
	"sync/atomic"
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

func testConfig() model.CallConfig {
	return model.CallConfig{
		SilenceTimeout: 3 * time.Minute,
		StaleAfter:     10 * time.Minute,
		SweepInterval:  time.Minute,
		SessionTTL:     2 * time.Hour,
	}
}

func testStore(t *testing.T) *repo.RedisCallSessionStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return repo.NewRedisCallSessionStore(rdb, time.Hour)
}

func statusOf(m *Manager, id string) model.CallStatus {
	s, _ := m.Get(id)
	return s.Status
}

func TestManager_SilenceTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timedOut := make(chan model.CallSession, 1)
	m := NewManager(testConfig(), WithClock(clock), WithTimeoutHook(func(s model.CallSession) { timedOut <- s }))
	t.Cleanup(m.Shutdown)

	s, err := m.CreateSession(context.Background(), CreateParams{ChatbotID: "bot", Source: "phone"})
	require.NoError(t, err)
	assert.Equal(t, model.CallPending, s.Status)
	assert.NotEmpty(t, s.Token)

	clock.Advance(3 * time.Minute)

	select {
	case got := <-timedOut:
		assert.Equal(t, s.SessionID, got.SessionID)
		assert.Equal(t, model.CallTimeout, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout hook not called")
	}
	assert.Equal(t, model.CallTimeout, statusOf(m, s.SessionID))
	assert.Equal(t, 1, m.Len())
}

func TestManager_ActivityResetsTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(testConfig(), WithClock(clock))
	t.Cleanup(m.Shutdown)

	s, err := m.CreateSession(context.Background(), CreateParams{ChatbotID: "bot"})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	require.NoError(t, m.UpdateLastActivity(s.SessionID))
	clock.Advance(2 * time.Minute)
	assert.Never(t, func() bool { return statusOf(m, s.SessionID) == model.CallTimeout }, 100*time.Millisecond, 10*time.Millisecond)

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return statusOf(m, s.SessionID) == model.CallTimeout }, time.Second, 10*time.Millisecond)
}

func TestManager_LateTimerFireAfterActivityIsIgnored(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var hookCalls atomic.Int32
	m := NewManager(testConfig(), WithClock(clock), WithTimeoutHook(func(model.CallSession) { hookCalls.Add(1) }))
	t.Cleanup(m.Shutdown)

	s, err := m.CreateSession(context.Background(), CreateParams{ChatbotID: "bot"})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	require.NoError(t, m.UpdateLastActivity(s.SessionID))

	// a fire already in flight when the activity landed
	m.expire(s.SessionID)
	assert.Equal(t, model.CallPending, statusOf(m, s.SessionID))
	assert.Zero(t, hookCalls.Load())

	clock.Advance(3 * time.Minute)
	assert.Eventually(t, func() bool { return statusOf(m, s.SessionID) == model.CallTimeout }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return hookCalls.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestManager_TransitionCountsAsActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(testConfig(), WithClock(clock))
	t.Cleanup(m.Shutdown)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, CreateParams{ChatbotID: "bot"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = m.Transition(ctx, s.SessionID, model.CallInProgress)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Never(t, func() bool { return statusOf(m, s.SessionID) == model.CallTimeout }, 100*time.Millisecond, 10*time.Millisecond)

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return statusOf(m, s.SessionID) == model.CallTimeout }, time.Second, 10*time.Millisecond)
}

func TestManager_Transitions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(testConfig(), WithClock(clock))
	t.Cleanup(m.Shutdown)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, CreateParams{ChatbotID: "bot"})
	require.NoError(t, err)

	_, err = m.Transition(ctx, s.SessionID, model.CallPending)
	assert.Equal(t, errx.CodeInvalidArgument, errx.CodeOf(err))

	s, err = m.Transition(ctx, s.SessionID, model.CallInProgress)
	require.NoError(t, err)
	assert.Equal(t, model.CallInProgress, s.Status)

	s, err = m.Transition(ctx, s.SessionID, model.CallCompleted)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), s.EndedAt)

	_, err = m.Transition(ctx, s.SessionID, model.CallInProgress)
	assert.Error(t, err)

	// a completed call never times out
	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return statusOf(m, s.SessionID) == model.CallTimeout }, 100*time.Millisecond, 10*time.Millisecond)

	_, err = m.Transition(ctx, "missing", model.CallCompleted)
	assert.Equal(t, errx.CodeSessionNotFound, errx.CodeOf(err))
}

func TestManager_RecoverFromStore(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := NewManager(testConfig(), WithStore(store))
	t.Cleanup(first.Shutdown)
	s, err := first.CreateSession(ctx, CreateParams{ChatbotID: "bot", EndUserID: "u1"})
	require.NoError(t, err)
	_, err = first.Transition(ctx, s.SessionID, model.CallInProgress)
	require.NoError(t, err)

	second := NewManager(testConfig(), WithStore(store))
	t.Cleanup(second.Shutdown)
	got, err := second.GetSession(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, s.SessionID, got.SessionID)
	assert.Equal(t, model.CallInProgress, got.Status)
	assert.Equal(t, "u1", got.EndUserID)

	local, ok := second.Get(s.SessionID)
	require.True(t, ok)
	assert.Equal(t, s.Token, local.Token)

	_, err = second.GetSession(ctx, "unknown-token")
	assert.Equal(t, errx.CodeSessionNotFound, errx.CodeOf(err))
}

func TestManager_SweepAndRemove(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := testStore(t)
	m := NewManager(testConfig(), WithClock(clock), WithStore(store))
	t.Cleanup(m.Shutdown)
	ctx := context.Background()

	done, err := m.CreateSession(ctx, CreateParams{ChatbotID: "bot"})
	require.NoError(t, err)
	live, err := m.CreateSession(ctx, CreateParams{ChatbotID: "bot"})
	require.NoError(t, err)
	_, err = m.Transition(ctx, done.SessionID, model.CallCancelled)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, m.UpdateLastActivity(live.SessionID))
	assert.Equal(t, 0, m.Sweep(ctx))

	clock.Advance(9 * time.Minute)
	assert.Equal(t, 1, m.Sweep(ctx))
	_, ok := m.Get(done.SessionID)
	assert.False(t, ok)
	_, err = store.LoadByToken(ctx, done.Token)
	assert.Equal(t, errx.CodeSessionNotFound, errx.CodeOf(err))

	m.Remove(ctx, live.SessionID)
	assert.Equal(t, 0, m.Len())
}

func TestManager_CreateRequiresChatbot(t *testing.T) {
	m := NewManager(testConfig())
	_, err := m.CreateSession(context.Background(), CreateParams{})
	assert.Equal(t, errx.CodeInvalidArgument, errx.CodeOf(err))
}
