package runner

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chative/agent-runtime/internal/agent/call"
	"github.com/chative/agent-runtime/internal/agent/engine"
	"github.com/chative/agent-runtime/internal/agent/executor"
	"github.com/chative/agent-runtime/internal/agent/graph"
	"github.com/chative/agent-runtime/internal/agent/graph/conversations"
	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/chative/agent-runtime/internal/agent/packages"
	errx "github.com/chative/agent-runtime/internal/core/error"
)

// echoModel answers every turn with "echo: <last user message>".
type echoModel struct{}

func (echoModel) Generate(_ context.Context, in []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	return schema.AssistantMessage(reply(in), nil), nil
}

func (echoModel) Stream(_ context.Context, in []*schema.Message, _ ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage(reply(in), nil)}), nil
}

func (m echoModel) WithTools([]*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return m, nil
}

func reply(in []*schema.Message) string {
	for i := len(in) - 1; i >= 0; i-- {
		if in[i].Role == schema.User {
			return "echo: " + in[i].Content
		}
	}
	return "echo"
}

type echoFactory struct{}

func (echoFactory) NewChatModel(context.Context, string, model.ModelSettings) (einomodel.ToolCallingChatModel, error) {
	return echoModel{}, nil
}

type fixture struct {
	chatbots *packages.MemoryChatbotStore
	cache    *executor.Cache[*engine.Engine]
	sessions *SessionRunner
}

func newFixture(t *testing.T, bots ...*model.ChatbotInstance) *fixture {
	t.Helper()
	reg := packages.NewRegistry(nil)
	require.NoError(t, reg.Register(&model.PackageConfig{ID: "pkg", Agents: []model.AgentSpec{
		{ID: "assistant", Model: "stub/m", Instructions: "Help."},
	}}))
	builder := graph.NewBuilder(echoFactory{}, nil, nil, model.KnowledgeConfig{})
	deps := EngineDeps{
		Packages: reg,
		Builder:  builder,
		History:  conversations.NewHistoryStore(nil, model.HistoryConfig{MaxMessages: 20, CacheTTL: time.Hour, CacheMaxEntries: 10}),
	}
	f := &fixture{chatbots: packages.NewMemoryChatbotStore(bots...)}
	deps.Chatbots = f.chatbots
	f.cache = executor.NewCache(deps.Build, model.ExecutorConfig{InactivityTTL: time.Hour, MaxEntries: 10})
	t.Cleanup(f.cache.Shutdown)
	f.sessions = NewSessionRunner(f.chatbots, f.cache, builder, nil)
	return f
}

func chatBot(channels ...model.Channel) *model.ChatbotInstance {
	return &model.ChatbotInstance{ID: "bot", TenantID: "t1", PackageID: "pkg", Revision: 1, Channels: channels}
}

func TestHandleMessage_Streams(t *testing.T) {
	f := newFixture(t, chatBot())
	ctx := context.Background()

	events, convID, err := f.sessions.HandleMessage(ctx, Message{ChatbotID: "bot", EndUserID: "u1", Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, convID)

	r, err := Collect(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", r.Text)
	assert.Equal(t, model.EventComplete, r.Terminal.Type)
	assert.False(t, r.Escalated)
}

func TestHandleMessage_Errors(t *testing.T) {
	f := newFixture(t, chatBot())
	ctx := context.Background()

	_, _, err := f.sessions.HandleMessage(ctx, Message{ChatbotID: "missing", Text: "hi"})
	assert.Equal(t, errx.CodeNotFound, errx.CodeOf(err))

	_, _, err = f.sessions.HandleMessage(ctx, Message{ChatbotID: "bot"})
	assert.Equal(t, errx.CodeInvalidArgument, errx.CodeOf(err))

	_, _, err = f.sessions.HandleMessage(ctx, Message{ChatbotID: "bot", Text: "hi", Channel: model.ChannelCall})
	assert.Equal(t, errx.CodeInvalidArgument, errx.CodeOf(err))
}

func TestHandleMessage_EscalationShortCircuit(t *testing.T) {
	f := newFixture(t, chatBot())
	ctx := context.Background()

	events, _, err := f.sessions.HandleMessage(ctx, Message{ChatbotID: "bot", Text: "I want to talk to a human"})
	require.NoError(t, err)
	r, err := Collect(ctx, events)
	require.NoError(t, err)
	assert.True(t, r.Escalated)
	assert.Equal(t, model.EventHumanEscalation, r.Terminal.Type)
	assert.Equal(t, HandoffReply, r.Text)
}

func TestInvalidate_RebuildsExecutor(t *testing.T) {
	f := newFixture(t, chatBot())
	ctx := context.Background()

	first, err := f.cache.GetOrBuild(ctx, "bot")
	require.NoError(t, err)
	again, err := f.cache.GetOrBuild(ctx, "bot")
	require.NoError(t, err)
	assert.Same(t, first, again)

	f.sessions.Invalidate("bot")
	rebuilt, err := f.cache.GetOrBuild(ctx, "bot")
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
}

type fakeConn struct {
	events chan call.VoiceEvent
	texts  chan string
	audio  chan []byte
	once   sync.Once
	closed atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan call.VoiceEvent, 4),
		texts:  make(chan string, 4),
		audio:  make(chan []byte, 4),
	}
}

func (c *fakeConn) SendAudio(_ context.Context, chunk []byte) error {
	c.audio <- chunk
	return nil
}

func (c *fakeConn) SendText(_ context.Context, text string) error {
	if c.closed.Load() {
		return call.ErrVoiceClosed
	}
	c.texts <- text
	return nil
}

func (c *fakeConn) Events() <-chan call.VoiceEvent { return c.events }

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.events)
	})
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string) (call.VoiceConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newCallRunner(t *testing.T, clock clockwork.Clock) (*CallRunner, *call.Manager, *fakeDialer) {
	t.Helper()
	f := newFixture(t, chatBot(model.ChannelChat, model.ChannelCall))
	var cr *CallRunner
	mgr := call.NewManager(model.CallConfig{SilenceTimeout: 3 * time.Minute, StaleAfter: 10 * time.Minute},
		call.WithClock(clock),
		call.WithTimeoutHook(func(s model.CallSession) { cr.HandleTimeout(s) }),
	)
	t.Cleanup(mgr.Shutdown)
	d := &fakeDialer{}
	cr = NewCallRunner(f.sessions, mgr, d, "test")
	t.Cleanup(cr.Shutdown)
	return cr, mgr, d
}

func TestCallRunner_TranscriptTurn(t *testing.T) {
	cr, _, d := newCallRunner(t, clockwork.NewRealClock())
	ctx := context.Background()

	s, err := cr.StartCall(ctx, StartParams{ChatbotID: "bot", EndUserID: "caller"})
	require.NoError(t, err)
	assert.Equal(t, model.CallInProgress, s.Status)
	assert.Equal(t, "test", s.Provider)

	conn := d.last()
	conn.events <- call.VoiceEvent{Type: call.VoiceEventTranscript, Text: "what are your hours", Final: false}
	conn.events <- call.VoiceEvent{Type: call.VoiceEventTranscript, Text: "what are your hours", Final: true}

	select {
	case got := <-conn.texts:
		assert.True(t, strings.HasPrefix(got, "echo: what are your hours"))
	case <-time.After(5 * time.Second):
		t.Fatal("no spoken reply")
	}

	require.NoError(t, cr.HandleAudio(ctx, s.Token, []byte{9, 9}))
	assert.Equal(t, []byte{9, 9}, <-conn.audio)

	ended, err := cr.EndCall(ctx, s.Token, "")
	require.NoError(t, err)
	assert.Equal(t, model.CallCompleted, ended.Status)
	assert.True(t, conn.closed.Load())

	assert.Error(t, cr.HandleAudio(ctx, s.Token, []byte{1}))
}

func TestCallRunner_StartRequiresCallChannel(t *testing.T) {
	f := newFixture(t, chatBot())
	mgr := call.NewManager(model.CallConfig{})
	t.Cleanup(mgr.Shutdown)
	cr := NewCallRunner(f.sessions, mgr, &fakeDialer{}, "test")

	_, err := cr.StartCall(context.Background(), StartParams{ChatbotID: "bot"})
	assert.Equal(t, errx.CodeInvalidArgument, errx.CodeOf(err))
}

func TestCallRunner_SilenceTimeoutDisconnects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cr, mgr, d := newCallRunner(t, clock)

	s, err := cr.StartCall(context.Background(), StartParams{ChatbotID: "bot"})
	require.NoError(t, err)
	conn := d.last()

	clock.Advance(3 * time.Minute)
	assert.Eventually(t, conn.closed.Load, 2*time.Second, 10*time.Millisecond)

	got, ok := mgr.Get(s.SessionID)
	require.True(t, ok)
	assert.Equal(t, model.CallTimeout, got.Status)
}
