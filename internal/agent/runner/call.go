package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chative/agent-runtime/internal/agent/call"
	"github.com/chative/agent-runtime/internal/agent/model"
	errx "github.com/chative/agent-runtime/internal/core/error"
	logx "github.com/chative/agent-runtime/pkg/logger"
)

// turnTimeout bounds one voice turn so a stuck provider cannot hold a call.
const turnTimeout = 2 * time.Minute

// StartParams describes an inbound or outbound call.
type StartParams struct {
	ChatbotID string
	CallID    string
	EndUserID string
	Source    string
}

type activeCall struct {
	session model.CallSession
	conn    call.VoiceConnection
	cancel  context.CancelFunc
	turnMu  sync.Mutex
}

// CallRunner bridges voice connections to chatbot turns. Each call session
// owns its own provider connection.
type CallRunner struct {
	sessions *SessionRunner
	calls    *call.Manager
	dialer   call.Dialer
	provider string
	log      zerolog.Logger

	mu     sync.Mutex
	active map[string]*activeCall
}

func NewCallRunner(sessions *SessionRunner, calls *call.Manager, dialer call.Dialer, provider string) *CallRunner {
	return &CallRunner{
		sessions: sessions,
		calls:    calls,
		dialer:   dialer,
		provider: provider,
		log:      logx.Component("call_runner"),
		active:   make(map[string]*activeCall),
	}
}

// StartCall creates a session, dials its voice connection and starts
// listening for transcripts.
func (r *CallRunner) StartCall(ctx context.Context, p StartParams) (model.CallSession, error) {
	bot, err := r.sessions.chatbots.GetChatbot(ctx, p.ChatbotID)
	if err != nil {
		return model.CallSession{}, err
	}
	if !bot.HasChannel(model.ChannelCall) {
		return model.CallSession{}, errx.InvalidArgument("chatbot is not enabled for calls")
	}

	s, err := r.calls.CreateSession(ctx, call.CreateParams{
		CallID:    p.CallID,
		ChatbotID: bot.ID,
		TenantID:  bot.TenantID,
		EndUserID: p.EndUserID,
		Source:    p.Source,
		Provider:  r.provider,
	})
	if err != nil {
		return model.CallSession{}, err
	}

	if _, err := r.attach(ctx, s); err != nil {
		if _, terr := r.calls.Transition(ctx, s.SessionID, model.CallFailed); terr != nil {
			r.log.Warn().Err(terr).Str("session_id", s.SessionID).Msg("Error marking call failed")
		}
		return model.CallSession{}, errx.Provider(err, false)
	}
	return r.calls.Transition(ctx, s.SessionID, model.CallInProgress)
}

// attach dials the session's voice connection unless this process already
// holds one.
func (r *CallRunner) attach(ctx context.Context, s model.CallSession) (*activeCall, error) {
	r.mu.Lock()
	if ac, ok := r.active[s.SessionID]; ok {
		r.mu.Unlock()
		return ac, nil
	}
	r.mu.Unlock()

	conn, err := r.dialer.Dial(ctx, s.SessionID)
	if err != nil {
		r.log.Error().Err(err).Str("session_id", s.SessionID).Msg("Failed to dial voice connection")
		return nil, err
	}
	lctx, cancel := context.WithCancel(context.Background())
	ac := &activeCall{session: s, conn: conn, cancel: cancel}

	r.mu.Lock()
	if existing, ok := r.active[s.SessionID]; ok {
		r.mu.Unlock()
		cancel()
		_ = conn.Close()
		return existing, nil
	}
	r.active[s.SessionID] = ac
	r.mu.Unlock()

	go r.listen(lctx, ac)
	return ac, nil
}

func (r *CallRunner) listen(ctx context.Context, ac *activeCall) {
	log := r.log.With().Str("session_id", ac.session.SessionID).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ac.conn.Events():
			if !ok {
				r.finish(ac.session.SessionID, model.CallCompleted)
				return
			}
			switch ev.Type {
			case call.VoiceEventTranscript:
				if err := r.calls.UpdateLastActivity(ac.session.SessionID); err != nil {
					log.Warn().Err(err).Msg("Error updating call activity")
				}
				if ev.Final && ev.Text != "" {
					r.respond(ctx, ac, ev.Text)
				}
			case call.VoiceEventError:
				log.Warn().Str("detail", ev.Text).Msg("Voice provider reported an error")
			case call.VoiceEventClosed:
				r.finish(ac.session.SessionID, model.CallFailed)
				return
			}
		}
	}
}

// respond runs one turn for a final transcript and speaks the reply. Turns of
// one call are serialized.
func (r *CallRunner) respond(ctx context.Context, ac *activeCall, transcript string) {
	ac.turnMu.Lock()
	defer ac.turnMu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()
	log := r.log.With().Str("session_id", ac.session.SessionID).Logger()

	events, _, err := r.sessions.HandleMessage(tctx, Message{
		ChatbotID:      ac.session.ChatbotID,
		ConversationID: ac.session.SessionID,
		EndUserID:      ac.session.EndUserID,
		Text:           transcript,
		Channel:        model.ChannelCall,
	})
	if err != nil {
		log.Error().Err(err).Msg("Voice turn failed to start")
		_ = ac.conn.SendText(tctx, errx.FallbackReplyMessage)
		return
	}
	reply, err := Collect(tctx, events)
	if err != nil {
		log.Warn().Err(err).Msg("Voice turn abandoned")
		return
	}
	if reply.Text != "" {
		if err := ac.conn.SendText(tctx, reply.Text); err != nil && !errors.Is(err, call.ErrVoiceClosed) {
			log.Warn().Err(err).Msg("Error sending reply to voice provider")
		}
	}
	if err := r.calls.UpdateLastActivity(ac.session.SessionID); err != nil {
		log.Debug().Err(err).Msg("Call ended during turn")
	}
}

// HandleAudio forwards an audio chunk. The session is looked up by token so a
// process that did not start the call can serve it.
func (r *CallRunner) HandleAudio(ctx context.Context, token string, chunk []byte) error {
	s, err := r.calls.GetSession(ctx, token)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return errx.InvalidArgument("call session has ended")
	}
	ac, err := r.attach(ctx, s)
	if err != nil {
		return errx.Provider(err, false)
	}
	if err := r.calls.UpdateLastActivity(s.SessionID); err != nil {
		return err
	}
	return ac.conn.SendAudio(ctx, chunk)
}

// GetCall returns the session behind a token.
func (r *CallRunner) GetCall(ctx context.Context, token string) (model.CallSession, error) {
	return r.calls.GetSession(ctx, token)
}

// EndCall moves the session to status (completed when empty) and disconnects.
func (r *CallRunner) EndCall(ctx context.Context, token string, status model.CallStatus) (model.CallSession, error) {
	if status == "" {
		status = model.CallCompleted
	}
	if !status.Terminal() {
		return model.CallSession{}, errx.InvalidArgument("end status must be terminal")
	}
	s, err := r.calls.GetSession(ctx, token)
	if err != nil {
		return model.CallSession{}, err
	}
	if !s.Status.Terminal() {
		if s, err = r.calls.Transition(ctx, s.SessionID, status); err != nil {
			return model.CallSession{}, err
		}
	}
	r.Disconnect(s.SessionID)
	return s, nil
}

// HandleTimeout is the call manager's timeout hook: the session is already in
// timeout, only the connection is torn down here.
func (r *CallRunner) HandleTimeout(s model.CallSession) {
	r.log.Info().Str("session_id", s.SessionID).Msg("Ending silent call")
	r.Disconnect(s.SessionID)
}

// Disconnect closes the session's voice connection held by this process.
func (r *CallRunner) Disconnect(sessionID string) {
	r.mu.Lock()
	ac, ok := r.active[sessionID]
	delete(r.active, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	ac.cancel()
	if err := ac.conn.Close(); err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).Msg("Error closing voice connection")
	}
}

func (r *CallRunner) finish(sessionID string, status model.CallStatus) {
	ctx := context.Background()
	if s, ok := r.calls.Get(sessionID); ok && !s.Status.Terminal() {
		if _, err := r.calls.Transition(ctx, sessionID, status); err != nil {
			r.log.Warn().Err(err).Str("session_id", sessionID).Msg("Error ending call")
		}
	}
	r.mu.Lock()
	ac, ok := r.active[sessionID]
	delete(r.active, sessionID)
	r.mu.Unlock()
	if ok {
		ac.cancel()
		_ = ac.conn.Close()
	}
}

// Shutdown disconnects every call held by this process.
func (r *CallRunner) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Disconnect(id)
	}
}
