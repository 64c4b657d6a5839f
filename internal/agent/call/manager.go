// Package call tracks live voice-call sessions.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/chative/agent-runtime/internal/agent/model"
	errx "github.com/chative/agent-runtime/internal/core/error"
	logx "github.com/chative/agent-runtime/pkg/logger"
)

// SessionStore is the durable, token-keyed copy used to recover sessions in
// another process.
type SessionStore interface {
	Save(ctx context.Context, session *model.CallSession) error
	LoadByToken(ctx context.Context, token string) (*model.CallSession, error)
	Delete(ctx context.Context, token string) error
}

// TimeoutHook is called, outside the manager lock, after a session times out.
type TimeoutHook func(session model.CallSession)

type CreateParams struct {
	CallID    string
	ChatbotID string
	TenantID  string
	EndUserID string
	Source    string
	Provider  string
}

type tracked struct {
	session model.CallSession
	timer   clockwork.Timer
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithStore(s SessionStore) Option { return func(m *Manager) { m.store = s } }

func WithTimeoutHook(h TimeoutHook) Option { return func(m *Manager) { m.onTimeout = h } }

// Manager owns the call state machine and the per-session silence timers.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*tracked // by session id
	byToken  map[string]string

	store      SessionStore
	clock      clockwork.Clock
	onTimeout  TimeoutHook
	silence    time.Duration
	staleAfter time.Duration
	interval   time.Duration
	log        zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewManager(cfg model.CallConfig, opts ...Option) *Manager {
	m := &Manager{
		sessions:   make(map[string]*tracked),
		byToken:    make(map[string]string),
		clock:      clockwork.NewRealClock(),
		silence:    cfg.SilenceTimeout,
		staleAfter: cfg.StaleAfter,
		interval:   cfg.SweepInterval,
		log:        logx.Component("call"),
		stop:       make(chan struct{}),
	}
	if m.silence <= 0 {
		m.silence = 3 * time.Minute
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateSession registers a pending session and arms its silence timer.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (model.CallSession, error) {
	if p.ChatbotID == "" {
		return model.CallSession{}, errx.InvalidArgument("chatbot id is required")
	}
	now := m.clock.Now()
	s := model.CallSession{
		SessionID:    uuid.NewString(),
		CallID:       p.CallID,
		ChatbotID:    p.ChatbotID,
		TenantID:     p.TenantID,
		EndUserID:    p.EndUserID,
		Source:       p.Source,
		Status:       model.CallPending,
		StartedAt:    now,
		LastActivity: now,
		Provider:     p.Provider,
		Token:        uuid.NewString(),
	}
	if s.CallID == "" {
		s.CallID = s.SessionID
	}

	m.mu.Lock()
	m.trackLocked(s)
	m.mu.Unlock()

	m.persist(ctx, s)
	m.log.Info().Str("session_id", s.SessionID).Str("chatbot_id", s.ChatbotID).Msg("Call session created")
	return s, nil
}

func (m *Manager) trackLocked(s model.CallSession) *tracked {
	t := &tracked{session: s}
	if !s.Status.Terminal() {
		id := s.SessionID
		t.timer = m.clock.AfterFunc(m.silence, func() { m.expire(id) })
	}
	m.sessions[s.SessionID] = t
	m.byToken[s.Token] = s.SessionID
	return t
}

// Get returns a copy of a session held in memory.
func (m *Manager) Get(sessionID string) (model.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[sessionID]
	if !ok {
		return model.CallSession{}, false
	}
	return t.session, true
}

// GetSession looks a session up by token: memory first, then the durable
// store. A recovered session is tracked again with a fresh silence timer.
func (m *Manager) GetSession(ctx context.Context, token string) (model.CallSession, error) {
	m.mu.Lock()
	if id, ok := m.byToken[token]; ok {
		s := m.sessions[id].session
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	if m.store == nil {
		return model.CallSession{}, errx.SessionNotFound(token)
	}
	stored, err := m.store.LoadByToken(ctx, token)
	if err != nil {
		return model.CallSession{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byToken[token]; ok {
		return m.sessions[id].session, nil
	}
	stored.Token = token
	m.trackLocked(*stored)
	m.log.Info().Str("session_id", stored.SessionID).Msg("Call session recovered from store")
	return *stored, nil
}

// UpdateLastActivity records activity and resets the silence timer.
func (m *Manager) UpdateLastActivity(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[sessionID]
	if !ok {
		return errx.SessionNotFound(sessionID)
	}
	if t.session.Status.Terminal() {
		return nil
	}
	t.session.LastActivity = m.clock.Now()
	if t.timer != nil {
		t.timer.Reset(m.silence)
	}
	return nil
}

// Transition moves a session along pending -> in_progress -> terminal.
func (m *Manager) Transition(ctx context.Context, sessionID string, to model.CallStatus) (model.CallSession, error) {
	m.mu.Lock()
	t, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return model.CallSession{}, errx.SessionNotFound(sessionID)
	}
	if !t.session.Status.CanTransition(to) {
		from := t.session.Status
		m.mu.Unlock()
		return model.CallSession{}, errx.InvalidArgument(fmt.Sprintf("call session cannot move from %s to %s", from, to))
	}
	now := m.clock.Now()
	t.session.Status = to
	t.session.LastActivity = now
	if to.Terminal() {
		t.session.EndedAt = now
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	s := t.session
	m.mu.Unlock()

	m.persist(ctx, s)
	m.log.Debug().Str("session_id", sessionID).Str("status", string(to)).Msg("Call session transition")
	return s, nil
}

// expire marks a silent session as timed out. Tearing the call down is left
// to the timeout hook. A fire that lost the race against fresh activity only
// re-arms the timer for the remaining silence.
func (m *Manager) expire(sessionID string) {
	m.mu.Lock()
	t, ok := m.sessions[sessionID]
	if !ok || t.session.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	if idle := now.Sub(t.session.LastActivity); idle < m.silence {
		if t.timer != nil {
			t.timer.Reset(m.silence - idle)
		}
		m.mu.Unlock()
		return
	}
	t.session.Status = model.CallTimeout
	t.session.EndedAt = now
	s := t.session
	hook := m.onTimeout
	m.mu.Unlock()

	m.log.Info().Str("session_id", sessionID).Dur("silence", m.silence).Msg("Call session timed out")
	m.persist(context.Background(), s)
	if hook != nil {
		hook(s)
	}
}

// Remove forgets a session in memory and in the store.
func (m *Manager) Remove(ctx context.Context, sessionID string) {
	m.mu.Lock()
	t, ok := m.sessions[sessionID]
	if ok {
		m.untrackLocked(t)
	}
	m.mu.Unlock()
	if ok && m.store != nil {
		if err := m.store.Delete(ctx, t.session.Token); err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("Error deleting call session")
		}
	}
}

func (m *Manager) untrackLocked(t *tracked) {
	if t.timer != nil {
		t.timer.Stop()
	}
	delete(m.sessions, t.session.SessionID)
	delete(m.byToken, t.session.Token)
}

// Sweep purges sessions that have been terminal longer than the staleness
// threshold and returns how many were purged.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	now := m.clock.Now()
	var stale []model.CallSession
	for _, t := range m.sessions {
		if t.session.Status.Terminal() && now.Sub(t.session.EndedAt) >= m.staleAfter {
			stale = append(stale, t.session)
			m.untrackLocked(t)
		}
	}
	m.mu.Unlock()

	if m.store != nil {
		for _, s := range stale {
			if err := m.store.Delete(ctx, s.Token); err != nil {
				m.log.Warn().Err(err).Str("session_id", s.SessionID).Msg("Error deleting stale call session")
			}
		}
	}
	if len(stale) > 0 {
		m.log.Debug().Int("purged", len(stale)).Msg("Call session sweep")
	}
	return len(stale)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Start runs the periodic sweep until Shutdown.
func (m *Manager) Start() {
	if m.interval <= 0 {
		return
	}
	ticker := m.clock.NewTicker(m.interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.Chan():
				m.Sweep(context.Background())
			}
		}
	}()
}

// Shutdown stops the sweeper, cancels every timer and clears all sessions.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.sessions {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	m.sessions = make(map[string]*tracked)
	m.byToken = make(map[string]string)
}

func (m *Manager) persist(ctx context.Context, s model.CallSession) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, &s); err != nil {
		m.log.Error().Err(err).Str("session_id", s.SessionID).Msg("Error saving call session")
	}
}
