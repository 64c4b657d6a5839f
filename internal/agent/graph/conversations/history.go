// Package conversations keeps bounded, cached conversation transcripts in
// front of the durable conversation store.
package conversations

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/chative/agent-runtime/internal/agent/model"
	logx "github.com/chative/agent-runtime/pkg/logger"
	"github.com/cloudwego/eino/schema"
	"github.com/jonboulle/clockwork"
)

// keepRecent turns always stay verbatim when a transcript is summarized.
const keepRecent = 4

type entry struct {
	conversationID string
	turns          []model.Turn
	expiresAt      time.Time
	elem           *list.Element
}

// HistoryStore caches transcripts with a TTL and a maximum entry count. Misses
// read through the durable repository; the store itself never writes to it.
type HistoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = least recently written

	repo        model.ConversationRepository
	clock       clockwork.Clock
	summarizer  Summarizer
	maxMessages int
	maxEntries  int
	ttl         time.Duration
	threshold   int
}

type Option func(*HistoryStore)

func WithClock(c clockwork.Clock) Option {
	return func(s *HistoryStore) { s.clock = c }
}

func WithSummarizer(sum Summarizer) Option {
	return func(s *HistoryStore) { s.summarizer = sum }
}

// NewHistoryStore builds a store. repo may be nil for a memory-only store.
func NewHistoryStore(repo model.ConversationRepository, cfg model.HistoryConfig, opts ...Option) *HistoryStore {
	s := &HistoryStore{
		entries:     make(map[string]*entry),
		order:       list.New(),
		repo:        repo,
		clock:       clockwork.NewRealClock(),
		summarizer:  DigestSummarizer{},
		maxMessages: cfg.MaxMessages,
		maxEntries:  cfg.CacheMaxEntries,
		ttl:         cfg.CacheTTL,
		threshold:   cfg.SummarizeTokenThreshold,
	}
	if s.maxMessages <= 0 {
		s.maxMessages = 20
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append adds turns to the transcript and trims it to the most recent
// maxMessages. A cold conversation is first read through from the durable
// store; turns the durable copy already holds are not added twice, so turns
// whose durable write failed still reach the cache.
func (s *HistoryStore) Append(ctx context.Context, conversationID string, turns ...model.Turn) {
	s.mu.Lock()
	if e := s.lookupLocked(conversationID); e != nil || s.repo == nil {
		if e == nil {
			e = s.insertLocked(conversationID, nil)
		}
		e.turns = trimTail(append(e.turns, turns...), s.maxMessages)
		s.touchLocked(e)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	loaded, err := s.repo.LoadRecent(ctx, conversationID, s.maxMessages)
	if err != nil {
		logx.Warn().Err(err).Str("conversation_id", conversationID).Msg("history read-through failed, caching appended turns only")
		loaded = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// a concurrent read may have populated the entry meanwhile
	e := s.lookupLocked(conversationID)
	if e == nil {
		e = s.insertLocked(conversationID, loaded)
	}
	e.turns = trimTail(appendMissing(e.turns, turns), s.maxMessages)
	s.touchLocked(e)
}

// GetForProvider returns the transcript as provider messages, oldest first.
func (s *HistoryStore) GetForProvider(ctx context.Context, conversationID string) ([]*schema.Message, error) {
	turns, err := s.Turns(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		msgs = append(msgs, t.ToMessage())
	}
	return msgs, nil
}

// Turns returns a copy of the bounded transcript, summarizing it first when
// its token estimate exceeds the configured threshold.
func (s *HistoryStore) Turns(ctx context.Context, conversationID string) ([]model.Turn, error) {
	s.mu.Lock()
	e := s.lookupLocked(conversationID)
	if e != nil {
		out := append([]model.Turn(nil), e.turns...)
		s.mu.Unlock()
		return s.maybeSummarize(ctx, conversationID, out), nil
	}
	s.mu.Unlock()

	var loaded []model.Turn
	if s.repo != nil {
		var err error
		loaded, err = s.repo.LoadRecent(ctx, conversationID, s.maxMessages)
		if err != nil {
			return nil, err
		}
	}
	loaded = trimTail(loaded, s.maxMessages)

	s.mu.Lock()
	// a concurrent Append may have populated the entry meanwhile
	if e = s.lookupLocked(conversationID); e == nil {
		e = s.insertLocked(conversationID, loaded)
	}
	out := append([]model.Turn(nil), e.turns...)
	s.mu.Unlock()
	return s.maybeSummarize(ctx, conversationID, out), nil
}

// Clear drops the cached transcript.
func (s *HistoryStore) Clear(_ context.Context, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[conversationID]; ok {
		s.removeLocked(e)
	}
}

// Len reports the number of cached conversations.
func (s *HistoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NeedsSummary is the summarization trigger: the token estimate of turns exceeds the threshold.
func (s *HistoryStore) NeedsSummary(turns []model.Turn) bool {
	if s.threshold <= 0 || s.summarizer == nil {
		return false
	}
	h := model.ConversationHistory{Turns: turns}
	return h.TokenEstimate() > s.threshold
}

func (s *HistoryStore) maybeSummarize(ctx context.Context, conversationID string, turns []model.Turn) []model.Turn {
	if !s.NeedsSummary(turns) || len(turns) <= keepRecent {
		return turns
	}
	older, recent := turns[:len(turns)-keepRecent], turns[len(turns)-keepRecent:]
	if len(older) == 1 && older[0].Role == schema.System {
		return turns
	}
	summary, err := s.summarizer.Summarize(ctx, older)
	if err != nil {
		logx.Warn().Err(err).Str("conversation_id", conversationID).Msg("summarization failed, keeping full history")
		return turns
	}
	compacted := make([]model.Turn, 0, keepRecent+1)
	compacted = append(compacted, model.NewTurn(schema.System, summaryPrefix+summary, older[len(older)-1].Timestamp))
	compacted = append(compacted, recent...)

	s.mu.Lock()
	if e := s.lookupLocked(conversationID); e != nil && len(e.turns) == len(turns) {
		e.turns = append([]model.Turn(nil), compacted...)
	}
	s.mu.Unlock()

	logx.Debug().Str("conversation_id", conversationID).Int("summarized_turns", len(older)).Msg("history summarized")
	return compacted
}

func (s *HistoryStore) lookupLocked(conversationID string) *entry {
	e, ok := s.entries[conversationID]
	if !ok {
		return nil
	}
	if s.ttl > 0 && !s.clock.Now().Before(e.expiresAt) {
		s.removeLocked(e)
		return nil
	}
	return e
}

func (s *HistoryStore) insertLocked(conversationID string, turns []model.Turn) *entry {
	e := &entry{conversationID: conversationID, turns: turns}
	e.elem = s.order.PushBack(e)
	s.entries[conversationID] = e
	s.touchLocked(e)
	for s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		oldest := s.order.Front().Value.(*entry)
		s.removeLocked(oldest)
	}
	return e
}

func (s *HistoryStore) touchLocked(e *entry) {
	e.expiresAt = s.clock.Now().Add(s.ttl)
	s.order.MoveToBack(e.elem)
}

func (s *HistoryStore) removeLocked(e *entry) {
	s.order.Remove(e.elem)
	delete(s.entries, e.conversationID)
}

// trimTail keeps the most recent max turns in their original order.
func trimTail(turns []model.Turn, max int) []model.Turn {
	if max <= 0 || len(turns) <= max {
		return turns
	}
	source := turns[len(turns)-max:]
	result := make([]model.Turn, len(source))
	copy(result, source)
	return result
}

// appendMissing appends the turns of add that are not already at the tail of base.
func appendMissing(base, add []model.Turn) []model.Turn {
	for n := min(len(base), len(add)); n > 0; n-- {
		if sameTurns(base[len(base)-n:], add[:n]) {
			return append(base, add[n:]...)
		}
	}
	return append(base, add...)
}

func sameTurns(a, b []model.Turn) bool {
	for i := range a {
		if a[i].Role != b[i].Role || a[i].Content != b[i].Content || !a[i].Timestamp.Equal(b[i].Timestamp) {
			return false
		}
	}
	return true
}
