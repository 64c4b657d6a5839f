package auth

import (
	"context"
	"sync"

	"github.com/chative/agent-runtime/internal/agent/model"
)

// StateStore persists AuthState per (chatbot, end-user). Load returns an
// anonymous state when nothing is stored.
type StateStore interface {
	Load(ctx context.Context, chatbotID, endUserID string) (*model.AuthState, error)
	Save(ctx context.Context, chatbotID, endUserID string, state *model.AuthState) error
	Delete(ctx context.Context, chatbotID, endUserID string) error
}

// MemoryStateStore is a process-local StateStore.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]model.AuthState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]model.AuthState)}
}

func memKey(chatbotID, endUserID string) string { return chatbotID + "\x00" + endUserID }

func (s *MemoryStateStore) Load(_ context.Context, chatbotID, endUserID string) (*model.AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[memKey(chatbotID, endUserID)]
	if !ok {
		return model.Anonymous(), nil
	}
	st.Accumulated = cloneValues(st.Accumulated)
	return &st, nil
}

func (s *MemoryStateStore) Save(_ context.Context, chatbotID, endUserID string, state *model.AuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *state
	st.Accumulated = cloneValues(state.Accumulated)
	s.states[memKey(chatbotID, endUserID)] = st
	return nil
}

func (s *MemoryStateStore) Delete(_ context.Context, chatbotID, endUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, memKey(chatbotID, endUserID))
	return nil
}

func cloneValues(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
