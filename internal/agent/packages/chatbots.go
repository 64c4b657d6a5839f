package packages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chative/agent-runtime/internal/agent/model"
	errx "github.com/chative/agent-runtime/internal/core/error"
	"gopkg.in/yaml.v3"
)

// ChatbotStore returns the current configuration of a deployed chatbot.
type ChatbotStore interface {
	GetChatbot(ctx context.Context, chatbotID string) (*model.ChatbotInstance, error)
}

// MemoryChatbotStore is a mutable in-memory ChatbotStore. Put bumps the revision.
type MemoryChatbotStore struct {
	mu       sync.RWMutex
	chatbots map[string]*model.ChatbotInstance
}

func NewMemoryChatbotStore(bots ...*model.ChatbotInstance) *MemoryChatbotStore {
	s := &MemoryChatbotStore{chatbots: make(map[string]*model.ChatbotInstance)}
	for _, b := range bots {
		s.chatbots[b.ID] = b
	}
	return s
}

func (s *MemoryChatbotStore) GetChatbot(_ context.Context, chatbotID string) (*model.ChatbotInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bot, ok := s.chatbots[chatbotID]
	if !ok {
		return nil, errx.NotFound("chatbot", chatbotID)
	}
	cp := *bot
	return &cp, nil
}

func (s *MemoryChatbotStore) Put(bot *model.ChatbotInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.chatbots[bot.ID]; ok && bot.Revision <= prev.Revision {
		bot.Revision = prev.Revision + 1
	}
	s.chatbots[bot.ID] = bot
}

// LoadChatbotsFile reads a YAML list of chatbot instances.
func LoadChatbotsFile(path string) ([]*model.ChatbotInstance, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read chatbots file: %w", err)
	}
	var doc struct {
		Chatbots []*model.ChatbotInstance `yaml:"chatbots"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse chatbots file: %w", err)
	}
	for i, b := range doc.Chatbots {
		if b.ID == "" || b.PackageID == "" {
			return nil, fmt.Errorf("chatbot #%d needs id and package_id", i)
		}
	}
	return doc.Chatbots, nil
}

var _ ChatbotStore = (*MemoryChatbotStore)(nil)
