package model

import (
	"context"
	"time"

	"github.com/cloudwego/eino/schema"
)

// Turn is one entry of a conversation transcript.
type Turn struct {
	Role          schema.RoleType `json:"role"`
	Content       string          `json:"content"`
	Timestamp     time.Time       `json:"timestamp"`
	TokenEstimate int             `json:"token_estimate"`
}

// EstimateTokens is the chars/4 heuristic used for history sizing.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// NewTurn stamps content with a timestamp and token estimate.
func NewTurn(role schema.RoleType, content string, at time.Time) Turn {
	return Turn{Role: role, Content: content, Timestamp: at, TokenEstimate: EstimateTokens(content)}
}

// ToMessage converts the turn into a provider-neutral message.
func (t Turn) ToMessage() *schema.Message {
	return &schema.Message{Role: t.Role, Content: t.Content}
}

// ConversationRepository is the durable transcript store the history cache reads through.
type ConversationRepository interface {
	// LoadRecent returns at most limit turns, oldest first, ending with the newest.
	LoadRecent(ctx context.Context, conversationID string, limit int) ([]Turn, error)

	// ClearHistory removes all persisted turns for a conversation
	ClearHistory(ctx context.Context, conversationID string) error

	// GetMessageCount returns the number of persisted turns in the conversation
	GetMessageCount(ctx context.Context, conversationID string) (int, error)
}

// TurnRecorder persists a completed user+assistant exchange.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, conversationID string, turns ...Turn) error
}

// ConversationHistory represents loaded conversation data with metadata.
type ConversationHistory struct {
	ConversationID string
	Turns          []Turn
}

// TokenEstimate sums the per-turn estimates.
func (h *ConversationHistory) TokenEstimate() int {
	total := 0
	for _, t := range h.Turns {
		total += t.TokenEstimate
	}
	return total
}
