package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chative/agent-runtime/internal/agent/model"
	errx "github.com/chative/agent-runtime/internal/core/error"
	logx "github.com/chative/agent-runtime/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// RedisAuthStateStore persists login state per (chatbot, end-user).
type RedisAuthStateStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisAuthStateStore(rdb redis.Cmdable, ttl time.Duration) *RedisAuthStateStore {
	return &RedisAuthStateStore{rdb: rdb, ttl: ttl}
}

func (s *RedisAuthStateStore) key(chatbotID, endUserID string) string {
	return fmt.Sprintf("auth:%s:%s", chatbotID, endUserID)
}

// Load returns an anonymous state when nothing is stored.
func (s *RedisAuthStateStore) Load(ctx context.Context, chatbotID, endUserID string) (*model.AuthState, error) {
	raw, err := s.rdb.Get(ctx, s.key(chatbotID, endUserID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Anonymous(), nil
		}
		logx.Error().Err(err).Str("chatbot_id", chatbotID).Msg("failed to load auth state")
		return nil, errx.WrapRedis(err)
	}
	var st model.AuthState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unmarshal auth state: %w", err)
	}
	return &st, nil
}

func (s *RedisAuthStateStore) Save(ctx context.Context, chatbotID, endUserID string, state *model.AuthState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal auth state: %w", err)
	}
	ttl := s.ttl
	if state.Session != nil && !state.Session.ExpiresAt.IsZero() {
		if d := time.Until(state.Session.ExpiresAt); d > 0 && (ttl == 0 || d < ttl) {
			ttl = d
		}
	}
	if err := s.rdb.Set(ctx, s.key(chatbotID, endUserID), b, ttl).Err(); err != nil {
		logx.Error().Err(err).Str("chatbot_id", chatbotID).Msg("failed to save auth state")
		return errx.WrapRedis(err)
	}
	return nil
}

func (s *RedisAuthStateStore) Delete(ctx context.Context, chatbotID, endUserID string) error {
	if err := s.rdb.Del(ctx, s.key(chatbotID, endUserID)).Err(); err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}
