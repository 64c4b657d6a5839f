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

// RedisCallSessionStore keeps call sessions keyed by their external token so a
// different process can pick up a call it did not start.
type RedisCallSessionStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisCallSessionStore(rdb redis.Cmdable, ttl time.Duration) *RedisCallSessionStore {
	return &RedisCallSessionStore{rdb: rdb, ttl: ttl}
}

func (s *RedisCallSessionStore) key(token string) string {
	return fmt.Sprintf("call:session:%s", token)
}

func (s *RedisCallSessionStore) Save(ctx context.Context, session *model.CallSession) error {
	if session.Token == "" {
		return errx.InvalidArgument("call session has no token")
	}
	b, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal call session: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(session.Token), b, s.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("session_id", session.SessionID).Msg("failed to save call session")
		return errx.WrapRedis(err)
	}
	return nil
}

// LoadByToken returns SESSION_NOT_FOUND when no session is stored under token.
func (s *RedisCallSessionStore) LoadByToken(ctx context.Context, token string) (*model.CallSession, error) {
	raw, err := s.rdb.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errx.SessionNotFound(token)
		}
		logx.Error().Err(err).Str("token", token).Msg("failed to load call session")
		return nil, errx.WrapRedis(err)
	}
	var session model.CallSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("unmarshal call session: %w", err)
	}
	return &session, nil
}

func (s *RedisCallSessionStore) Delete(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, s.key(token)).Err(); err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}
