package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func tokenKey(value string) string { return "token:" + value }

type redisRecord struct {
	SessionID string `json:"session_id"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *RedisStore) Issue(ctx context.Context, sessionID string, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	tok, err := newToken(sessionID, ttl, time.Now())
	if err != nil {
		return Token{}, err
	}
	payload, err := json.Marshal(redisRecord{SessionID: tok.SessionID, ExpiresAt: tok.ExpiresAt.Unix()})
	if err != nil {
		return Token{}, err
	}
	if err := s.client.Set(ctx, tokenKey(tok.Value), payload, ttl).Err(); err != nil {
		return Token{}, fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

func (s *RedisStore) Validate(ctx context.Context, value string) (string, error) {
	raw, err := s.client.Get(ctx, tokenKey(value)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalid
	}
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.SessionID == "" {
		return "", ErrInvalid
	}
	return rec.SessionID, nil
}

func (s *RedisStore) Backend() string { return "redis" }

func (s *RedisStore) Close() error { return nil }
