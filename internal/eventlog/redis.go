package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each session's log in a Redis list whose key TTL is
// refreshed on every append, so the whole list expires as a unit.
type RedisStore struct {
	client *redis.Client
	opts   Options
}

func NewRedisStore(client *redis.Client, opts Options) *RedisStore {
	return &RedisStore{client: client, opts: opts.withDefaults()}
}

func eventsKey(sessionID string) string {
	return "session:" + sessionID + ":events"
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode event record: %w", err)
	}
	key := eventsKey(sessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		if s.opts.MaxPerSession > 0 {
			pipe.LTrim(ctx, key, 0, int64(s.opts.MaxPerSession-1))
		}
		pipe.Expire(ctx, key, s.opts.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append event record: %w", err)
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)
	raw, err := s.client.LRange(ctx, eventsKey(sessionID), 0, int64(limit-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read event records: %w", err)
	}
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			// Skip malformed entries instead of failing the whole read.
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Backend() string { return "redis" }

// Close is a no-op; the client is shared and owned by the caller.
func (s *RedisStore) Close() error { return nil }
