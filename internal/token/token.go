// Package token issues short-lived opaque credentials bound to a session id.
// Tokens carry no claims and are invalidated only by expiry.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 600 * time.Second

var ErrInvalid = errors.New("token invalid or expired")

type Token struct {
	Value     string    `json:"token"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Store interface {
	Issue(ctx context.Context, sessionID string, ttl time.Duration) (Token, error)
	// Validate returns the bound session id, or ErrInvalid.
	Validate(ctx context.Context, value string) (string, error)
	Backend() string
	Close() error
}

// NewStore picks Redis when a client is given, then Postgres, else memory.
func NewStore(ctx context.Context, rdb *redis.Client, pool *pgxpool.Pool) (Store, error) {
	switch {
	case rdb != nil:
		return NewRedisStore(rdb), nil
	case pool != nil:
		return NewPostgresStore(ctx, pool)
	default:
		return NewInMemoryStore(), nil
	}
}

func newToken(sessionID string, ttl time.Duration, now time.Time) (Token, error) {
	if sessionID == "" {
		return Token{}, errors.New("session id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return Token{}, err
	}
	return Token{
		Value:     "sess_" + id.String(),
		SessionID: sessionID,
		ExpiresAt: now.Add(ttl).UTC(),
	}, nil
}
