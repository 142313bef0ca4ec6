package eventlog

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// NewStore picks Redis when a client is given, then Postgres, else memory.
func NewStore(ctx context.Context, rdb *redis.Client, pool *pgxpool.Pool, opts Options) (Store, error) {
	switch {
	case rdb != nil:
		return NewRedisStore(rdb, opts), nil
	case pool != nil:
		return NewPostgresStore(ctx, pool, opts)
	default:
		return NewInMemoryStore(opts), nil
	}
}
