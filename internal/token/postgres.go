package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_tokens (
			token TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_tokens_expires ON session_tokens (expires_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init token schema failed on %q: %w", stmt, err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Issue(ctx context.Context, sessionID string, ttl time.Duration) (Token, error) {
	tok, err := newToken(sessionID, ttl, time.Now())
	if err != nil {
		return Token{}, err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO session_tokens (token, session_id, expires_at) VALUES ($1, $2, $3)`,
		tok.Value, tok.SessionID, tok.ExpiresAt,
	); err != nil {
		return Token{}, fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

func (s *PostgresStore) Validate(ctx context.Context, value string) (string, error) {
	var sessionID string
	err := s.pool.QueryRow(ctx,
		`SELECT session_id FROM session_tokens WHERE token=$1 AND expires_at > $2`,
		value, time.Now().UTC(),
	).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalid
	}
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	return sessionID, nil
}

// Sweep deletes expired tokens. Validation never depends on it.
func (s *PostgresStore) Sweep(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM session_tokens WHERE expires_at <= $1`, time.Now().UTC())
	return err
}

func (s *PostgresStore) Backend() string { return "postgres" }

func (s *PostgresStore) Close() error { return nil }
