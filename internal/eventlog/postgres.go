package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists event logs in PostgreSQL. A side table tracks each
// session's retention window; rows of an expired window are dropped together.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts Options) (*PostgresStore, error) {
	if err := initSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, opts: opts.withDefaults()}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_log (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			event JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_session_id ON event_log (session_id, id DESC);`,
		`CREATE TABLE IF NOT EXISTS event_log_windows (
			session_id TEXT PRIMARY KEY,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init event log schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, sessionID string, record Record) error {
	now := time.Now().UTC()
	if record.Timestamp.IsZero() {
		record.Timestamp = now
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A write into an expired window starts a fresh log.
	if _, err := tx.Exec(ctx,
		`DELETE FROM event_log WHERE session_id=$1 AND EXISTS (
			SELECT 1 FROM event_log_windows WHERE session_id=$1 AND expires_at <= $2
		)`, sessionID, now); err != nil {
		return fmt.Errorf("reset expired window: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO event_log (session_id, direction, event, created_at) VALUES ($1, $2, $3::jsonb, $4)`,
		sessionID, string(record.Direction), string(record.Event), record.Timestamp,
	); err != nil {
		return fmt.Errorf("insert event record: %w", err)
	}
	if s.opts.MaxPerSession > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM event_log WHERE session_id=$1 AND id <= (
				SELECT id FROM event_log WHERE session_id=$1 ORDER BY id DESC OFFSET $2 LIMIT 1
			)`, sessionID, s.opts.MaxPerSession); err != nil {
			return fmt.Errorf("trim event log: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO event_log_windows (session_id, expires_at) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		sessionID, now.Add(s.opts.TTL),
	); err != nil {
		return fmt.Errorf("refresh event log window: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit event record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)
	rows, err := s.pool.Query(ctx,
		`SELECT e.created_at, e.direction, e.event
		 FROM event_log e JOIN event_log_windows w ON w.session_id = e.session_id
		 WHERE e.session_id=$1 AND w.expires_at > $2
		 ORDER BY e.id DESC LIMIT $3`,
		sessionID, time.Now().UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query event records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			rec       Record
			direction string
			event     []byte
		)
		if err := rows.Scan(&rec.Timestamp, &direction, &event); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		rec.Direction = Direction(direction)
		rec.Event = event
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return out, nil
}

// Sweep deletes every expired window and its rows.
func (s *PostgresStore) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM event_log e USING event_log_windows w
		 WHERE e.session_id = w.session_id AND w.expires_at <= $1`, now); err != nil {
		return fmt.Errorf("sweep event rows: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM event_log_windows WHERE expires_at <= $1`, now); err != nil {
		return fmt.Errorf("sweep event windows: %w", err)
	}
	return nil
}

func (s *PostgresStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Sweep(ctx)
			}
		}
	}()
}

func (s *PostgresStore) Backend() string { return "postgres" }

// Close is a no-op; the pool is shared and owned by the caller.
func (s *PostgresStore) Close() error { return nil }
