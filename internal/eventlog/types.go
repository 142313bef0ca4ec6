package eventlog

import (
	"context"
	"encoding/json"
	"time"
)

// Direction is relative to the client: inbound frames came from upstream,
// outbound frames were sent by the client or by the relay on its behalf.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

const (
	DefaultTTL       = time.Hour
	DefaultReadLimit = 50
)

// Record is one forwarded frame. Event is stored as-is.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Direction Direction       `json:"direction"`
	Event     json.RawMessage `json:"event"`
}

// Store is an append-only per-session log whose entries expire together,
// TTL after the last append.
type Store interface {
	Append(ctx context.Context, sessionID string, record Record) error
	// Read returns at most limit records, newest first. An unknown or
	// expired session yields an empty slice and no error.
	Read(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Backend() string
	Close() error
}

// Options tune retention for every backend.
type Options struct {
	TTL           time.Duration
	MaxPerSession int
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxPerSession < 0 {
		o.MaxPerSession = 0
	}
	return o
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultReadLimit
	}
	return limit
}

func NewRecord(direction Direction, event []byte) Record {
	return Record{
		Timestamp: time.Now().UTC(),
		Direction: direction,
		Event:     append(json.RawMessage(nil), event...),
	}
}
