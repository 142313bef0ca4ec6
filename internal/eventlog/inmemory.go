package eventlog

import (
	"context"
	"sync"
	"time"
)

type window struct {
	records   []Record // oldest first
	expiresAt time.Time
}

// InMemoryStore is a simple in-process event log for local/dev use.
type InMemoryStore struct {
	mu      sync.Mutex
	opts    Options
	windows map[string]*window
	now     func() time.Time
}

func NewInMemoryStore(opts Options) *InMemoryStore {
	return &InMemoryStore{
		opts:    opts.withDefaults(),
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (s *InMemoryStore) Append(_ context.Context, sessionID string, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if record.Timestamp.IsZero() {
		record.Timestamp = now.UTC()
	}
	w, ok := s.windows[sessionID]
	if !ok || !now.Before(w.expiresAt) {
		w = &window{}
		s.windows[sessionID] = w
	}
	w.records = append(w.records, record)
	if keep := s.opts.MaxPerSession; keep > 0 && len(w.records) > keep {
		w.records = append([]Record(nil), w.records[len(w.records)-keep:]...)
	}
	w.expiresAt = now.Add(s.opts.TTL)
	return nil
}

func (s *InMemoryStore) Read(_ context.Context, sessionID string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[sessionID]
	if !ok {
		return []Record{}, nil
	}
	if !s.now().Before(w.expiresAt) {
		delete(s.windows, sessionID)
		return []Record{}, nil
	}
	if limit > len(w.records) {
		limit = len(w.records)
	}
	out := make([]Record, 0, limit)
	for i := len(w.records) - 1; i >= len(w.records)-limit; i-- {
		out = append(out, w.records[i])
	}
	return out, nil
}

// StartJanitor evicts expired windows so idle sessions do not pin memory.
func (s *InMemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
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
				s.sweep()
			}
		}
	}()
}

func (s *InMemoryStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	evicted := 0
	for id, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, id)
			evicted++
		}
	}
	return evicted
}

func (s *InMemoryStore) Backend() string { return "memory" }

func (s *InMemoryStore) Close() error { return nil }
