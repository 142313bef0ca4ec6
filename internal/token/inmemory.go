package token

import (
	"context"
	"sync"
	"time"
)

type InMemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
	now    func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tokens: make(map[string]Token), now: time.Now}
}

func (s *InMemoryStore) Issue(_ context.Context, sessionID string, ttl time.Duration) (Token, error) {
	tok, err := newToken(sessionID, ttl, s.now())
	if err != nil {
		return Token{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.tokens[tok.Value] = tok
	return tok, nil
}

func (s *InMemoryStore) Validate(_ context.Context, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[value]
	if !ok {
		return "", ErrInvalid
	}
	if !s.now().Before(tok.ExpiresAt) {
		delete(s.tokens, value)
		return "", ErrInvalid
	}
	return tok.SessionID, nil
}

// sweepLocked drops expired tokens; issuance is the only growth path so
// sweeping there keeps the map bounded without a background goroutine.
func (s *InMemoryStore) sweepLocked() {
	now := s.now()
	for v, tok := range s.tokens {
		if !now.Before(tok.ExpiresAt) {
			delete(s.tokens, v)
		}
	}
}

func (s *InMemoryStore) Backend() string { return "memory" }

func (s *InMemoryStore) Close() error { return nil }
