package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/rtrelay/internal/realtime"
)

type stagedConfig struct {
	cfg      realtime.SessionConfig
	stagedAt time.Time
}

// Registry is the authoritative map from session id to its live socket pair.
//
// The registry lock only guards the map itself. Everything else lives on the
// Session and is guarded by the session's own mutex, so operations on
// different sessions never wait on each other for longer than a map access.
type Registry struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	staged            map[string]stagedConfig
	inactivityTimeout time.Duration
	configRetention   time.Duration
	onExpire          func(*Session)
}

func NewRegistry(inactivityTimeout, configRetention time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	if configRetention <= 0 {
		configRetention = time.Hour
	}
	return &Registry{
		sessions:          make(map[string]*Session),
		staged:            make(map[string]stagedConfig),
		inactivityTimeout: inactivityTimeout,
		configRetention:   configRetention,
	}
}

func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Register creates the entry for id. An existing entry with the same id is
// replaced and closed. A config staged for id before the socket opened
// becomes the new session's pending config.
func (r *Registry) Register(id string, downstream Conn) *Session {
	s := newSession(id, downstream, time.Now().UTC())

	r.mu.Lock()
	old := r.sessions[id]
	if st, ok := r.staged[id]; ok {
		cfg := st.cfg
		s.pending = &cfg
		delete(r.staged, id)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return s
}

func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) AttachUpstream(id string, conn Conn) error {
	s, ok := r.Lookup(id)
	if !ok {
		return ErrNotFound
	}
	return s.AttachUpstream(conn)
}

// SetPendingConfig stores cfg on the live session, or stages it until a
// socket registers under id. When the live session's upstream has already
// announced session.created it is returned so the caller can apply cfg now.
// A session that already received its config rejects another with
// ErrConfigApplied.
func (r *Registry) SetPendingConfig(id string, cfg realtime.SessionConfig) (realtime.Target, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.stageLocked(id, cfg)
		r.mu.Unlock()
		return nil, nil
	}
	r.mu.Unlock()

	ready, err := s.setPending(cfg)
	switch {
	case errors.Is(err, ErrClosed):
		// Closed but not yet released; the next registration picks it up.
		r.mu.Lock()
		r.stageLocked(id, cfg)
		r.mu.Unlock()
		return nil, nil
	case err != nil:
		return nil, err
	case ready:
		return s, nil
	}
	return nil, nil
}

func (r *Registry) stageLocked(id string, cfg realtime.SessionConfig) {
	r.staged[id] = stagedConfig{cfg: cfg, stagedAt: time.Now().UTC()}
}

// Remove closes and forgets the session registered under id. Calling it for
// an unknown or already removed id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	delete(r.staged, id)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Release closes s and removes it from the map if it is still the entry for
// its id. A session displaced by a newer registration is closed without
// touching its replacement.
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()
	s.Close()
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered session; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if now.Sub(s.idleSince()) < r.inactivityTimeout {
			continue
		}
		expired = append(expired, s)
		delete(r.sessions, id)
	}
	for id, st := range r.staged {
		if now.Sub(st.stagedAt) >= r.configRetention {
			delete(r.staged, id)
		}
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, s := range expired {
		s.Close()
		if hook != nil {
			hook(s)
		}
	}
}
