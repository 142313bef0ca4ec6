package session

import (
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/rtrelay/internal/realtime"
)

const writeTimeout = 10 * time.Second

// textMessage mirrors websocket.TextMessage so this package does not depend on gorilla.
const textMessage = 1

var (
	ErrNotFound         = errors.New("session not found")
	ErrClosed           = errors.New("session closed")
	ErrNoUpstream       = errors.New("upstream not attached")
	ErrUpstreamAttached = errors.New("upstream already attached")
	ErrConfigApplied    = errors.New("session config already applied")
)

// configState tracks the single session.update a session may receive.
type configState int

const (
	configUnset configState = iota
	configApplying
	configApplied
)

type deadlineSetter interface {
	SetWriteDeadline(t time.Time) error
}

// socket serializes writes; gorilla connections support one concurrent writer.
type socket struct {
	conn    Conn
	writeMu sync.Mutex
}

func (s *socket) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if d, ok := s.conn.(deadlineSetter); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	return s.conn.WriteMessage(textMessage, frame)
}

// Session pairs one client socket with at most one upstream socket.
type Session struct {
	ID        string
	CreatedAt time.Time

	downstream *socket

	mu           sync.Mutex
	upstream     *socket
	pending      *realtime.SessionConfig
	config       configState
	ready        bool
	closed       bool
	lastActivity time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id string, downstream Conn, now time.Time) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    now,
		downstream:   &socket{conn: downstream},
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// Downstream returns the client socket for reading. Writes go through WriteDownstream.
func (s *Session) Downstream() Conn { return s.downstream.conn }

// Upstream returns the upstream socket, or nil before it is attached.
func (s *Session) Upstream() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstream == nil {
		return nil
	}
	return s.upstream.conn
}

func (s *Session) WriteDownstream(frame []byte) error {
	return s.downstream.write(frame)
}

func (s *Session) WriteUpstream(frame []byte) error {
	s.mu.Lock()
	up := s.upstream
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if up == nil {
		return ErrNoUpstream
	}
	return up.write(frame)
}

// AttachUpstream sets the upstream socket. A session has at most one.
func (s *Session) AttachUpstream(conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.upstream != nil {
		return ErrUpstreamAttached
	}
	s.upstream = &socket{conn: conn}
	return nil
}

// setPending replaces the pending config. It reports whether the upstream
// has already announced session.created, in which case the caller applies
// the config right away.
func (s *Session) setPending(cfg realtime.SessionConfig) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if s.config != configUnset {
		return false, ErrConfigApplied
	}
	s.pending = &cfg
	return s.ready && s.upstream != nil, nil
}

// BeginConfigApply hands out the pending config for its one write upstream.
// The config stays pending until EndConfigApply reports success, and no
// other config can be set or applied in between.
func (s *Session) BeginConfigApply() (realtime.SessionConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pending == nil || s.config != configUnset {
		return realtime.SessionConfig{}, false
	}
	s.config = configApplying
	return *s.pending, true
}

// EndConfigApply settles an apply started with BeginConfigApply. On failure
// the config stays pending for the next attempt.
func (s *Session) EndConfigApply(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config != configApplying {
		return
	}
	if err != nil {
		s.config = configUnset
		return
	}
	s.config = configApplied
	s.pending = nil
}

// MarkReady records that the upstream announced session.created.
func (s *Session) MarkReady() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
}

// Touch records frame activity for the inactivity janitor.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:        s.ID,
		CreatedAt:        s.CreatedAt,
		LastActivityAt:   s.lastActivity,
		UpstreamAttached: s.upstream != nil,
		Ready:            s.ready,
		ConfigPending:    s.pending != nil,
		ConfigApplied:    s.config == configApplied,
	}
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close releases both sockets and drops the pending config. Only the first
// call has any effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		up := s.upstream
		s.mu.Unlock()

		close(s.done)
		if up != nil {
			_ = up.conn.Close()
		}
		_ = s.downstream.conn.Close()
	})
}
