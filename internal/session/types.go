package session

import "time"

// Conn is the socket surface the relay needs. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Info is a point-in-time view of a session for API responses and logs.
type Info struct {
	SessionID        string    `json:"session_id"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	UpstreamAttached bool      `json:"upstream_attached"`
	Ready            bool      `json:"ready"`
	ConfigPending    bool      `json:"config_pending"`
	ConfigApplied    bool      `json:"config_applied"`
}
