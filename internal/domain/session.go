package domain

import "time"

// SessionState is the lifecycle state of a node's session.
type SessionState string

const (
	SessionConnected    SessionState = "connected"
	SessionIdle         SessionState = "idle"
	SessionSuspended    SessionState = "suspended"
	SessionDisconnected SessionState = "disconnected"
)

// SessionEvent drives session state transitions.
type SessionEvent string

const (
	SessionEventActivity       SessionEvent = "activity"
	SessionEventIdleTimeout    SessionEvent = "idle_timeout"
	SessionEventSuspendTimeout SessionEvent = "suspend_timeout"
	SessionEventReconnect      SessionEvent = "reconnect"
	SessionEventDisconnect     SessionEvent = "disconnect"
)

// Session is the per-node session record. Exactly one session exists per
// live node; no session persists in SessionDisconnected.
type Session struct {
	NodeID         string       `json:"node_id"`
	State          SessionState `json:"state"`
	ConnectedAt    time.Time    `json:"connected_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	ReconnectCount int          `json:"reconnect_count"`
}

// Transition is the result of feeding an event into the session machine.
// Invalid transitions are reported (Valid=false), never panicked.
type Transition struct {
	Valid    bool         `json:"valid"`
	NodeID   string       `json:"node_id"`
	From     SessionState `json:"from"`
	To       SessionState `json:"to,omitempty"`
	Event    SessionEvent `json:"event"`
}
