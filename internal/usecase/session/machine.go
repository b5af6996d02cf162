// Package session implements the per-node session lifecycle:
// connected → idle → suspended → disconnected, driven by activity events
// and two embedded timers.
package session

import (
	"log/slog"
	"sync"
	"time"

	"agentmesh/internal/domain"
	"agentmesh/internal/infra/logger"
)

// Config sets the two session timers.
type Config struct {
	// SessionTimeout is the idle timer: time in connected without activity
	// before the session transitions to idle.
	SessionTimeout time.Duration
	// SuspendTimeout is the suspend timer: time in idle before the session
	// transitions to suspended.
	SuspendTimeout time.Duration
}

const (
	defaultSessionTimeout = 5 * time.Minute
	defaultSuspendTimeout = 30 * time.Minute
)

// TransitionCallback is invoked after a valid transition has been committed.
type TransitionCallback func(tr domain.Transition, sess domain.Session)

// transitions is the total (state, event) table. Missing entries are
// invalid: the event is rejected and state is unchanged.
var transitions = map[domain.SessionState]map[domain.SessionEvent]domain.SessionState{
	domain.SessionConnected: {
		domain.SessionEventActivity:    domain.SessionConnected,
		domain.SessionEventIdleTimeout: domain.SessionIdle,
		domain.SessionEventReconnect:   domain.SessionConnected,
		domain.SessionEventDisconnect:  domain.SessionDisconnected,
	},
	domain.SessionIdle: {
		domain.SessionEventActivity:       domain.SessionConnected,
		domain.SessionEventSuspendTimeout: domain.SessionSuspended,
		domain.SessionEventReconnect:      domain.SessionConnected,
		domain.SessionEventDisconnect:     domain.SessionDisconnected,
	},
	domain.SessionSuspended: {
		domain.SessionEventReconnect:  domain.SessionConnected,
		domain.SessionEventDisconnect: domain.SessionDisconnected,
	},
	domain.SessionDisconnected: {},
}

// Next returns the target state for (state, event), or ok=false when the
// transition is invalid. Pure function; the Machine layers timers on top.
func Next(state domain.SessionState, event domain.SessionEvent) (domain.SessionState, bool) {
	next, ok := transitions[state][event]
	return next, ok
}

// Machine owns all node sessions and their timers.
type Machine struct {
	mu        sync.Mutex
	sessions  map[string]*domain.Session
	timers    map[string]*time.Timer
	cfg       Config
	callbacks []TransitionCallback
	logger    *slog.Logger
	now       func() time.Time
	stopped   bool
}

// NewMachine creates a session machine. Zero timeouts fall back to defaults.
func NewMachine(cfg Config, log *slog.Logger) *Machine {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.SuspendTimeout <= 0 {
		cfg.SuspendTimeout = defaultSuspendTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Machine{
		sessions: make(map[string]*domain.Session),
		timers:   make(map[string]*time.Timer),
		cfg:      cfg,
		logger:   log,
		now:      time.Now,
	}
}

// OnTransition registers a callback invoked after every committed
// transition. Must be called before the machine starts handling events.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.callbacks = append(m.callbacks, cb)
}

// StartSession creates a session in connected state and arms the idle
// timer. Returns an error when the node already has a live session.
func (m *Machine) StartSession(nodeID string) (domain.Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[nodeID]; exists {
		m.mu.Unlock()
		return domain.Session{}, domain.NewDomainError("Machine.StartSession", domain.ErrDuplicate, nodeID)
	}
	now := m.now()
	sess := &domain.Session{
		NodeID:         nodeID,
		State:          domain.SessionConnected,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	m.sessions[nodeID] = sess
	m.armTimerLocked(nodeID, domain.SessionConnected)
	snapshot := *sess
	m.mu.Unlock()

	m.logger.Debug("session started", "node_id", nodeID)
	return snapshot, nil
}

// Get returns a snapshot of the node's session.
func (m *Machine) Get(nodeID string) (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[nodeID]
	if !ok {
		return domain.Session{}, false
	}
	return *sess, true
}

// HandleEvent feeds an event into the node's session. Invalid transitions
// and unknown nodes are reported via Transition.Valid, never as errors.
// Callbacks run after the state is committed.
func (m *Machine) HandleEvent(nodeID string, event domain.SessionEvent) domain.Transition {
	m.mu.Lock()
	sess, ok := m.sessions[nodeID]
	if !ok {
		m.mu.Unlock()
		return domain.Transition{Valid: false, NodeID: nodeID, Event: event}
	}

	from := sess.State
	to, valid := Next(from, event)
	if !valid {
		m.mu.Unlock()
		m.logger.Debug("session event rejected",
			"node_id", nodeID, "state", string(from), "event", string(event))
		return domain.Transition{Valid: false, NodeID: nodeID, From: from, Event: event}
	}

	sess.State = to
	now := m.now()
	switch event {
	case domain.SessionEventActivity:
		sess.LastActivityAt = now
	case domain.SessionEventReconnect:
		sess.ReconnectCount++
		sess.LastActivityAt = now
	}

	if to == domain.SessionDisconnected {
		// No session persists in disconnected state.
		m.clearTimerLocked(nodeID)
		delete(m.sessions, nodeID)
	} else {
		m.armTimerLocked(nodeID, to)
	}

	tr := domain.Transition{Valid: true, NodeID: nodeID, From: from, To: to, Event: event}
	snapshot := *sess
	callbacks := m.callbacks
	m.mu.Unlock()

	// Callbacks observe committed state and may call back into the machine.
	for _, cb := range callbacks {
		cb(tr, snapshot)
	}
	return tr
}

// armTimerLocked resets the state-appropriate timer for the node.
// connected arms the idle timer, idle arms the suspend timer, suspended
// has no timer.
func (m *Machine) armTimerLocked(nodeID string, state domain.SessionState) {
	m.clearTimerLocked(nodeID)
	if m.stopped {
		return
	}

	var d time.Duration
	var event domain.SessionEvent
	switch state {
	case domain.SessionConnected:
		d, event = m.cfg.SessionTimeout, domain.SessionEventIdleTimeout
	case domain.SessionIdle:
		d, event = m.cfg.SuspendTimeout, domain.SessionEventSuspendTimeout
	default:
		return
	}

	m.timers[nodeID] = time.AfterFunc(d, func() {
		m.HandleEvent(nodeID, event)
	})
}

func (m *Machine) clearTimerLocked(nodeID string) {
	if t, ok := m.timers[nodeID]; ok {
		t.Stop()
		delete(m.timers, nodeID)
	}
}

// Sessions returns a snapshot of all live sessions.
func (m *Machine) Sessions() []domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, *sess)
	}
	return out
}

// Stop cancels all timers. Sessions remain readable; no further
// timer-driven events fire.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
