// Package delivery implements at-least-once delivery tracking: every
// tracked outbound message stays pending until the node acks its id or the
// retry cap is exceeded.
package delivery

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agentmesh/internal/domain"
	"agentmesh/internal/infra/logger"
)

// Pending is a tracked message awaiting acknowledgment.
type Pending struct {
	MessageID   string
	NodeID      string
	Msg         domain.Message
	FirstSentAt time.Time
	LastSentAt  time.Time
	Attempts    int
}

// DeadLetterHandler receives messages whose delivery was abandoned.
type DeadLetterHandler func(p Pending, cause error)

// Config bounds delivery retries.
type Config struct {
	// MaxAttempts is the total transmit cap per message (first send included).
	MaxAttempts int
	// Expiry evicts pending messages older than this on sweep. Zero
	// disables expiry-based eviction.
	Expiry time.Duration
}

const defaultMaxAttempts = 5

// Tracker assigns monotonically increasing message ids (monotonic ULIDs)
// and tracks pending deliveries per node.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Pending // messageID -> pending
	byNode  map[string][]string // nodeID -> messageIDs in track order
	entropy *ulid.MonotonicEntropy
	cfg     Config
	onDead  DeadLetterHandler
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Tracker. onDead may be nil.
func New(cfg Config, onDead DeadLetterHandler, log *slog.Logger) *Tracker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Tracker{
		pending: make(map[string]*Pending),
		byNode:  make(map[string][]string),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		cfg:     cfg,
		onDead:  onDead,
		logger:  log,
		now:     time.Now,
	}
}

// Track assigns a message id and records the message as pending for the
// node. Returns the message with its id set; the caller transmits it.
func (t *Tracker) Track(nodeID string, msg domain.Message) domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	id := ulid.MustNew(ulid.Timestamp(now), t.entropy).String()
	msg.MessageID = id

	t.pending[id] = &Pending{
		MessageID:   id,
		NodeID:      nodeID,
		Msg:         msg,
		FirstSentAt: now,
		LastSentAt:  now,
		Attempts:    1,
	}
	t.byNode[nodeID] = append(t.byNode[nodeID], id)
	return msg
}

// Ack clears the pending entry for messageID. Idempotent: duplicate acks
// return false and have no further effect.
func (t *Tracker) Ack(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[messageID]
	if !ok {
		return false
	}
	delete(t.pending, messageID)
	t.removeFromNodeLocked(p.NodeID, messageID)
	return true
}

// Redeliver re-sends all pending messages for a node in original track
// order, incrementing attempt counters. Called after the session machine
// commits the reconnect transition. Messages over the attempt cap are
// dead-lettered instead of re-sent.
func (t *Tracker) Redeliver(ctx context.Context, nodeID string, d domain.Dispatcher) {
	t.mu.Lock()
	ids := append([]string(nil), t.byNode[nodeID]...)
	var resend []*Pending
	var dead []*Pending
	now := t.now()
	for _, id := range ids {
		p, ok := t.pending[id]
		if !ok {
			continue
		}
		if p.Attempts >= t.cfg.MaxAttempts {
			delete(t.pending, id)
			t.removeFromNodeLocked(nodeID, id)
			dead = append(dead, p)
			continue
		}
		p.Attempts++
		p.LastSentAt = now
		resend = append(resend, p)
	}
	t.mu.Unlock()

	for _, p := range dead {
		t.logger.Warn("delivery abandoned",
			"message_id", p.MessageID, "node_id", nodeID, "attempts", p.Attempts)
		if t.onDead != nil {
			t.onDead(*p, domain.NewDomainError("Tracker.Redeliver", domain.ErrDeliveryExhausted, p.MessageID))
		}
	}
	for _, p := range resend {
		if err := d.Dispatch(ctx, p.Msg); err != nil {
			t.logger.Warn("redelivery dispatch failed",
				"message_id", p.MessageID, "node_id", nodeID, "error", err)
		}
	}
}

// Sweep evicts expired pending entries. Matches the health monitor's
// SweepHandler signature.
func (t *Tracker) Sweep(_ context.Context, now time.Time) {
	if t.cfg.Expiry <= 0 {
		return
	}

	t.mu.Lock()
	var expired []*Pending
	for id, p := range t.pending {
		if now.Sub(p.FirstSentAt) >= t.cfg.Expiry {
			delete(t.pending, id)
			t.removeFromNodeLocked(p.NodeID, id)
			expired = append(expired, p)
		}
	}
	t.mu.Unlock()

	for _, p := range expired {
		t.logger.Warn("pending delivery expired", "message_id", p.MessageID, "node_id", p.NodeID)
		if t.onDead != nil {
			t.onDead(*p, domain.NewDomainError("Tracker.Sweep", domain.ErrTimeout, p.MessageID))
		}
	}
}

// PendingFor returns copies of the node's pending messages in track order.
func (t *Tracker) PendingFor(nodeID string) []Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Pending, 0, len(t.byNode[nodeID]))
	for _, id := range t.byNode[nodeID] {
		if p, ok := t.pending[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

func (t *Tracker) removeFromNodeLocked(nodeID, messageID string) {
	ids := t.byNode[nodeID]
	for i, id := range ids {
		if id == messageID {
			t.byNode[nodeID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(t.byNode[nodeID]) == 0 {
		delete(t.byNode, nodeID)
	}
}
