// Package buffer implements the per-node priority message buffer: three
// bounded FIFO lanes (steer, collect, followup) that drain in that order.
package buffer

import (
	"log/slog"
	"sync"
	"time"

	"agentmesh/internal/domain"
	"agentmesh/internal/infra/logger"
)

// OverflowDecision is returned by an OverflowHook when a lane is full.
type OverflowDecision string

const (
	// DropNew discards the incoming message without error.
	DropNew OverflowDecision = "drop_new"
	// DropOldest evicts the oldest queued message and admits the new one.
	DropOldest OverflowDecision = "drop_oldest"
	// Reject refuses the incoming message with an overflow error.
	Reject OverflowDecision = "reject"
)

// OverflowHook decides what to do when lane is at capacity. It receives the
// incoming message that triggered the overflow.
type OverflowHook func(lane domain.Lane, incoming domain.Message) OverflowDecision

// PreemptHook is invoked when a steer message is enqueued while another
// message is in flight on the node. It returns whether preemption was
// honored (in-flight work cancelled).
type PreemptHook func(inflight domain.Message) bool

// Config sets per-lane capacities. Zero values fall back to defaults.
type Config struct {
	SteerCapacity    int
	CollectCapacity  int
	FollowupCapacity int
}

const defaultLaneCapacity = 64

func (c Config) capacity(lane domain.Lane) int {
	var n int
	switch lane {
	case domain.LaneSteer:
		n = c.SteerCapacity
	case domain.LaneCollect:
		n = c.CollectCapacity
	case domain.LaneFollowup:
		n = c.FollowupCapacity
	}
	if n <= 0 {
		n = defaultLaneCapacity
	}
	return n
}

// Buffer is a bounded three-lane FIFO. Capacity is per-lane; filling one
// lane never blocks another. All methods are safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	lanes    map[domain.Lane][]domain.Message
	cfg      Config
	overflow OverflowHook
	preempt  PreemptHook
	inflight *domain.Message
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithOverflowHook installs the overflow decision hook.
func WithOverflowHook(h OverflowHook) Option {
	return func(b *Buffer) { b.overflow = h }
}

// WithPreemptHook installs the steer preemption hook.
func WithPreemptHook(h PreemptHook) Option {
	return func(b *Buffer) { b.preempt = h }
}

// WithLogger sets the buffer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) { b.logger = l }
}

// New creates a Buffer with the given per-lane capacities.
func New(cfg Config, opts ...Option) *Buffer {
	b := &Buffer{
		lanes:  make(map[domain.Lane][]domain.Message, 3),
		cfg:    cfg,
		logger: logger.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue appends msg to the given lane. When the lane is at capacity the
// overflow hook decides the outcome; without a hook the message is rejected.
func (b *Buffer) Enqueue(lane domain.Lane, msg domain.Message) error {
	if !lane.Valid() {
		return domain.NewDomainError("Buffer.Enqueue", domain.ErrInvalidInput, "unknown lane "+string(lane))
	}
	msg.Lane = lane
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = b.now()
	}

	b.mu.Lock()
	q := b.lanes[lane]
	capacity := b.cfg.capacity(lane)

	if len(q) >= capacity {
		decision := Reject
		if b.overflow != nil {
			decision = b.overflow(lane, msg)
		}
		switch decision {
		case DropNew:
			b.mu.Unlock()
			b.logger.Debug("buffer overflow, dropped incoming", "lane", string(lane))
			return nil
		case DropOldest:
			dropped := q[0]
			b.lanes[lane] = append(q[1:], msg)
			b.mu.Unlock()
			b.logger.Debug("buffer overflow, evicted oldest",
				"lane", string(lane), "message_id", dropped.MessageID)
			b.maybePreempt(lane)
			return nil
		default: // Reject
			b.mu.Unlock()
			return domain.NewDomainError("Buffer.Enqueue", domain.ErrOverflow,
				"lane "+string(lane)+" at capacity")
		}
	}

	b.lanes[lane] = append(q, msg)
	b.mu.Unlock()

	b.maybePreempt(lane)
	return nil
}

// maybePreempt invokes the interrupt hook when a steer message arrives
// while another message is in flight. The hook runs outside the buffer lock.
func (b *Buffer) maybePreempt(lane domain.Lane) {
	if lane != domain.LaneSteer || b.preempt == nil {
		return
	}
	b.mu.Lock()
	inflight := b.inflight
	b.mu.Unlock()
	if inflight == nil {
		return
	}
	honored := b.preempt(*inflight)
	b.logger.Debug("steer preemption",
		"inflight_id", inflight.MessageID, "honored", honored)
}

// Dispatch routes msg to its declared lane.
func (b *Buffer) Dispatch(msg domain.Message) error {
	return b.Enqueue(msg.Lane, msg)
}

// Drain returns all queued messages in priority order (steer, collect,
// followup; FIFO within each lane) and empties the buffer.
func (b *Buffer) Drain() []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.Message
	for _, lane := range domain.Lanes() {
		out = append(out, b.lanes[lane]...)
		delete(b.lanes, lane)
	}
	return out
}

// Peek returns a copy of the given lane's queue without removing anything.
func (b *Buffer) Peek(lane domain.Lane) []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.lanes[lane]
	out := make([]domain.Message, len(q))
	copy(out, q)
	return out
}

// Len returns the number of messages queued in lane.
func (b *Buffer) Len(lane domain.Lane) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lanes[lane])
}

// SetInFlight records the message currently being processed by the node,
// making it visible to the steer preemption hook.
func (b *Buffer) SetInFlight(msg domain.Message) {
	b.mu.Lock()
	b.inflight = &msg
	b.mu.Unlock()
}

// ClearInFlight clears the in-flight record.
func (b *Buffer) ClearInFlight() {
	b.mu.Lock()
	b.inflight = nil
	b.mu.Unlock()
}
