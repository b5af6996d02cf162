package buffer

import (
	"log/slog"
	"sync"

	"agentmesh/internal/domain"
	"agentmesh/internal/infra/logger"
)

// DrainHandler receives the messages still queued for a node when its
// buffer is removed from the pool.
type DrainHandler func(nodeID string, msgs []domain.Message)

// Pool owns one Buffer per node. Buffers are created lazily on first use
// and removed when the node deregisters; whatever is still queued at that
// point goes to the drain handler instead of being lost silently.
type Pool struct {
	mu      sync.Mutex
	buffers map[string]*Buffer
	cfg     Config
	opts    []Option
	onDrain DrainHandler
	logger  *slog.Logger
}

// NewPool creates a pool that builds each node's buffer with cfg and opts.
// onDrain may be nil, in which case removal discards queued messages with
// a warning.
func NewPool(cfg Config, onDrain DrainHandler, log *slog.Logger, opts ...Option) *Pool {
	if log == nil {
		log = logger.Discard()
	}
	return &Pool{
		buffers: make(map[string]*Buffer),
		cfg:     cfg,
		opts:    opts,
		onDrain: onDrain,
		logger:  log,
	}
}

// Get returns the node's buffer, creating it on first use.
func (p *Pool) Get(nodeID string) *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buffers[nodeID]
	if !ok {
		b = New(p.cfg, p.opts...)
		p.buffers[nodeID] = b
	}
	return b
}

// Remove drops the node's buffer and hands its remaining messages to the
// drain handler. Safe to call for nodes that never had a buffer.
func (p *Pool) Remove(nodeID string) {
	p.mu.Lock()
	b, ok := p.buffers[nodeID]
	delete(p.buffers, nodeID)
	p.mu.Unlock()
	if !ok {
		return
	}

	msgs := b.Drain()
	if len(msgs) == 0 {
		return
	}
	p.logger.Warn("draining buffered messages for removed node",
		"node_id", nodeID, "count", len(msgs))
	if p.onDrain != nil {
		p.onDrain(nodeID, msgs)
	}
}

// Len returns the number of nodes with a live buffer.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}
