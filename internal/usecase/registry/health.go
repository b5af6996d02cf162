package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agentmesh/internal/domain"
	"agentmesh/internal/infra/logger"
)

// NodeDeadHandler is invoked for a node whose last activity is older than
// the dead threshold. The usual handler feeds a disconnect event into the
// session machine.
type NodeDeadHandler func(ctx context.Context, nodeID string)

// SweepHandler runs once per tick, after liveness checks. Collaborators
// (pairing guard, delivery tracker) use it to evict expired entries.
type SweepHandler func(ctx context.Context, now time.Time)

// HealthConfig sets the monitor's cadence and staleness threshold.
type HealthConfig struct {
	PingInterval  time.Duration
	DeadThreshold time.Duration
}

const (
	defaultPingInterval  = 30 * time.Second
	defaultDeadThreshold = 2 * time.Minute
)

// HealthMonitor pings registered nodes on a fixed tick, detects dead nodes
// by activity staleness, and runs sweep handlers. Ticks never overlap: if a
// tick is still in flight when the next fires, the next is skipped.
type HealthMonitor struct {
	registry *Registry
	pinger   domain.PingSender
	onDead   NodeDeadHandler
	sweeps   []SweepHandler
	cfg      HealthConfig
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewHealthMonitor creates a monitor over the given registry.
func NewHealthMonitor(reg *Registry, pinger domain.PingSender, cfg HealthConfig, log *slog.Logger) *HealthMonitor {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.DeadThreshold <= 0 {
		cfg.DeadThreshold = defaultDeadThreshold
	}
	if log == nil {
		log = logger.Discard()
	}
	return &HealthMonitor{
		registry: reg,
		pinger:   pinger,
		cfg:      cfg,
		logger:   log,
	}
}

// OnNodeDead sets the dead-node handler.
func (h *HealthMonitor) OnNodeDead(handler NodeDeadHandler) { h.onDead = handler }

// AddSweep registers a per-tick sweep handler.
func (h *HealthMonitor) AddSweep(s SweepHandler) { h.sweeps = append(h.sweeps, s) }

// Start launches the periodic tick. Returns immediately; Stop shuts the
// monitor down and awaits any in-flight tick.
func (h *HealthMonitor) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.tick(ctx)
			}
		}
	}()
}

// Stop cancels the tick loop and waits for an in-flight tick to finish.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Tick runs one health pass synchronously. Exposed for tests and for
// collaborators that want an immediate sweep.
func (h *HealthMonitor) Tick(ctx context.Context) { h.tick(ctx) }

func (h *HealthMonitor) tick(ctx context.Context) {
	h.mu.Lock()
	if h.inFlight {
		h.mu.Unlock()
		h.logger.Debug("health tick skipped, previous still in flight")
		return
	}
	h.inFlight = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.inFlight = false
		h.mu.Unlock()
	}()

	now := time.Now()
	for _, node := range h.registry.List() {
		if h.pinger != nil {
			if err := h.pinger.SendPing(ctx, node.ID); err != nil {
				h.logger.Debug("ping failed", "node_id", node.ID, "error", err)
			}
		}
		if now.Sub(node.LastActivityAt) >= h.cfg.DeadThreshold && h.onDead != nil {
			h.logger.Warn("node presumed dead",
				"node_id", node.ID, "last_activity", node.LastActivityAt)
			h.onDead(ctx, node.ID)
		}
	}

	for _, sweep := range h.sweeps {
		sweep(ctx, now)
	}
}
