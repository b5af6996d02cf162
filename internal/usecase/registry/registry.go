// Package registry tracks live worker nodes, their capabilities and
// dispatchers, and runs the liveness health monitor.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"agentmesh/internal/domain"
	"agentmesh/internal/infra/immutable"
	"agentmesh/internal/infra/logger"
)

// RegisteredNode pairs a node record with its dispatcher.
type RegisteredNode struct {
	Node       domain.Node
	Dispatcher domain.Dispatcher
}

// DeregisterHook is invoked after a node has been removed, letting
// collaborators (the router's channel bindings in particular) clean up
// references to it.
type DeregisterHook func(nodeID string)

// Registry maintains nodeId → RegisteredNode. The node map is an immutable
// value: writers build a new map under the lock and swap the reference, so
// readers iterate stable snapshots.
type Registry struct {
	mu         sync.Mutex
	nodes      map[string]*RegisteredNode
	onDeregist []DeregisterHook
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an empty registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	return &Registry{
		nodes:  map[string]*RegisteredNode{},
		logger: log,
		now:    time.Now,
	}
}

// OnDeregister adds a cleanup hook. Must be called during wiring, before
// nodes churn.
func (r *Registry) OnDeregister(h DeregisterHook) {
	r.onDeregist = append(r.onDeregist, h)
}

// Register adds a live node. Fails with a duplicate error if the id is
// already registered.
func (r *Registry) Register(node domain.Node, dispatcher domain.Dispatcher) error {
	if node.ID == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "empty node ID")
	}

	r.mu.Lock()
	if _, exists := r.nodes[node.ID]; exists {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.Register", domain.ErrNodeDuplicate, node.ID)
	}
	if node.ConnectedAt.IsZero() {
		node.ConnectedAt = r.now()
	}
	node.LastActivityAt = r.now()
	r.nodes = immutable.MapSet(r.nodes, node.ID, &RegisteredNode{Node: node, Dispatcher: dispatcher})
	r.mu.Unlock()

	r.logger.Info("node registered", "node_id", node.ID, "capabilities", node.Capabilities)
	return nil
}

// Deregister removes a node and runs the cleanup hooks.
func (r *Registry) Deregister(nodeID string) error {
	r.mu.Lock()
	if _, exists := r.nodes[nodeID]; !exists {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.Deregister", domain.ErrNodeNotFound, nodeID)
	}
	r.nodes = immutable.MapDelete(r.nodes, nodeID)
	hooks := r.onDeregist
	r.mu.Unlock()

	for _, h := range hooks {
		h(nodeID)
	}
	r.logger.Info("node deregistered", "node_id", nodeID)
	return nil
}

// Get returns a copy of the node record.
func (r *Registry) Get(nodeID string) (domain.Node, bool) {
	rn, ok := r.snapshot()[nodeID]
	if !ok {
		return domain.Node{}, false
	}
	return rn.Node, true
}

// Dispatcher returns the node's dispatcher.
func (r *Registry) Dispatcher(nodeID string) (domain.Dispatcher, bool) {
	rn, ok := r.snapshot()[nodeID]
	if !ok || rn.Dispatcher == nil {
		return nil, false
	}
	return rn.Dispatcher, true
}

// List returns copies of all registered nodes.
func (r *Registry) List() []domain.Node {
	snap := r.snapshot()
	out := make([]domain.Node, 0, len(snap))
	for _, rn := range snap {
		out = append(out, rn.Node)
	}
	return out
}

// FindByCapability returns nodes declaring the given capability.
func (r *Registry) FindByCapability(cap string) []domain.Node {
	var out []domain.Node
	for _, rn := range r.snapshot() {
		if rn.Node.HasCapability(cap) {
			out = append(out, rn.Node)
		}
	}
	return out
}

// Touch records node activity for dead-node detection.
func (r *Registry) Touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rn, ok := r.nodes[nodeID]; ok {
		// Fields on the entry are only written under the registry lock;
		// reads via snapshots may observe a slightly stale LastActivityAt,
		// which the health monitor tolerates.
		updated := *rn
		updated.Node.LastActivityAt = r.now()
		r.nodes = immutable.MapSet(r.nodes, nodeID, &updated)
	}
}

// MarkReconnected increments the node's reconnect counter.
func (r *Registry) MarkReconnected(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rn, ok := r.nodes[nodeID]; ok {
		updated := *rn
		updated.Node.ReconnectCount++
		updated.Node.LastActivityAt = r.now()
		r.nodes = immutable.MapSet(r.nodes, nodeID, &updated)
	}
}

// SetDispatcher replaces the node's dispatcher (used on reconnect, when a
// fresh connection takes over delivery).
func (r *Registry) SetDispatcher(nodeID string, d domain.Dispatcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.nodes[nodeID]
	if !ok {
		return domain.NewDomainError("Registry.SetDispatcher", domain.ErrNodeNotFound, nodeID)
	}
	updated := *rn
	updated.Dispatcher = d
	r.nodes = immutable.MapSet(r.nodes, nodeID, &updated)
	return nil
}

func (r *Registry) snapshot() map[string]*RegisteredNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes
}
