package routing

import (
	"context"
	"log/slog"
	"sync"

	"agentmesh/internal/domain"
	"agentmesh/internal/infra/immutable"
	"agentmesh/internal/infra/logger"
)

// DispatcherSource supplies per-node dispatchers; the node registry
// implements it.
type DispatcherSource interface {
	Dispatcher(nodeID string) (domain.Dispatcher, bool)
}

// AgentNodeFunc resolves an agent id to the node currently hosting it.
type AgentNodeFunc func(agentID string) (string, error)

// DegradationHandler is notified when a conversation key was derived in
// degraded form.
type DegradationHandler func(result domain.ConversationKeyResult)

// Router dispatches inbound messages to nodes. Binding-based routing
// (declarative match rules) takes precedence over legacy channel bindings.
type Router struct {
	mu       sync.Mutex
	channels map[string]string // channelID -> nodeID, immutable value

	dispatchers DispatcherSource
	resolver    *Resolver     // optional
	agentNode   AgentNodeFunc // required when resolver is set

	defaultScope   domain.ConversationScope
	scopeOverrides map[string]domain.ConversationScope // agentID -> scope, immutable value
	conversations  *ConversationStore                  // optional
	onDegraded     DegradationHandler

	logger *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithResolver installs the compiled binding resolver and the agent→node
// lookup it resolves through.
func WithResolver(r *Resolver, agentNode AgentNodeFunc) Option {
	return func(rt *Router) {
		rt.resolver = r
		rt.agentNode = agentNode
	}
}

// WithConversationStore enables conversation binding.
func WithConversationStore(s *ConversationStore) Option {
	return func(rt *Router) { rt.conversations = s }
}

// WithDefaultScope sets the scope used when an agent has no override.
func WithDefaultScope(scope domain.ConversationScope) Option {
	return func(rt *Router) { rt.defaultScope = scope }
}

// WithScopeOverride pins an agent to a specific conversation scope.
func WithScopeOverride(agentID string, scope domain.ConversationScope) Option {
	return func(rt *Router) {
		rt.scopeOverrides = immutable.MapSet(rt.scopeOverrides, agentID, scope)
	}
}

// WithDegradationHandler sets the degraded-scope notification handler.
func WithDegradationHandler(h DegradationHandler) Option {
	return func(rt *Router) { rt.onDegraded = h }
}

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) { rt.logger = l }
}

// New creates a Router over the given dispatcher source.
func New(dispatchers DispatcherSource, opts ...Option) *Router {
	rt := &Router{
		channels:       map[string]string{},
		dispatchers:    dispatchers,
		defaultScope:   domain.ScopePerChannelPeer,
		scopeOverrides: map[string]domain.ConversationScope{},
		logger:         logger.Discard(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// BindChannel maps a channel to a node (legacy single-agent routing).
func (rt *Router) BindChannel(channelID, nodeID string) {
	rt.mu.Lock()
	rt.channels = immutable.MapSet(rt.channels, channelID, nodeID)
	rt.mu.Unlock()
	rt.logger.Debug("channel bound", "channel_id", channelID, "node_id", nodeID)
}

// UnbindChannel removes a channel binding.
func (rt *Router) UnbindChannel(channelID string) {
	rt.mu.Lock()
	rt.channels = immutable.MapDelete(rt.channels, channelID)
	rt.mu.Unlock()
}

// InvalidateNode removes every binding that targets nodeID. Wired into the
// registry's deregister hook.
func (rt *Router) InvalidateNode(nodeID string) {
	rt.mu.Lock()
	rt.channels = immutable.MapFilter(rt.channels, func(_ string, v string) bool {
		return v != nodeID
	})
	rt.mu.Unlock()
	if rt.conversations != nil {
		rt.conversations.RemoveNode(nodeID)
	}
}

// ChannelBinding returns the node bound to a channel.
func (rt *Router) ChannelBinding(channelID string) (string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	nodeID, ok := rt.channels[channelID]
	return nodeID, ok
}

// Route dispatches msg and returns the target node id. Precedence: binding
// resolver first; channel binding otherwise. Missing bindings and missing
// dispatchers both surface as node-not-found.
func (rt *Router) Route(ctx context.Context, msg domain.Message) (string, error) {
	if rt.resolver != nil {
		if agentID, ok := rt.resolver.Resolve(msg); ok {
			nodeID, err := rt.agentNode(agentID)
			if err != nil {
				return "", domain.NewDomainError("Router.Route", domain.ErrNodeNotFound,
					"agent "+agentID)
			}
			if err := rt.dispatch(ctx, nodeID, msg); err != nil {
				return "", err
			}
			rt.logger.Debug("routed via binding",
				"agent_id", agentID, "node_id", nodeID, "channel_id", msg.ChannelID)
			return nodeID, nil
		}
	}

	rt.mu.Lock()
	nodeID, ok := rt.channels[msg.ChannelID]
	rt.mu.Unlock()
	if !ok {
		return "", domain.NewDomainError("Router.Route", domain.ErrNodeNotFound,
			"no binding for channel "+msg.ChannelID)
	}
	if err := rt.dispatch(ctx, nodeID, msg); err != nil {
		return "", err
	}
	rt.logger.Debug("routed via channel binding",
		"node_id", nodeID, "channel_id", msg.ChannelID)
	return nodeID, nil
}

// RouteWithScope routes msg and, on success, binds the conversation key to
// the chosen node. Routing failure never creates a conversation binding.
func (rt *Router) RouteWithScope(ctx context.Context, msg domain.Message, agentID string) (domain.ConversationKeyResult, error) {
	scope := rt.defaultScope
	if override, ok := rt.scopeOverrides[agentID]; ok {
		scope = override
	}

	result := ResolveConversationKey(domain.ConversationKeyInput{
		Scope:       scope,
		AgentID:     agentID,
		ChannelID:   msg.Routing.ChannelID,
		PeerID:      msg.Routing.PeerID,
		AccountID:   msg.Routing.AccountID,
		GroupID:     msg.Routing.GroupID,
		MessageType: msg.Routing.MessageType,
	})

	nodeID, err := rt.Route(ctx, msg)
	if err != nil {
		return result, err
	}

	if rt.conversations != nil {
		rt.conversations.Bind(result.Key, nodeID)
	}
	if result.Degraded && rt.onDegraded != nil {
		rt.onDegraded(result)
	}
	return result, nil
}

func (rt *Router) dispatch(ctx context.Context, nodeID string, msg domain.Message) error {
	d, ok := rt.dispatchers.Dispatcher(nodeID)
	if !ok {
		return domain.NewDomainError("Router.Route", domain.ErrNodeNotFound,
			"no dispatcher for node "+nodeID)
	}
	return d.Dispatch(ctx, msg)
}
