package routing

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/domain"
)

// fakeDispatchers records dispatches per node.
type fakeDispatchers struct {
	mu         sync.Mutex
	dispatched map[string][]domain.Message
	missing    map[string]bool
	failNode   string
}

func newFakeDispatchers() *fakeDispatchers {
	return &fakeDispatchers{dispatched: map[string][]domain.Message{}, missing: map[string]bool{}}
}

func (f *fakeDispatchers) Dispatcher(nodeID string) (domain.Dispatcher, bool) {
	if f.missing[nodeID] {
		return nil, false
	}
	return domain.DispatcherFunc(func(_ context.Context, msg domain.Message) error {
		if nodeID == f.failNode {
			return fmt.Errorf("dispatch failed")
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.dispatched[nodeID] = append(f.dispatched[nodeID], msg)
		return nil
	}), true
}

func chMsg(channelID string) domain.Message {
	return domain.Message{
		ChannelID: channelID,
		Routing:   domain.RoutingContext{ChannelID: channelID, PeerID: "p1"},
	}
}

func TestRouteChannelBinding(t *testing.T) {
	disp := newFakeDispatchers()
	rt := New(disp)
	rt.BindChannel("slack", "n1")

	nodeID, err := rt.Route(context.Background(), chMsg("slack"))
	require.NoError(t, err)
	assert.Equal(t, "n1", nodeID)
	assert.Len(t, disp.dispatched["n1"], 1)
}

func TestRouteNoBinding(t *testing.T) {
	rt := New(newFakeDispatchers())
	_, err := rt.Route(context.Background(), chMsg("unknown"))
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
}

func TestRouteNoDispatcher(t *testing.T) {
	disp := newFakeDispatchers()
	disp.missing["n1"] = true
	rt := New(disp)
	rt.BindChannel("slack", "n1")

	_, err := rt.Route(context.Background(), chMsg("slack"))
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
}

func TestBindingResolverTakesPrecedence(t *testing.T) {
	disp := newFakeDispatchers()
	resolver, err := Compile([]Binding{
		{AgentID: "triage", Match: MatchSpec{ChannelID: "slack"}},
	})
	require.NoError(t, err)

	rt := New(disp, WithResolver(resolver, func(agentID string) (string, error) {
		require.Equal(t, "triage", agentID)
		return "n-agent", nil
	}))
	// Channel binding points elsewhere; the resolver must win.
	rt.BindChannel("slack", "n-legacy")

	nodeID, err := rt.Route(context.Background(), chMsg("slack"))
	require.NoError(t, err)
	assert.Equal(t, "n-agent", nodeID)
	assert.Empty(t, disp.dispatched["n-legacy"])
}

func TestResolverFallsThroughToChannel(t *testing.T) {
	disp := newFakeDispatchers()
	resolver, err := Compile([]Binding{
		{AgentID: "a", Match: MatchSpec{ChannelID: "discord"}},
	})
	require.NoError(t, err)

	rt := New(disp, WithResolver(resolver, func(string) (string, error) { return "", fmt.Errorf("no node") }))
	rt.BindChannel("slack", "n1")

	nodeID, err := rt.Route(context.Background(), chMsg("slack"))
	require.NoError(t, err)
	assert.Equal(t, "n1", nodeID)
}

func TestAgentNodeLookupFailure(t *testing.T) {
	resolver, err := Compile([]Binding{{AgentID: "a", Match: MatchSpec{}}})
	require.NoError(t, err)

	rt := New(newFakeDispatchers(), WithResolver(resolver, func(string) (string, error) {
		return "", fmt.Errorf("agent offline")
	}))

	_, err = rt.Route(context.Background(), chMsg("slack"))
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
}

func TestChannelRoutingStableAcrossCalls(t *testing.T) {
	disp := newFakeDispatchers()
	rt := New(disp)
	rt.BindChannel("slack", "n1")

	for i := 0; i < 5; i++ {
		nodeID, err := rt.Route(context.Background(), chMsg("slack"))
		require.NoError(t, err)
		assert.Equal(t, "n1", nodeID)
	}

	rt.BindChannel("slack", "n2")
	nodeID, err := rt.Route(context.Background(), chMsg("slack"))
	require.NoError(t, err)
	assert.Equal(t, "n2", nodeID)
}

func TestRouteWithScopeBindsConversation(t *testing.T) {
	disp := newFakeDispatchers()
	store := NewConversationStore(10, 0, nil)
	rt := New(disp, WithConversationStore(store))
	rt.BindChannel("slack", "n1")

	res, err := rt.RouteWithScope(context.Background(), chMsg("slack"), "agentA")
	require.NoError(t, err)
	assert.Equal(t, "agent:agentA:channel:slack:peer:p1", res.Key)

	nodeID, ok := store.Lookup(res.Key)
	require.True(t, ok)
	assert.Equal(t, "n1", nodeID)
}

func TestRouteWithScopeNoBindingOnFailure(t *testing.T) {
	store := NewConversationStore(10, 0, nil)
	rt := New(newFakeDispatchers(), WithConversationStore(store))

	_, err := rt.RouteWithScope(context.Background(), chMsg("unbound"), "agentA")
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestRouteWithScopeDegradationHandler(t *testing.T) {
	disp := newFakeDispatchers()
	var notified []domain.ConversationKeyResult
	rt := New(disp, WithDegradationHandler(func(r domain.ConversationKeyResult) {
		notified = append(notified, r)
	}))
	rt.BindChannel("slack", "n1")

	msg := chMsg("slack")
	msg.Routing.PeerID = "" // force degradation under per-channel-peer
	_, err := rt.RouteWithScope(context.Background(), msg, "agentA")
	require.NoError(t, err)

	require.Len(t, notified, 1)
	assert.Equal(t, []string{"missing peerId"}, notified[0].Warnings)
}

func TestScopeOverride(t *testing.T) {
	disp := newFakeDispatchers()
	store := NewConversationStore(10, 0, nil)
	rt := New(disp,
		WithConversationStore(store),
		WithScopeOverride("pinned", domain.ScopePerChannel))
	rt.BindChannel("slack", "n1")

	res, err := rt.RouteWithScope(context.Background(), chMsg("slack"), "pinned")
	require.NoError(t, err)
	assert.Equal(t, "agent:pinned:channel:slack", res.Key)
}

func TestInvalidateNodeRemovesBindings(t *testing.T) {
	disp := newFakeDispatchers()
	store := NewConversationStore(10, 0, nil)
	rt := New(disp, WithConversationStore(store))
	rt.BindChannel("slack", "n1")
	rt.BindChannel("discord", "n2")
	store.Bind("conv1", "n1")

	rt.InvalidateNode("n1")

	_, ok := rt.ChannelBinding("slack")
	assert.False(t, ok)
	_, ok = rt.ChannelBinding("discord")
	assert.True(t, ok)
	_, ok = store.Lookup("conv1")
	assert.False(t, ok)
}

func TestConversationRehoming(t *testing.T) {
	disp := newFakeDispatchers()
	store := NewConversationStore(10, 0, nil)
	rt := New(disp, WithConversationStore(store))
	rt.BindChannel("slack", "n1")

	res, err := rt.RouteWithScope(context.Background(), chMsg("slack"), "agentA")
	require.NoError(t, err)

	// Node goes away; next dispatch to the same key re-homes it.
	rt.InvalidateNode("n1")
	rt.BindChannel("slack", "n2")

	res2, err := rt.RouteWithScope(context.Background(), chMsg("slack"), "agentA")
	require.NoError(t, err)
	assert.Equal(t, res.Key, res2.Key)

	nodeID, ok := store.Lookup(res.Key)
	require.True(t, ok)
	assert.Equal(t, "n2", nodeID)
}
