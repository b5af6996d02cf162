package nodesdk

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/adapter/gateway"
	"agentmesh/internal/domain"
	"agentmesh/internal/infra/logger"
	"agentmesh/internal/usecase/delivery"
	"agentmesh/internal/usecase/registry"
	"agentmesh/internal/usecase/session"
)

type testPlane struct {
	srv     *gateway.Server
	reg     *registry.Registry
	sess    *session.Machine
	tracker *delivery.Tracker

	mu      sync.Mutex
	inbound []domain.Message
}

func startPlane(t *testing.T) *testPlane {
	t.Helper()

	p := &testPlane{
		reg:     registry.New(nil),
		sess:    session.NewMachine(session.Config{}, nil),
		tracker: delivery.New(delivery.Config{}, nil, nil),
	}
	t.Cleanup(p.sess.Stop)

	auth := gateway.NewStaticTokenAuth([]gateway.TokenEntry{{Token: "sdk-token", Name: "sdk"}})
	p.srv = gateway.NewServer(gateway.Config{Addr: "127.0.0.1:0"}, auth, p.reg, p.sess, p.tracker, nil,
		gateway.WithInbound(func(_ context.Context, _ string, msg domain.Message) error {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.inbound = append(p.inbound, msg)
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.srv.Start(ctx)

	require.Eventually(t, func() bool {
		return p.srv.BoundAddr() != ""
	}, 2*time.Second, 10*time.Millisecond)
	return p
}

func (p *testPlane) url() string { return "ws://" + p.srv.BoundAddr() + "/ws" }

func TestConnectRegistersNode(t *testing.T) {
	p := startPlane(t)

	node := New("sdk-node", WithServer(p.url()), WithToken("sdk-token"),
		WithCapabilities("triage"), WithLogger(logger.Discard()))
	require.NoError(t, node.Connect(context.Background()))
	defer node.Close()

	assert.False(t, node.Reconnected())
	registered, ok := p.reg.Get("sdk-node")
	require.True(t, ok)
	assert.Equal(t, []string{"triage"}, registered.Capabilities)
}

func TestConnectBadTokenRejected(t *testing.T) {
	p := startPlane(t)

	node := New("sdk-node", WithServer(p.url()), WithToken("wrong"), WithLogger(logger.Discard()))
	err := node.Connect(context.Background())
	assert.Error(t, err)
}

func TestDeliveredMessageReachesHandlerAndAcks(t *testing.T) {
	p := startPlane(t)

	got := make(chan Message, 1)
	node := New("sdk-node", WithServer(p.url()), WithToken("sdk-token"),
		WithLogger(logger.Discard()),
		OnMessage(func(_ context.Context, msg Message) error {
			got <- msg
			return nil
		}))
	require.NoError(t, node.Connect(context.Background()))
	defer node.Close()

	d, ok := p.reg.Dispatcher("sdk-node")
	require.True(t, ok)
	require.NoError(t, d.Dispatch(context.Background(),
		p.tracker.Track("sdk-node", domain.Message{
			ChannelID: "ch1",
			Body:      json.RawMessage(`"work"`),
		})))

	select {
	case msg := <-got:
		assert.JSONEq(t, `"work"`, string(msg.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}

	// The automatic ack clears the pending entry.
	require.Eventually(t, func() bool {
		return len(p.tracker.PendingFor("sdk-node")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerErrorLeavesUnacked(t *testing.T) {
	p := startPlane(t)

	node := New("sdk-node", WithServer(p.url()), WithToken("sdk-token"),
		WithLogger(logger.Discard()),
		OnMessage(func(_ context.Context, _ Message) error {
			return assert.AnError
		}))
	require.NoError(t, node.Connect(context.Background()))
	defer node.Close()

	d, ok := p.reg.Dispatcher("sdk-node")
	require.True(t, ok)
	require.NoError(t, d.Dispatch(context.Background(),
		p.tracker.Track("sdk-node", domain.Message{ChannelID: "ch1", Body: json.RawMessage(`1`)})))

	time.Sleep(200 * time.Millisecond)
	assert.Len(t, p.tracker.PendingFor("sdk-node"), 1)
}

func TestSendReachesInboundHandler(t *testing.T) {
	p := startPlane(t)

	node := New("sdk-node", WithServer(p.url()), WithToken("sdk-token"), WithLogger(logger.Discard()))
	require.NoError(t, node.Connect(context.Background()))
	defer node.Close()

	require.NoError(t, node.Send(context.Background(), domain.Message{
		ChannelID: "ch1",
		Body:      json.RawMessage(`"hello"`),
	}))

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.inbound) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectDeregisters(t *testing.T) {
	p := startPlane(t)

	node := New("sdk-node", WithServer(p.url()), WithToken("sdk-token"), WithLogger(logger.Discard()))
	require.NoError(t, node.Connect(context.Background()))
	require.NoError(t, node.Disconnect(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := p.reg.Get("sdk-node")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseKeepsSessionResumable(t *testing.T) {
	p := startPlane(t)

	node := New("sdk-node", WithServer(p.url()), WithToken("sdk-token"), WithLogger(logger.Discard()))
	require.NoError(t, node.Connect(context.Background()))
	node.Close()

	// Transport loss is not a goodbye: the node stays registered.
	_, ok := p.reg.Get("sdk-node")
	require.True(t, ok)

	again := New("sdk-node", WithServer(p.url()), WithToken("sdk-token"), WithLogger(logger.Discard()))
	require.NoError(t, again.Connect(context.Background()))
	defer again.Close()
	assert.True(t, again.Reconnected())
}
