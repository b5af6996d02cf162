package gateway

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentmesh/internal/domain"
	"agentmesh/internal/usecase/delivery"
)

// nodeConn tracks a single node WebSocket connection. It is the node's
// Dispatcher: outbound messages are recorded with the delivery tracker
// before leaving over the wire.
type nodeConn struct {
	nodeID    string
	principal string
	ws        *websocket.Conn
	tracker   *delivery.Tracker
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

var _ domain.Dispatcher = (*nodeConn)(nil)

func newNodeConn(nodeID, principal string, ws *websocket.Conn, tracker *delivery.Tracker) *nodeConn {
	return &nodeConn{
		nodeID:    nodeID,
		principal: principal,
		ws:        ws,
		tracker:   tracker,
		sendCh:    make(chan Frame, 64),
		done:      make(chan struct{}),
	}
}

// Dispatch queues a message frame. A message without an id is a first
// transmission and gets tracked; redeliveries arrive with their id set
// and must not be re-tracked.
func (c *nodeConn) Dispatch(ctx context.Context, msg domain.Message) error {
	if msg.MessageID == "" && c.tracker != nil {
		msg = c.tracker.Track(c.nodeID, msg)
	}
	return c.send(ctx, mustFrame(FrameTypeMessage, msg))
}

// SendPing queues a ping frame for the health monitor.
func (c *nodeConn) SendPing(ctx context.Context) error {
	return c.send(ctx, Frame{Type: FrameTypePing})
}

func (c *nodeConn) send(ctx context.Context, f Frame) error {
	select {
	case c.sendCh <- f:
		return nil
	case <-c.done:
		return domain.NewDomainError("nodeConn.send", domain.ErrCancelled, "connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues without blocking, for best-effort frames like errors.
func (c *nodeConn) trySend(f Frame) bool {
	select {
	case c.sendCh <- f:
		return true
	default:
		return false
	}
}

func (c *nodeConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writeLoop drains sendCh onto the socket until the connection dies.
func (c *nodeConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, c.ws, frame)
			cancel()
			if err != nil {
				c.close()
				return
			}
		}
	}
}
