// Package nodesdk is the client SDK for connecting a worker node to an
// agentmesh control plane.
//
// A node dials the gateway, authenticates, registers its id and
// capabilities, and then receives routed messages. Delivery is
// at-least-once: the SDK acks each message after the handler returns
// without error, so an unacked message is redelivered on reconnect.
//
// Example:
//
//	node := nodesdk.New("sensor-7",
//	    nodesdk.WithServer("ws://127.0.0.1:18789/ws"),
//	    nodesdk.WithToken("secret"),
//	    nodesdk.WithCapabilities("telemetry"),
//	    nodesdk.OnMessage(func(ctx context.Context, msg nodesdk.Message) error {
//	        return process(msg)
//	    }),
//	)
//	if err := node.Connect(ctx); err != nil {
//	    return err
//	}
//	defer node.Disconnect(context.Background())
package nodesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentmesh/internal/adapter/gateway"
	"agentmesh/internal/domain"
)

// Message is the unit of work delivered to and sent by a node.
type Message = domain.Message

// Handler processes one delivered message. A nil return acks the message;
// an error leaves it pending for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Client is one node's connection to the control plane.
type Client struct {
	id           string
	serverURL    string
	token        string
	deviceToken  string
	capabilities []string
	handler      Handler
	logger       *slog.Logger

	mu        sync.Mutex
	ws        *websocket.Conn
	reconnect bool
	closed    bool
	done      chan struct{}
}

// New creates a client for the given node id.
func New(id string, opts ...Option) *Client {
	c := &Client{
		id:     id,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the node's identifier.
func (c *Client) ID() string { return c.id }

// Reconnected reports whether the last Connect resumed an existing
// session. Pending messages are redelivered right after such a resume.
func (c *Client) Reconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect
}

// Connect dials the gateway and completes the auth and register
// handshake. On success a background loop starts dispatching delivered
// messages to the handler.
func (c *Client) Connect(ctx context.Context) error {
	if c.serverURL == "" {
		return fmt.Errorf("nodesdk: server URL not configured")
	}

	ws, _, err := websocket.Dial(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("nodesdk: dial %s: %w", c.serverURL, err)
	}

	if err := c.handshake(ctx, ws); err != nil {
		ws.Close(websocket.StatusPolicyViolation, "handshake failed")
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.closed = false
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(context.Background(), ws)
	return nil
}

func (c *Client) handshake(ctx context.Context, ws *websocket.Conn) error {
	auth := gateway.AuthPayload{Token: c.token, DeviceToken: c.deviceToken}
	if err := writeFrame(ctx, ws, gateway.FrameTypeAuth, auth); err != nil {
		return fmt.Errorf("nodesdk: send auth: %w", err)
	}

	var frame gateway.Frame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		return fmt.Errorf("nodesdk: read auth result: %w", err)
	}
	var result gateway.AuthResultPayload
	if err := json.Unmarshal(frame.Payload, &result); err != nil || !result.OK {
		return fmt.Errorf("nodesdk: authentication rejected: %s", result.Reason)
	}

	reg := gateway.RegisterPayload{NodeID: c.id, Capabilities: c.capabilities}
	if err := writeFrame(ctx, ws, gateway.FrameTypeRegister, reg); err != nil {
		return fmt.Errorf("nodesdk: send register: %w", err)
	}
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		return fmt.Errorf("nodesdk: read registered: %w", err)
	}
	if frame.Type != gateway.FrameTypeRegistered {
		return fmt.Errorf("nodesdk: registration rejected: %s", frame.Error)
	}
	var registered gateway.RegisteredPayload
	if err := json.Unmarshal(frame.Payload, &registered); err != nil {
		return fmt.Errorf("nodesdk: malformed registered frame: %w", err)
	}

	c.mu.Lock()
	c.reconnect = registered.Reconnect
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		var frame gateway.Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			c.mu.Lock()
			if !c.closed {
				c.closed = true
				close(c.done)
			}
			c.mu.Unlock()
			return
		}

		switch frame.Type {
		case gateway.FrameTypeMessage:
			var msg Message
			if err := json.Unmarshal(frame.Payload, &msg); err != nil {
				c.logger.Warn("malformed message frame", "error", err)
				continue
			}
			c.deliver(ctx, ws, msg)

		case gateway.FrameTypePing:
			writeFrame(ctx, ws, gateway.FrameTypePong, nil)

		case gateway.FrameTypeError:
			c.logger.Warn("gateway error frame", "error", frame.Error)
		}
	}
}

// deliver runs the handler and acks on success. Handler panics are
// contained so one bad message cannot take the read loop down.
func (c *Client) deliver(ctx context.Context, ws *websocket.Conn, msg Message) {
	if c.handler == nil {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return c.handler(ctx, msg)
	}()
	if err != nil {
		c.logger.Warn("message handler failed, leaving unacked",
			"message_id", msg.MessageID, "error", err)
		return
	}
	if msg.MessageID != "" {
		writeFrame(ctx, ws, gateway.FrameTypeAck, gateway.AckPayload{MessageID: msg.MessageID})
	}
}

// Send transmits a node-originated message to the control plane.
func (c *Client) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("nodesdk: not connected")
	}
	return writeFrame(ctx, ws, gateway.FrameTypeMessage, msg)
}

// Disconnect sends a clean goodbye, which ends the node's session and
// deregisters it, then closes the connection. Use Close for a transport
// drop that keeps the session resumable.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws == nil {
		return nil
	}

	err := writeFrame(ctx, ws, gateway.FrameTypeSession,
		gateway.SessionPayload{Event: domain.SessionEventDisconnect})
	ws.Close(websocket.StatusNormalClosure, "goodbye")
	return err
}

// Close drops the transport without ending the session. The control
// plane keeps the node registered and redelivers on the next Connect.
func (c *Client) Close() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		ws.Close(websocket.StatusGoingAway, "closing")
	}
}

// Done is closed when the read loop exits, whatever the cause.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func writeFrame(ctx context.Context, ws *websocket.Conn, t gateway.FrameType, payload any) error {
	frame := gateway.Frame{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frame.Payload = raw
	}
	return wsjson.Write(ctx, ws, frame)
}
