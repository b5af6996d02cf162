// Package gateway terminates node WebSocket connections. Every connection
// authenticates before any other frame is processed, then registers the
// node it carries; after that the gateway demuxes message, ack, pong and
// session frames into the control plane.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentmesh/internal/domain"
	"agentmesh/internal/infra/logger"
	"agentmesh/internal/infra/middleware"
	"agentmesh/internal/usecase/delivery"
	"agentmesh/internal/usecase/registry"
	"agentmesh/internal/usecase/session"
)

// InboundFunc receives messages sent by nodes.
type InboundFunc func(ctx context.Context, nodeID string, msg domain.Message) error

// ListenerFactory builds the network listener, letting deployments swap
// in TLS or unix sockets.
type ListenerFactory func(addr string) (net.Listener, error)

// Config tunes the gateway server.
type Config struct {
	Addr string
	// AuthTimeout bounds how long a fresh connection may take to present
	// credentials and register.
	AuthTimeout time.Duration
	// RateLimit caps inbound frames per second per connection; Burst is
	// the token bucket size. Zero disables limiting.
	RateLimit float64
	Burst     int
}

const defaultAuthTimeout = 10 * time.Second

// Server is the node-facing WebSocket gateway.
type Server struct {
	cfg       Config
	auth      Authenticator
	registry  *registry.Registry
	sessions  *session.Machine
	tracker   *delivery.Tracker
	onInbound InboundFunc
	logger    *slog.Logger

	listen  ListenerFactory
	httpSrv *http.Server

	mu        sync.Mutex
	conns     map[string]*nodeConn // nodeID -> active conn
	boundAddr string
	startedAt time.Time
}

var _ domain.PingSender = (*Server)(nil)

// ServerOption configures optional server behavior.
type ServerOption func(*Server)

// WithListenerFactory overrides how the server binds its address.
func WithListenerFactory(f ListenerFactory) ServerOption {
	return func(s *Server) { s.listen = f }
}

// WithInbound sets the handler for node-originated messages.
func WithInbound(fn InboundFunc) ServerOption {
	return func(s *Server) { s.onInbound = fn }
}

// NewServer creates a gateway server.
func NewServer(cfg Config, auth Authenticator, reg *registry.Registry, sessions *session.Machine,
	tracker *delivery.Tracker, log *slog.Logger, opts ...ServerOption) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		cfg:      cfg,
		auth:     auth,
		registry: reg,
		sessions: sessions,
		tracker:  tracker,
		logger:   log,
		listen: func(addr string) (net.Listener, error) {
			return net.Listen("tcp", addr)
		},
		conns: make(map[string]*nodeConn),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins accepting connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealthz)

	var handler http.Handler = mux
	if s.cfg.RateLimit > 0 {
		// Throttles the handshake itself; per-frame limiting happens in
		// the read loop.
		handler = middleware.Throttle(ctx, middleware.ThrottleConfig{
			RequestsPerMin: int(s.cfg.RateLimit * 60),
			Burst:          s.cfg.Burst,
		})(handler)
	}
	handler = middleware.SecurityHeaders(handler)

	listener, err := s.listen(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.httpSrv = &http.Server{Handler: handler}
	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes all node connections and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*nodeConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*nodeConn)
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the bound address. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"protocol": ProtocolVersion,
		"nodes":    len(s.registry.List()),
		"sessions": len(s.sessions.Sessions()),
		"uptime":   time.Since(started).String(),
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	principal, ok := s.handshakeAuth(r.Context(), ws)
	if !ok {
		return
	}
	reg, ok := s.handshakeRegister(r.Context(), ws)
	if !ok {
		return
	}

	conn := newNodeConn(reg.NodeID, principal.Name, ws, s.tracker)
	reconnect, err := s.attach(r.Context(), conn, reg, principal)
	if err != nil {
		wsjson.Write(r.Context(), ws, errorFrame(string(domain.ErrorCodeOf(err))))
		ws.Close(websocket.StatusPolicyViolation, "registration rejected")
		return
	}

	go conn.writeLoop()
	conn.trySend(mustFrame(FrameTypeRegistered, RegisteredPayload{NodeID: reg.NodeID, Reconnect: reconnect}))
	if reconnect {
		// Redelivery happens after the reconnect transition committed.
		s.tracker.Redeliver(r.Context(), reg.NodeID, conn)
	}

	s.logger.Info("node connected",
		"node_id", reg.NodeID, "principal", principal.Name, "reconnect", reconnect)

	s.readLoop(r.Context(), conn)
	s.detach(conn)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("node connection closed", "node_id", reg.NodeID)
}

// handshakeAuth enforces auth-first: the opening frame must be an auth
// frame arriving within the handshake deadline.
func (s *Server) handshakeAuth(ctx context.Context, ws *websocket.Conn) (*Principal, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	var frame Frame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		ws.Close(websocket.StatusPolicyViolation, "auth timeout")
		return nil, false
	}
	if frame.Type != FrameTypeAuth {
		wsjson.Write(ctx, ws, errorFrame(string(domain.CodeFrameUnknown)))
		ws.Close(websocket.StatusPolicyViolation, "expected auth frame")
		return nil, false
	}

	var payload AuthPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		ws.Close(websocket.StatusPolicyViolation, "malformed auth frame")
		return nil, false
	}

	principal, err := s.auth.Authenticate(payload)
	if err != nil {
		wsjson.Write(ctx, ws, mustFrame(FrameTypeAuthResult, AuthResultPayload{OK: false, Reason: "invalid credentials"}))
		ws.Close(websocket.StatusPolicyViolation, "auth failed")
		return nil, false
	}

	wsjson.Write(ctx, ws, mustFrame(FrameTypeAuthResult, AuthResultPayload{OK: true, Principal: principal.Name}))
	return principal, true
}

// handshakeRegister reads the register frame that must follow auth.
func (s *Server) handshakeRegister(ctx context.Context, ws *websocket.Conn) (*RegisterPayload, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	var frame Frame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		ws.Close(websocket.StatusPolicyViolation, "register timeout")
		return nil, false
	}
	if frame.Type != FrameTypeRegister {
		ws.Close(websocket.StatusPolicyViolation, "expected register frame")
		return nil, false
	}

	var payload RegisterPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.NodeID == "" {
		ws.Close(websocket.StatusPolicyViolation, "malformed register frame")
		return nil, false
	}
	return &payload, true
}

// attach wires the connection into registry and session machine,
// distinguishing fresh registration from reconnect.
func (s *Server) attach(_ context.Context, conn *nodeConn, reg *RegisterPayload, principal *Principal) (reconnect bool, err error) {
	s.mu.Lock()
	if old, ok := s.conns[reg.NodeID]; ok {
		// Stale connection for the same node: the new one supersedes it.
		old.close()
	}
	s.conns[reg.NodeID] = conn
	s.mu.Unlock()

	if _, ok := s.registry.Get(reg.NodeID); ok {
		s.registry.MarkReconnected(reg.NodeID)
		if err := s.registry.SetDispatcher(reg.NodeID, conn); err != nil {
			return false, err
		}
		s.sessions.HandleEvent(reg.NodeID, domain.SessionEventReconnect)
		return true, nil
	}

	node := domain.Node{
		ID:           reg.NodeID,
		Capabilities: reg.Capabilities,
		Principal:    principal.Name,
		ConnectedAt:  time.Now(),
	}
	if err := s.registry.Register(node, conn); err != nil {
		return false, err
	}
	if _, err := s.sessions.StartSession(reg.NodeID); err != nil {
		return false, err
	}
	return false, nil
}

// detach closes the conn and clears it from the active set. The node
// stays registered: transport loss is not a goodbye, the session timers
// and health monitor decide its fate.
func (s *Server) detach(conn *nodeConn) {
	conn.close()
	s.mu.Lock()
	if cur, ok := s.conns[conn.nodeID]; ok && cur == conn {
		delete(s.conns, conn.nodeID)
	}
	s.mu.Unlock()
}

func (s *Server) limiter() *rate.Limiter {
	if s.cfg.RateLimit <= 0 {
		return nil
	}
	burst := s.cfg.Burst
	if burst <= 0 {
		burst = int(s.cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)
}

func (s *Server) readLoop(ctx context.Context, conn *nodeConn) {
	lim := s.limiter()
	for {
		select {
		case <-conn.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, conn.ws, &frame); err != nil {
			return
		}

		if lim != nil && !lim.Allow() {
			s.logger.Warn("rate limit exceeded, dropping frame",
				"node_id", conn.nodeID, "type", frame.Type)
			conn.trySend(errorFrame(string(domain.CodeRateLimit)))
			continue
		}

		if done := s.handleFrame(ctx, conn, frame); done {
			return
		}
	}
}

// handleFrame demuxes one inbound frame. Returns true when the
// connection should close.
func (s *Server) handleFrame(ctx context.Context, conn *nodeConn, frame Frame) bool {
	switch frame.Type {
	case FrameTypeMessage:
		var msg domain.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			conn.trySend(errorFrame(string(domain.CodeFrameMalformed)))
			return false
		}
		s.touch(conn.nodeID)
		if s.onInbound != nil {
			if err := s.onInbound(ctx, conn.nodeID, msg); err != nil {
				s.logger.Warn("inbound message rejected",
					"node_id", conn.nodeID, "error", err)
				conn.trySend(errorFrame(string(domain.ErrorCodeOf(err))))
			}
		}

	case FrameTypeAck:
		var ack AckPayload
		if err := json.Unmarshal(frame.Payload, &ack); err != nil {
			conn.trySend(errorFrame(string(domain.CodeFrameMalformed)))
			return false
		}
		s.touch(conn.nodeID)
		if s.tracker != nil {
			s.tracker.Ack(ack.MessageID)
		}

	case FrameTypePong:
		s.touch(conn.nodeID)

	case FrameTypePing:
		conn.trySend(Frame{Type: FrameTypePong})

	case FrameTypeSession:
		var payload SessionPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			conn.trySend(errorFrame(string(domain.CodeFrameMalformed)))
			return false
		}
		if payload.Event == domain.SessionEventDisconnect {
			// Clean goodbye: tear the session and registration down.
			s.sessions.HandleEvent(conn.nodeID, domain.SessionEventDisconnect)
			if err := s.registry.Deregister(conn.nodeID); err != nil {
				s.logger.Warn("deregister failed", "node_id", conn.nodeID, "error", err)
			}
			return true
		}
		s.touch(conn.nodeID)

	default:
		s.logger.Warn("rejecting unknown frame type",
			"node_id", conn.nodeID, "type", frame.Type)
		conn.trySend(errorFrame(string(domain.CodeFrameUnknown)))
	}
	return false
}

// touch refreshes both liveness tracking and the session idle timer.
func (s *Server) touch(nodeID string) {
	s.registry.Touch(nodeID)
	s.sessions.HandleEvent(nodeID, domain.SessionEventActivity)
}

func (s *Server) conn(nodeID string) (*nodeConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[nodeID]
	return c, ok
}

// SendPing implements domain.PingSender for the health monitor by pinging
// the named node's active connection.
func (s *Server) SendPing(ctx context.Context, nodeID string) error {
	c, ok := s.conn(nodeID)
	if !ok {
		return domain.NewDomainError("Server.SendPing", domain.ErrNodeNotFound, nodeID)
	}
	return c.SendPing(ctx)
}
