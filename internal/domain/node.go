package domain

import (
	"context"
	"time"
)

// Node is a worker process connected to the gateway. One live session per
// node; the node record exists from first authenticated handshake until its
// session reaches SessionDisconnected.
type Node struct {
	ID             string    `json:"id"`
	Capabilities   []string  `json:"capabilities,omitempty"`
	Principal      string    `json:"principal,omitempty"` // authenticated identity
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ReconnectCount int       `json:"reconnect_count"`
}

// HasCapability reports whether the node declared the given capability.
func (n *Node) HasCapability(cap string) bool {
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Dispatcher delivers a message to a node's worker. Implementations are
// registered per node; the gateway's connection handler is the usual one.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, msg Message) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg Message) error { return f(ctx, msg) }

// PingSender sends a liveness ping to a node. Injected into the health
// monitor so transport concerns stay in the gateway.
type PingSender interface {
	SendPing(ctx context.Context, nodeID string) error
}
