package gateway

import (
	"encoding/json"

	"agentmesh/internal/domain"
)

// ProtocolVersion is the wire protocol revision the gateway speaks.
// Nodes see it in the /healthz payload and can refuse to register
// against an incompatible control plane.
const ProtocolVersion = 1

// FrameType identifies the kind of frame exchanged over a node connection.
type FrameType string

const (
	FrameTypeAuth       FrameType = "auth"
	FrameTypeAuthResult FrameType = "auth_result"
	FrameTypeRegister   FrameType = "register"
	FrameTypeRegistered FrameType = "registered"
	FrameTypeMessage    FrameType = "message"
	FrameTypeAck        FrameType = "ack"
	FrameTypePing       FrameType = "ping"
	FrameTypePong       FrameType = "pong"
	FrameTypeSession    FrameType = "session"
	FrameTypeError      FrameType = "error"
)

// Frame is the envelope exchanged between node and gateway.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// AuthPayload carries the node's credential. Token is a static gateway
// token; DeviceToken is a signed device token. One of the two is required.
type AuthPayload struct {
	Token       string `json:"token,omitempty"`
	DeviceToken string `json:"deviceToken,omitempty"`
}

// AuthResultPayload reports the authentication outcome.
type AuthResultPayload struct {
	OK        bool   `json:"ok"`
	Principal string `json:"principal,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// RegisterPayload announces the node behind an authenticated connection.
type RegisterPayload struct {
	NodeID       string   `json:"nodeId"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisteredPayload confirms registration and tells the node whether this
// is a fresh session or a resumed one.
type RegisteredPayload struct {
	NodeID    string `json:"nodeId"`
	Reconnect bool   `json:"reconnect"`
}

// AckPayload acknowledges receipt of a delivered message.
type AckPayload struct {
	MessageID string `json:"messageId"`
}

// SessionPayload carries explicit session lifecycle requests, currently
// only a clean disconnect.
type SessionPayload struct {
	Event domain.SessionEvent `json:"event"`
}

func mustFrame(t FrameType, payload any) Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payload structs are plain data; marshal cannot fail on them.
		panic(err)
	}
	return Frame{Type: t, Payload: raw}
}

func errorFrame(msg string) Frame {
	return Frame{Type: FrameTypeError, Error: msg}
}
