package domain

import (
	"encoding/json"
	"time"
)

// Lane identifies one of the three priority queues. Lanes drain in the
// order steer, collect, followup.
type Lane string

const (
	LaneSteer    Lane = "steer"
	LaneCollect  Lane = "collect"
	LaneFollowup Lane = "followup"
)

// Lanes lists all lanes in drain-priority order.
func Lanes() []Lane {
	return []Lane{LaneSteer, LaneCollect, LaneFollowup}
}

// Valid reports whether l is a known lane.
func (l Lane) Valid() bool {
	switch l {
	case LaneSteer, LaneCollect, LaneFollowup:
		return true
	}
	return false
}

// RoutingContext carries the channel-side identifiers a message was
// received with. All fields except ChannelID are optional.
type RoutingContext struct {
	ChannelID   string `json:"channel_id"`
	PeerID      string `json:"peer_id,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
}

// Message is a lane-tagged message flowing between channels, the router,
// and node workers.
type Message struct {
	MessageID  string          `json:"message_id,omitempty"` // set when delivery-tracked
	ChannelID  string          `json:"channel_id"`
	Lane       Lane            `json:"lane"`
	Routing    RoutingContext  `json:"routing_context"`
	Body       json.RawMessage `json:"body,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at,omitempty"`
}

// OutboundMessage is a reply heading back to a channel adapter.
type OutboundMessage struct {
	ChannelID string            `json:"channel_id"`
	PeerID    string            `json:"peer_id,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Blocks    []Block           `json:"blocks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// BlockType discriminates the normalized content blocks produced by
// channel adapters.
type BlockType string

const (
	BlockText   BlockType = "text"
	BlockImage  BlockType = "image"
	BlockFile   BlockType = "file"
	BlockButton BlockType = "button"
)

// Block is one unit of normalized channel content.
type Block struct {
	Type    BlockType `json:"type"`
	Text    string    `json:"text,omitempty"`
	URL     string    `json:"url,omitempty"`     // image/file location
	Name    string    `json:"name,omitempty"`    // file name or button label
	Payload string    `json:"payload,omitempty"` // button callback payload
}

// InboundMessage is a normalized message received from a channel adapter.
type InboundMessage struct {
	Blocks     []Block        `json:"blocks"`
	Routing    RoutingContext `json:"routing_context"`
	ReceivedAt time.Time      `json:"received_at"`
}
