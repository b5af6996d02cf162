package domain

import "context"

// ChannelCapabilities describes what an external messaging surface supports.
type ChannelCapabilities struct {
	MaxTextLength   int      `json:"max_text_length,omitempty"`
	AttachmentTypes []string `json:"attachment_types,omitempty"`
	Threads         bool     `json:"threads"`
	Buttons         bool     `json:"buttons"`
}

// InboundHandler receives normalized messages from a channel adapter.
type InboundHandler func(ctx context.Context, msg InboundMessage)

// ChannelAdapter is the contract every external messaging surface
// implements. Adapters live outside the control plane; the core only
// consumes this interface.
type ChannelAdapter interface {
	Name() string
	Capabilities() ChannelCapabilities
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	OnMessage(handler InboundHandler)
}
