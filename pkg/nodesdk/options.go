package nodesdk

import "log/slog"

// Option configures a Client.
type Option func(*Client)

// WithServer sets the gateway WebSocket URL, e.g. "ws://host:port/ws".
func WithServer(url string) Option {
	return func(c *Client) { c.serverURL = url }
}

// WithToken sets a static gateway token for authentication.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithDeviceToken sets a signed device token for authentication.
func WithDeviceToken(token string) Option {
	return func(c *Client) { c.deviceToken = token }
}

// WithCapabilities declares the capabilities this node registers. Agents
// are located by capability, so a node hosting agent X declares X here.
func WithCapabilities(caps ...string) Option {
	return func(c *Client) { c.capabilities = caps }
}

// OnMessage sets the delivery handler.
func OnMessage(h Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}
