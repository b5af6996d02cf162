package domain

// ConversationScope selects the shape of a conversation key, the
// granularity at which message streams are isolated from each other.
type ConversationScope string

const (
	ScopeGlobal            ConversationScope = "global"
	ScopePerAgent          ConversationScope = "per-agent"
	ScopePerChannel        ConversationScope = "per-channel"
	ScopePerChannelPeer    ConversationScope = "per-channel-peer" // default
	ScopePerChannelAccount ConversationScope = "per-channel-account"
	ScopePerGroup          ConversationScope = "per-group"
)

// Valid reports whether s is a known scope.
func (s ConversationScope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopePerAgent, ScopePerChannel, ScopePerChannelPeer,
		ScopePerChannelAccount, ScopePerGroup:
		return true
	}
	return false
}

// ConversationKeyInput carries everything that may contribute to a
// conversation key.
type ConversationKeyInput struct {
	Scope       ConversationScope
	AgentID     string
	ChannelID   string
	PeerID      string
	AccountID   string
	GroupID     string
	MessageType string
}

// ConversationKeyResult is the outcome of key derivation. Degraded is true
// iff at least one required field was missing and the key fell back to a
// coarser shape.
type ConversationKeyResult struct {
	Key      string
	Degraded bool
	Warnings []string
}
