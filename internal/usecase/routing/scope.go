package routing

import (
	"strings"

	"agentmesh/internal/domain"
)

// Conversation keys are built from escaped segments joined by ":". Segment
// order is canonical: agent, channel, group, peer, account. A scope that
// requires an absent field drops that segment, records a warning, and
// yields exactly the next-coarser scope's key.

// escapeSegment makes field values separator-safe.
func escapeSegment(v string) string {
	v = strings.ReplaceAll(v, "%", "%25")
	return strings.ReplaceAll(v, ":", "%3A")
}

type segment struct {
	label    string // key prefix, e.g. "channel"
	value    string
	required bool
	warnName string // field name used in the missing-field warning
}

// ResolveConversationKey derives the stable conversation key for the given
// scope and routing inputs. Pure and deterministic: identical inputs always
// produce identical results. Degraded is true iff any warning was recorded.
func ResolveConversationKey(in domain.ConversationKeyInput) domain.ConversationKeyResult {
	scope := in.Scope
	var warnings []string

	if scope == "" {
		scope = domain.ScopePerChannelPeer
	} else if !scope.Valid() {
		warnings = append(warnings, "unknown scope "+string(scope))
		scope = domain.ScopePerChannelPeer
	}

	if scope == domain.ScopeGlobal {
		return domain.ConversationKeyResult{Key: "global", Degraded: len(warnings) > 0, Warnings: warnings}
	}

	segs := []segment{{label: "agent", value: in.AgentID, required: true, warnName: "agentId"}}
	switch scope {
	case domain.ScopePerChannel:
		segs = append(segs, segment{label: "channel", value: in.ChannelID, required: true, warnName: "channelId"})
	case domain.ScopePerChannelPeer:
		segs = append(segs,
			segment{label: "channel", value: in.ChannelID, required: true, warnName: "channelId"},
			segment{label: "peer", value: in.PeerID, required: true, warnName: "peerId"})
	case domain.ScopePerChannelAccount:
		segs = append(segs,
			segment{label: "channel", value: in.ChannelID, required: true, warnName: "channelId"},
			segment{label: "account", value: in.AccountID, required: true, warnName: "accountId"})
	case domain.ScopePerGroup:
		segs = append(segs, segment{label: "group", value: in.GroupID, required: true, warnName: "groupId"})
	}

	parts := make([]string, 0, len(segs)*2)
	for _, s := range segs {
		if s.value == "" {
			warnings = append(warnings, "missing "+s.warnName)
			continue
		}
		parts = append(parts, s.label, escapeSegment(s.value))
	}

	key := strings.Join(parts, ":")
	if key == "" {
		// Everything was missing; fall all the way back to the global key.
		key = "global"
	}

	return domain.ConversationKeyResult{
		Key:      key,
		Degraded: len(warnings) > 0,
		Warnings: warnings,
	}
}
