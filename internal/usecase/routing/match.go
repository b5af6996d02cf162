// Package routing implements message routing: declarative agent bindings,
// channel bindings, conversation scoping, and the dispatch router.
package routing

import (
	"path"
	"strings"

	"agentmesh/internal/domain"
)

// MatchSpec is a set of field patterns over routing-context fields. Each
// pattern is a literal, "*", or a glob (path.Match syntax). An empty field
// matches anything; an empty spec is a catch-all.
type MatchSpec struct {
	ChannelID   string `yaml:"channel_id,omitempty"`
	PeerID      string `yaml:"peer_id,omitempty"`
	AccountID   string `yaml:"account_id,omitempty"`
	GroupID     string `yaml:"group_id,omitempty"`
	MessageType string `yaml:"message_type,omitempty"`
}

// Binding declares "messages matching Match go to AgentID". Declaration
// order is preserved by the resolver; first match wins.
type Binding struct {
	AgentID string    `yaml:"agent_id"`
	Match   MatchSpec `yaml:"match"`
}

type fieldMatcher func(value string) bool

func matchAny(string) bool { return true }

// compilePattern builds a matcher for one field pattern. Glob syntax is
// validated at compile time so resolve never sees a bad pattern.
func compilePattern(pattern string) (fieldMatcher, error) {
	switch {
	case pattern == "" || pattern == "*":
		return matchAny, nil
	case strings.ContainsAny(pattern, "*?["):
		// Probe the pattern once; path.Match only errors on malformed syntax.
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, domain.NewDomainError("routing.Compile", domain.ErrInvalidInput,
				"bad pattern "+pattern)
		}
		return func(value string) bool {
			ok, _ := path.Match(pattern, value)
			return ok
		}, nil
	default:
		return func(value string) bool { return value == pattern }, nil
	}
}

type compiledBinding struct {
	agentID  string
	catchAll bool
	fields   []func(rc domain.RoutingContext) bool
}

// Resolver is a compiled, declaration-ordered binding list.
type Resolver struct {
	bindings []compiledBinding
	catchAll bool
}

// Compile validates and compiles the bindings into matcher closures.
func Compile(bindings []Binding) (*Resolver, error) {
	r := &Resolver{bindings: make([]compiledBinding, 0, len(bindings))}
	for _, b := range bindings {
		if b.AgentID == "" {
			return nil, domain.NewDomainError("routing.Compile", domain.ErrInvalidInput,
				"binding without agent_id")
		}
		cb := compiledBinding{agentID: b.AgentID}

		specs := []struct {
			pattern string
			extract func(rc domain.RoutingContext) string
		}{
			{b.Match.ChannelID, func(rc domain.RoutingContext) string { return rc.ChannelID }},
			{b.Match.PeerID, func(rc domain.RoutingContext) string { return rc.PeerID }},
			{b.Match.AccountID, func(rc domain.RoutingContext) string { return rc.AccountID }},
			{b.Match.GroupID, func(rc domain.RoutingContext) string { return rc.GroupID }},
			{b.Match.MessageType, func(rc domain.RoutingContext) string { return rc.MessageType }},
		}
		for _, s := range specs {
			if s.pattern == "" {
				continue
			}
			m, err := compilePattern(s.pattern)
			if err != nil {
				return nil, err
			}
			extract := s.extract
			cb.fields = append(cb.fields, func(rc domain.RoutingContext) bool {
				return m(extract(rc))
			})
		}
		if len(cb.fields) == 0 {
			cb.catchAll = true
			r.catchAll = true
		}
		r.bindings = append(r.bindings, cb)
	}
	return r, nil
}

// Resolve walks the compiled bindings in declaration order and returns the
// first matching agent id.
func (r *Resolver) Resolve(msg domain.Message) (string, bool) {
	for _, cb := range r.bindings {
		if cb.matches(msg.Routing) {
			return cb.agentID, true
		}
	}
	return "", false
}

// HasCatchAll reports whether any binding matches every message. A
// catch-all binding intentionally disables channel-based routing, since
// resolution never falls through.
func (r *Resolver) HasCatchAll() bool { return r.catchAll }

func (cb compiledBinding) matches(rc domain.RoutingContext) bool {
	for _, f := range cb.fields {
		if !f(rc) {
			return false
		}
	}
	return true
}
