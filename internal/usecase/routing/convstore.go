package routing

import (
	"sync"

	"agentmesh/internal/infra/immutable"
)

// ThresholdHandler is notified once when the store's size crosses the soft
// threshold, and re-armed after the size drops below it again.
type ThresholdHandler func(size, threshold int)

// ConversationStore maps conversation keys to node ids. Capacity is capped
// with oldest-first eviction. Bindings re-home automatically: Bind on an
// existing key overwrites the node and refreshes recency.
type ConversationStore struct {
	mu        sync.Mutex
	bindings  map[string]string // conversationKey -> nodeID
	order     []string          // insertion order, oldest first
	cap       int
	soft      int
	onWarn    ThresholdHandler
	warnFired bool
}

const defaultConversationCap = 4096

// NewConversationStore creates a store holding at most capacity bindings.
// softThreshold of 0 disables the warning handler.
func NewConversationStore(capacity, softThreshold int, onWarn ThresholdHandler) *ConversationStore {
	if capacity <= 0 {
		capacity = defaultConversationCap
	}
	return &ConversationStore{
		bindings: map[string]string{},
		cap:      capacity,
		soft:     softThreshold,
		onWarn:   onWarn,
	}
}

// Bind maps key to nodeID, evicting the oldest binding when full.
func (s *ConversationStore) Bind(key, nodeID string) {
	s.mu.Lock()

	if _, exists := s.bindings[key]; exists {
		s.bindings = immutable.MapSet(s.bindings, key, nodeID)
		s.refreshLocked(key)
		s.mu.Unlock()
		return
	}

	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		s.bindings = immutable.MapDelete(s.bindings, oldest)
	}

	s.bindings = immutable.MapSet(s.bindings, key, nodeID)
	s.order = append(s.order, key)

	var warn ThresholdHandler
	size := len(s.order)
	if s.soft > 0 && size >= s.soft && !s.warnFired {
		s.warnFired = true
		warn = s.onWarn
	}
	s.mu.Unlock()

	if warn != nil {
		warn(size, s.soft)
	}
}

// Lookup returns the bound node for key.
func (s *ConversationStore) Lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodeID, ok := s.bindings[key]
	return nodeID, ok
}

// RemoveNode drops every binding pointing at nodeID.
func (s *ConversationStore) RemoveNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bindings = immutable.MapFilter(s.bindings, func(_ string, v string) bool {
		return v != nodeID
	})
	kept := s.order[:0]
	for _, k := range s.order {
		if _, ok := s.bindings[k]; ok {
			kept = append(kept, k)
		}
	}
	s.order = kept
	if s.soft > 0 && len(s.order) < s.soft {
		s.warnFired = false
	}
}

// Len returns the number of live bindings.
func (s *ConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// refreshLocked moves key to the newest position.
func (s *ConversationStore) refreshLocked(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(append(s.order[:i:i], s.order[i+1:]...), key)
			return
		}
	}
}
