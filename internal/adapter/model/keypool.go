package model

import "sync"

// KeyRotator is implemented by providers that hold multiple credentials.
// The router rotates on auth and billing failures; rotation does not count
// against the retry budget.
type KeyRotator interface {
	// RotateKey advances to the next credential. Returns false when every
	// key has been burned, at which point the provider is out of play.
	RotateKey() bool
}

// KeyPool cycles through API keys. Each key is tried at most once per
// pool lifetime; Reset re-arms all of them.
type KeyPool struct {
	mu     sync.Mutex
	keys   []string
	cursor int
}

// NewKeyPool creates a pool over keys. An empty pool yields "".
func NewKeyPool(keys []string) *KeyPool {
	return &KeyPool{keys: append([]string(nil), keys...)}
}

// Current returns the active key.
func (p *KeyPool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return ""
	}
	return p.keys[p.cursor]
}

// Rotate advances to the next untried key. Returns false once the pool is
// exhausted.
func (p *KeyPool) Rotate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor+1 >= len(p.keys) {
		return false
	}
	p.cursor++
	return true
}

// Reset re-arms every key, typically after credentials are refreshed.
func (p *KeyPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = 0
}

// Len returns the number of keys in the pool.
func (p *KeyPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
