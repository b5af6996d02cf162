package hookbus

import (
	"log/slog"
	"sync"

	"agentmesh/internal/infra/logger"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Emitter is a typed broadcast channel for internal telemetry events such
// as model usage reports. Subscribers run synchronously in registration
// order; a panicking subscriber never disturbs the emitting code path
// beyond a log line.
type Emitter[T any] struct {
	mu     sync.Mutex
	subs   []subscriber[T]
	nextID uint64
	logger *slog.Logger
}

// NewEmitter creates an emitter.
func NewEmitter[T any](log *slog.Logger) *Emitter[T] {
	if log == nil {
		log = logger.Discard()
	}
	return &Emitter[T]{logger: log}
}

// Subscribe adds a listener and returns its disposer.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(append([]subscriber[T](nil), e.subs...), subscriber[T]{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := make([]subscriber[T], 0, len(e.subs))
		for _, s := range e.subs {
			if s.id != id {
				subs = append(subs, s)
			}
		}
		e.subs = subs
	}
}

// Emit delivers the event to every subscriber.
func (e *Emitter[T]) Emit(ev T) {
	e.mu.Lock()
	subs := e.subs
	e.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event subscriber panicked", "panic", r)
				}
			}()
			s.fn(ev)
		}()
	}
}
