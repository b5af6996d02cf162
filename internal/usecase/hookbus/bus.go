// Package hookbus implements the priority-ordered hook dispatcher.
// Interceptor events waterfall data through handlers that may block or
// modify it; observer events are fire-and-forget with error isolation.
package hookbus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agentmesh/internal/domain"
	"agentmesh/internal/infra/logger"
)

// Action is an interceptor handler's verdict.
type Action string

const (
	ActionContinue Action = "continue"
	ActionModify   Action = "modify"
	ActionBlock    Action = "block"
)

// Result is what an interceptor handler returns. Use the Continue, Modify
// and Block constructors; any other shape fails runtime validation.
type Result struct {
	Action Action
	Data   any    // modify only
	Reason string // block only
}

// Continue passes the current data through unchanged.
func Continue() Result { return Result{Action: ActionContinue} }

// Modify threads new data into the next handler.
func Modify(data any) Result { return Result{Action: ActionModify, Data: data} }

// Block short-circuits the emit with a reason.
func Block(reason string) Result { return Result{Action: ActionBlock, Reason: reason} }

// Handler handles one hook invocation. Observer emits ignore the Result.
type Handler func(ctx context.Context, data any) (Result, error)

// MatchFunc gates a handler on event data. A false match skips the handler
// without consuming a once registration.
type MatchFunc func(data any) bool

// Options configures a handler registration.
type Options struct {
	Priority int           // lower runs first; ties resolve by insertion order
	Timeout  time.Duration // per-invocation cap; 0 uses the bus default
	Once     bool          // remove after the first invocation that fires
	Match    MatchFunc     // optional predicate
}

// EmitResult is the outcome of an interceptor emit.
type EmitResult struct {
	Blocked bool
	Reason  string // block reason, when Blocked
	Data    any    // final waterfalled data (or data at time of block)
}

type entry struct {
	id       uint64
	handler  Handler
	priority int
	timeout  time.Duration
	once     bool
	match    MatchFunc
	seq      uint64 // insertion order, breaks priority ties
}

// ObserverErrorFunc receives errors from observer handlers, which never
// abort the chain.
type ObserverErrorFunc func(event string, err error)

// Config tunes the bus.
type Config struct {
	DefaultTimeout time.Duration // per-handler default, 0 = 5s
	MaxDepth       int           // emit nesting cap, 0 = 8
}

const (
	defaultHandlerTimeout = 5 * time.Second
	defaultMaxDepth       = 8
)

// Bus is the hook dispatcher. Handler lists are immutable values replaced
// on every registration change, so an in-flight emit iterates a stable
// snapshot.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]*entry
	nextID   uint64
	nextSeq  uint64
	cfg      Config
	onObsErr ObserverErrorFunc
	logger   *slog.Logger
}

// New creates a hook bus.
func New(cfg Config, log *slog.Logger) *Bus {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHandlerTimeout
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Bus{
		handlers: make(map[string][]*entry),
		cfg:      cfg,
		logger:   log,
	}
}

// OnObserverError sets the observer error callback. Without one, observer
// errors are logged.
func (b *Bus) OnObserverError(f ObserverErrorFunc) { b.onObsErr = f }

// On registers a handler for event and returns its disposer.
func (b *Bus) On(event string, h Handler, opts Options) func() {
	b.mu.Lock()
	b.nextID++
	b.nextSeq++
	e := &entry{
		id:       b.nextID,
		handler:  h,
		priority: opts.Priority,
		timeout:  opts.Timeout,
		once:     opts.Once,
		match:    opts.Match,
		seq:      b.nextSeq,
	}
	list := append(append([]*entry(nil), b.handlers[event]...), e)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	b.handlers[event] = list
	b.mu.Unlock()

	id := e.id
	return func() { b.remove(event, id) }
}

// Once registers a handler removed after its first invocation that fires.
// A non-matching predicate does not consume the registration; a handler
// error does.
func (b *Bus) Once(event string, h Handler, opts Options) func() {
	opts.Once = true
	return b.On(event, h, opts)
}

func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.handlers[event]
	list := make([]*entry, 0, len(old))
	for _, e := range old {
		if e.id != id {
			list = append(list, e)
		}
	}
	b.handlers[event] = list
}

func (b *Bus) snapshot(event string) []*entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[event]
}

type depthKey struct{}

// depth returns the emit nesting depth stored in ctx.
func depth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// enter increments the emit depth, failing when the cap is crossed.
// Depth lives in the context so concurrent emits in unrelated tasks have
// independent counters.
func (b *Bus) enter(ctx context.Context, event string) (context.Context, error) {
	d := depth(ctx) + 1
	if d > b.cfg.MaxDepth {
		return nil, domain.NewDomainError("Bus.Emit", domain.ErrReentrancy,
			fmt.Sprintf("event %s at depth %d", event, d))
	}
	return context.WithValue(ctx, depthKey{}, d), nil
}

// EmitInterceptor runs event's handlers in priority order, waterfalling
// data. A modify result threads new data into the next handler; a block
// short-circuits. Handler errors, timeouts and invalid results abort the
// emit with an execution error identifying the event.
func (b *Bus) EmitInterceptor(ctx context.Context, event string, data any) (EmitResult, error) {
	ctx, err := b.enter(ctx, event)
	if err != nil {
		return EmitResult{}, err
	}

	current := data
	for _, e := range b.snapshot(event) {
		if e.match != nil && !e.match(current) {
			continue
		}

		res, err := b.invoke(ctx, e, current)
		if e.once {
			b.remove(event, e.id)
		}
		if err != nil {
			return EmitResult{}, fmt.Errorf("hook %s: %w", event, err)
		}

		switch res.Action {
		case ActionContinue:
		case ActionModify:
			current = res.Data
		case ActionBlock:
			return EmitResult{Blocked: true, Reason: res.Reason, Data: current}, nil
		default:
			return EmitResult{}, domain.NewDomainError("Bus.EmitInterceptor", domain.ErrHookResult,
				fmt.Sprintf("event %s returned action %q", event, res.Action))
		}
	}
	return EmitResult{Data: current}, nil
}

// EmitObserver runs event's handlers in priority order. Handler errors do
// not abort the chain; they go to the observer error callback. Only the
// re-entrancy check propagates.
func (b *Bus) EmitObserver(ctx context.Context, event string, data any) error {
	ctx, err := b.enter(ctx, event)
	if err != nil {
		return err
	}

	for _, e := range b.snapshot(event) {
		if e.match != nil && !e.match(data) {
			continue
		}

		_, err := b.invoke(ctx, e, data)
		if e.once {
			b.remove(event, e.id)
		}
		if err != nil {
			if b.onObsErr != nil {
				b.onObsErr(event, err)
			} else {
				b.logger.Warn("observer hook failed", "event", event, "error", err)
			}
		}
	}
	return nil
}

type outcome struct {
	res Result
	err error
}

// invoke races the handler against its timeout and the caller's
// cancellation. A cancelled or timed-out handler counts as fired.
func (b *Bus) invoke(ctx context.Context, e *entry, data any) (Result, error) {
	timeout := e.timeout
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		res, err := e.handler(hctx, data)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return Result{}, domain.WrapOp("hook handler", domain.ErrCancelled)
		}
		return Result{}, domain.ErrHookTimeout
	}
}
