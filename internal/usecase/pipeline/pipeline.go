// Package pipeline runs registered middleware around agent turns. Lifecycle
// hooks run in registration order; tool-call wrappers compose as an onion
// with the first registration outermost.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"agentmesh/internal/infra/logger"
	"agentmesh/internal/infra/tracer"
)

// TurnContext carries per-turn state through the middleware chain.
// Middleware may mutate Output, append Metadata and record tool calls.
type TurnContext struct {
	SessionID   string
	TurnNumber  int
	Input       string
	Output      string
	ToolCalls   []string
	UsageTokens int
	Metadata    map[string]any
}

// SetMeta attaches a metadata value, allocating the map on first use.
func (tc *TurnContext) SetMeta(key string, value any) {
	if tc.Metadata == nil {
		tc.Metadata = make(map[string]any)
	}
	tc.Metadata[key] = value
}

// MergeMeta copies values in, later writers winning on key conflicts.
func (tc *TurnContext) MergeMeta(m map[string]any) {
	for k, v := range m {
		tc.SetMeta(k, v)
	}
}

// ToolCall is one tool invocation passing through the wrapper chain.
type ToolCall struct {
	Name string
	Args map[string]any
}

// ToolResult is a tool invocation's outcome.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolHandler executes a tool call.
type ToolHandler func(ctx context.Context, call ToolCall) (ToolResult, error)

// Middleware marks a pipeline participant. Implementations opt into
// lifecycle stages by also implementing the stage interfaces below.
type Middleware interface {
	Name() string
}

// SessionStarter runs when a session begins, before any turn.
type SessionStarter interface {
	OnSessionStart(ctx context.Context, tc *TurnContext) error
}

// BeforeTurn runs before each turn. An error aborts the turn.
type BeforeTurn interface {
	OnBeforeTurn(ctx context.Context, tc *TurnContext) error
}

// AfterTurn runs after each turn completes.
type AfterTurn interface {
	OnAfterTurn(ctx context.Context, tc *TurnContext) error
}

// SessionEnder runs when a session ends. Best effort: every registered
// ender runs even when earlier ones fail.
type SessionEnder interface {
	OnSessionEnd(ctx context.Context, tc *TurnContext) error
}

// ToolWrapper intercepts tool calls made during a turn.
type ToolWrapper interface {
	WrapToolCall(next ToolHandler) ToolHandler
}

// Pipeline holds the middleware chain.
type Pipeline struct {
	mu     sync.Mutex
	chain  []Middleware
	logger *slog.Logger
}

// New creates an empty pipeline.
func New(log *slog.Logger) *Pipeline {
	if log == nil {
		log = logger.Discard()
	}
	return &Pipeline{logger: log}
}

// Use appends a middleware. Registration order is execution order for
// lifecycle hooks and outermost-first order for tool wrappers.
func (p *Pipeline) Use(mw Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chain = append(append([]Middleware(nil), p.chain...), mw)
}

func (p *Pipeline) snapshot() []Middleware {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chain
}

// RunSessionStart invokes every SessionStarter in order. The first error
// aborts the session start.
func (p *Pipeline) RunSessionStart(ctx context.Context, tc *TurnContext) error {
	for _, mw := range p.snapshot() {
		s, ok := mw.(SessionStarter)
		if !ok {
			continue
		}
		if err := s.OnSessionStart(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

// RunBeforeTurn invokes every BeforeTurn in order. The first error aborts
// the turn; stop-limit middleware signals through a StopError here.
func (p *Pipeline) RunBeforeTurn(ctx context.Context, tc *TurnContext) error {
	ctx, span := tracer.StartSpan(ctx, "pipeline.before_turn",
		trace.WithAttributes(
			tracer.StringAttr("session.id", tc.SessionID),
			tracer.IntAttr("session.turn", tc.TurnNumber),
		),
	)
	defer span.End()

	for _, mw := range p.snapshot() {
		b, ok := mw.(BeforeTurn)
		if !ok {
			continue
		}
		if err := b.OnBeforeTurn(ctx, tc); err != nil {
			tracer.RecordError(span, err)
			return err
		}
	}
	return nil
}

// RunAfterTurn invokes every AfterTurn in order.
func (p *Pipeline) RunAfterTurn(ctx context.Context, tc *TurnContext) error {
	ctx, span := tracer.StartSpan(ctx, "pipeline.after_turn",
		trace.WithAttributes(
			tracer.StringAttr("session.id", tc.SessionID),
			tracer.IntAttr("session.turn", tc.TurnNumber),
		),
	)
	defer span.End()

	for _, mw := range p.snapshot() {
		a, ok := mw.(AfterTurn)
		if !ok {
			continue
		}
		if err := a.OnAfterTurn(ctx, tc); err != nil {
			tracer.RecordError(span, err)
			return err
		}
	}
	return nil
}

// RunSessionEnd invokes every SessionEnder in order, continuing past
// failures so cleanup always gets its chance. Returns the joined errors.
func (p *Pipeline) RunSessionEnd(ctx context.Context, tc *TurnContext) error {
	var errs []error
	for _, mw := range p.snapshot() {
		e, ok := mw.(SessionEnder)
		if !ok {
			continue
		}
		if err := e.OnSessionEnd(ctx, tc); err != nil {
			p.logger.Warn("session end middleware failed",
				"middleware", mw.Name(), "session_id", tc.SessionID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WrapTool composes the tool wrappers around base. The first registered
// wrapper sees the call first and the result last.
func (p *Pipeline) WrapTool(base ToolHandler) ToolHandler {
	chain := p.snapshot()
	handler := base
	for i := len(chain) - 1; i >= 0; i-- {
		if w, ok := chain[i].(ToolWrapper); ok {
			handler = w.WrapToolCall(handler)
		}
	}
	return handler
}
