package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentmesh/internal/domain"
	"agentmesh/internal/infra/logger"
)

// StopError signals that execution limits ended a session. Callers
// unwrap it to report the stop reason to the peer.
type StopError struct {
	Reason domain.StopReason
}

func (e *StopError) Error() string {
	return fmt.Sprintf("execution stopped: %s (%s)", e.Reason.Kind, e.Reason.Detail)
}

// AsStop extracts a StopError from err, if any.
func AsStop(err error) (*StopError, bool) {
	var se *StopError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// LimitsConfig bounds a session's execution.
type LimitsConfig struct {
	MaxIterations int           // turns per session, 0 = unlimited
	MaxDuration   time.Duration // wall clock per session, 0 = unlimited
	BudgetTokens  int           // total usage tokens, 0 = unlimited
	Loop          LoopConfig
}

type sessionLimits struct {
	startedAt   time.Time
	iterations  int
	tokens      int
	detector    *Detector
	pendingLoop *domain.LoopDetection
}

// Limits is the execution-limits middleware. Checks run before each turn
// in a fixed order: iteration cap, wall-clock timeout, detected loop,
// token budget. Loop detection feeds from the previous turn's record.
type Limits struct {
	cfg    LimitsConfig
	mu     sync.Mutex
	state  map[string]*sessionLimits
	logger *slog.Logger
	now    func() time.Time
}

// NewLimits validates the config and creates the middleware.
func NewLimits(cfg LimitsConfig, log *slog.Logger) (*Limits, error) {
	// Validate loop config up front so a bad threshold fails at startup.
	if _, err := NewDetector(cfg.Loop); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Limits{
		cfg:    cfg,
		state:  make(map[string]*sessionLimits),
		logger: log,
		now:    time.Now,
	}, nil
}

func (l *Limits) Name() string { return "execution-limits" }

// OnSessionStart initializes per-session counters and a fresh detector.
func (l *Limits) OnSessionStart(_ context.Context, tc *TurnContext) error {
	det, err := NewDetector(l.cfg.Loop)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state[tc.SessionID] = &sessionLimits{startedAt: l.now(), detector: det}
	return nil
}

// OnBeforeTurn enforces the limits. A crossed limit returns a StopError
// carrying the stop reason.
func (l *Limits) OnBeforeTurn(_ context.Context, tc *TurnContext) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.state[tc.SessionID]
	if !ok {
		s = &sessionLimits{startedAt: l.now()}
		det, err := NewDetector(l.cfg.Loop)
		if err != nil {
			return err
		}
		s.detector = det
		l.state[tc.SessionID] = s
	}
	s.iterations++
	tc.TurnNumber = s.iterations

	if l.cfg.MaxIterations > 0 && s.iterations > l.cfg.MaxIterations {
		return &StopError{Reason: domain.StopReason{
			Kind:   domain.StopIterationLimit,
			Detail: fmt.Sprintf("turn %d exceeds limit %d", s.iterations, l.cfg.MaxIterations),
		}}
	}
	if l.cfg.MaxDuration > 0 && l.now().Sub(s.startedAt) > l.cfg.MaxDuration {
		return &StopError{Reason: domain.StopReason{
			Kind:   domain.StopTimeout,
			Detail: fmt.Sprintf("session ran past %s", l.cfg.MaxDuration),
		}}
	}
	if s.pendingLoop != nil {
		det := s.pendingLoop
		return &StopError{Reason: domain.StopReason{
			Kind:      domain.StopLoopDetected,
			Detail:    string(det.Type),
			Detection: det,
		}}
	}
	if l.cfg.BudgetTokens > 0 && s.tokens >= l.cfg.BudgetTokens {
		return &StopError{Reason: domain.StopReason{
			Kind:   domain.StopBudgetExhausted,
			Detail: fmt.Sprintf("used %d of %d tokens", s.tokens, l.cfg.BudgetTokens),
		}}
	}
	return nil
}

// OnAfterTurn records the turn into the loop detector and accumulates
// token usage. A detected loop stops the next turn, not this one.
func (l *Limits) OnAfterTurn(_ context.Context, tc *TurnContext) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.state[tc.SessionID]
	if !ok {
		return nil
	}
	s.tokens += tc.UsageTokens
	if det := s.detector.RecordTurn(tc.Output, tc.ToolCalls); det != nil {
		l.logger.Warn("loop detected",
			"session_id", tc.SessionID, "type", det.Type, "pattern", det.CyclePattern)
		s.pendingLoop = det
	}
	return nil
}

// OnSessionEnd drops per-session state.
func (l *Limits) OnSessionEnd(_ context.Context, tc *TurnContext) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state, tc.SessionID)
	return nil
}

// ResetLoop clears the session's loop history, used when fresh user input
// redirects the task.
func (l *Limits) ResetLoop(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.state[sessionID]; ok {
		s.detector.Reset()
		s.pendingLoop = nil
	}
}
