package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/domain"
)

func startSession(t *testing.T, l *Limits, sessionID string) *TurnContext {
	t.Helper()
	tc := &TurnContext{SessionID: sessionID}
	require.NoError(t, l.OnSessionStart(context.Background(), tc))
	return tc
}

func TestLimitsIterationCap(t *testing.T) {
	l, err := NewLimits(LimitsConfig{MaxIterations: 2}, nil)
	require.NoError(t, err)
	tc := startSession(t, l, "s1")
	ctx := context.Background()

	require.NoError(t, l.OnBeforeTurn(ctx, tc))
	require.NoError(t, l.OnBeforeTurn(ctx, tc))

	err = l.OnBeforeTurn(ctx, tc)
	stop, ok := AsStop(err)
	require.True(t, ok)
	assert.Equal(t, domain.StopIterationLimit, stop.Reason.Kind)
}

func TestLimitsTimeout(t *testing.T) {
	l, err := NewLimits(LimitsConfig{MaxDuration: time.Minute}, nil)
	require.NoError(t, err)

	base := time.Now()
	l.now = func() time.Time { return base }
	tc := startSession(t, l, "s1")
	require.NoError(t, l.OnBeforeTurn(context.Background(), tc))

	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	err = l.OnBeforeTurn(context.Background(), tc)
	stop, ok := AsStop(err)
	require.True(t, ok)
	assert.Equal(t, domain.StopTimeout, stop.Reason.Kind)
}

func TestLimitsIterationCheckedBeforeTimeout(t *testing.T) {
	l, err := NewLimits(LimitsConfig{MaxIterations: 1, MaxDuration: time.Minute}, nil)
	require.NoError(t, err)

	base := time.Now()
	l.now = func() time.Time { return base }
	tc := startSession(t, l, "s1")
	require.NoError(t, l.OnBeforeTurn(context.Background(), tc))

	// Both limits crossed; iteration wins.
	l.now = func() time.Time { return base.Add(time.Hour) }
	err = l.OnBeforeTurn(context.Background(), tc)
	stop, ok := AsStop(err)
	require.True(t, ok)
	assert.Equal(t, domain.StopIterationLimit, stop.Reason.Kind)
}

func TestLimitsLoopStopsNextTurn(t *testing.T) {
	l, err := NewLimits(LimitsConfig{Loop: LoopConfig{RepeatThreshold: 2, MaxCycleLength: 2}}, nil)
	require.NoError(t, err)
	tc := startSession(t, l, "s1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, l.OnBeforeTurn(ctx, tc))
		tc.ToolCalls = []string{"search"}
		require.NoError(t, l.OnAfterTurn(ctx, tc))
	}

	err = l.OnBeforeTurn(ctx, tc)
	stop, ok := AsStop(err)
	require.True(t, ok)
	assert.Equal(t, domain.StopLoopDetected, stop.Reason.Kind)
	require.NotNil(t, stop.Reason.Detection)
	assert.Equal(t, domain.LoopToolCycle, stop.Reason.Detection.Type)
	assert.Equal(t, []string{"search"}, stop.Reason.Detection.CyclePattern)
}

func TestLimitsResetLoopClearsPendingStop(t *testing.T) {
	l, err := NewLimits(LimitsConfig{Loop: LoopConfig{RepeatThreshold: 2, MaxCycleLength: 2}}, nil)
	require.NoError(t, err)
	tc := startSession(t, l, "s1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, l.OnBeforeTurn(ctx, tc))
		tc.ToolCalls = []string{"search"}
		require.NoError(t, l.OnAfterTurn(ctx, tc))
	}

	l.ResetLoop("s1")
	assert.NoError(t, l.OnBeforeTurn(ctx, tc))
}

func TestLimitsBudgetExhausted(t *testing.T) {
	l, err := NewLimits(LimitsConfig{BudgetTokens: 100}, nil)
	require.NoError(t, err)
	tc := startSession(t, l, "s1")
	ctx := context.Background()

	require.NoError(t, l.OnBeforeTurn(ctx, tc))
	tc.UsageTokens = 150
	require.NoError(t, l.OnAfterTurn(ctx, tc))

	err = l.OnBeforeTurn(ctx, tc)
	stop, ok := AsStop(err)
	require.True(t, ok)
	assert.Equal(t, domain.StopBudgetExhausted, stop.Reason.Kind)
}

func TestLimitsSessionEndClearsState(t *testing.T) {
	l, err := NewLimits(LimitsConfig{MaxIterations: 1}, nil)
	require.NoError(t, err)
	tc := startSession(t, l, "s1")
	ctx := context.Background()

	require.NoError(t, l.OnBeforeTurn(ctx, tc))
	require.Error(t, l.OnBeforeTurn(ctx, tc))
	require.NoError(t, l.OnSessionEnd(ctx, tc))

	// Fresh session, fresh counters.
	tc2 := startSession(t, l, "s1")
	assert.NoError(t, l.OnBeforeTurn(ctx, tc2))
}

func TestLimitsSessionsIndependent(t *testing.T) {
	l, err := NewLimits(LimitsConfig{MaxIterations: 1}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	tc1 := startSession(t, l, "s1")
	tc2 := startSession(t, l, "s2")

	require.NoError(t, l.OnBeforeTurn(ctx, tc1))
	require.Error(t, l.OnBeforeTurn(ctx, tc1))
	assert.NoError(t, l.OnBeforeTurn(ctx, tc2))
}
