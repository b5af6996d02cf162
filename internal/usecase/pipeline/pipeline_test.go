package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// traceMiddleware records lifecycle invocations and wraps tool calls with
// enter/exit markers.
type traceMiddleware struct {
	name   string
	log    *[]string
	endErr error
}

func (m *traceMiddleware) Name() string { return m.name }

func (m *traceMiddleware) OnSessionStart(_ context.Context, _ *TurnContext) error {
	*m.log = append(*m.log, m.name+":start")
	return nil
}

func (m *traceMiddleware) OnBeforeTurn(_ context.Context, _ *TurnContext) error {
	*m.log = append(*m.log, m.name+":before")
	return nil
}

func (m *traceMiddleware) OnAfterTurn(_ context.Context, _ *TurnContext) error {
	*m.log = append(*m.log, m.name+":after")
	return nil
}

func (m *traceMiddleware) OnSessionEnd(_ context.Context, _ *TurnContext) error {
	*m.log = append(*m.log, m.name+":end")
	return m.endErr
}

func (m *traceMiddleware) WrapToolCall(next ToolHandler) ToolHandler {
	return func(ctx context.Context, call ToolCall) (ToolResult, error) {
		*m.log = append(*m.log, m.name+":tool-enter")
		res, err := next(ctx, call)
		*m.log = append(*m.log, m.name+":tool-exit")
		return res, err
	}
}

func TestLifecycleRunsInRegistrationOrder(t *testing.T) {
	var log []string
	p := New(nil)
	p.Use(&traceMiddleware{name: "a", log: &log})
	p.Use(&traceMiddleware{name: "b", log: &log})

	tc := &TurnContext{SessionID: "s1"}
	ctx := context.Background()
	require.NoError(t, p.RunSessionStart(ctx, tc))
	require.NoError(t, p.RunBeforeTurn(ctx, tc))
	require.NoError(t, p.RunAfterTurn(ctx, tc))
	require.NoError(t, p.RunSessionEnd(ctx, tc))

	assert.Equal(t, []string{
		"a:start", "b:start",
		"a:before", "b:before",
		"a:after", "b:after",
		"a:end", "b:end",
	}, log)
}

func TestWrapToolFirstRegisteredOutermost(t *testing.T) {
	var log []string
	p := New(nil)
	p.Use(&traceMiddleware{name: "outer", log: &log})
	p.Use(&traceMiddleware{name: "inner", log: &log})

	handler := p.WrapTool(func(context.Context, ToolCall) (ToolResult, error) {
		log = append(log, "base")
		return ToolResult{Content: "ok"}, nil
	})

	res, err := handler(context.Background(), ToolCall{Name: "read"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, []string{
		"outer:tool-enter", "inner:tool-enter", "base",
		"inner:tool-exit", "outer:tool-exit",
	}, log)
}

func TestSessionEndBestEffort(t *testing.T) {
	var log []string
	p := New(nil)
	p.Use(&traceMiddleware{name: "a", log: &log, endErr: fmt.Errorf("a cleanup failed")})
	p.Use(&traceMiddleware{name: "b", log: &log})

	err := p.RunSessionEnd(context.Background(), &TurnContext{SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, log, "b:end")
}

type beforeFailMiddleware struct{ traceMiddleware }

func (m *beforeFailMiddleware) OnBeforeTurn(context.Context, *TurnContext) error {
	return fmt.Errorf("veto")
}

func TestBeforeTurnErrorAborts(t *testing.T) {
	var log []string
	p := New(nil)
	p.Use(&beforeFailMiddleware{traceMiddleware{name: "veto", log: &log}})
	p.Use(&traceMiddleware{name: "late", log: &log})

	err := p.RunBeforeTurn(context.Background(), &TurnContext{})
	require.Error(t, err)
	assert.NotContains(t, log, "late:before")
}

func TestTurnContextMetadataMerge(t *testing.T) {
	tc := &TurnContext{}
	tc.SetMeta("channel", "slack")
	tc.MergeMeta(map[string]any{"channel": "discord", "peer": "p1"})

	assert.Equal(t, "discord", tc.Metadata["channel"])
	assert.Equal(t, "p1", tc.Metadata["peer"])
}
