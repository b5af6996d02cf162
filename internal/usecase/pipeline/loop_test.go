package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/domain"
)

func TestDetectorRejectsLowThreshold(t *testing.T) {
	_, err := NewDetector(LoopConfig{RepeatThreshold: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDetectorToolCycleShortestWins(t *testing.T) {
	d, err := NewDetector(LoopConfig{RepeatThreshold: 3, MaxCycleLength: 4})
	require.NoError(t, err)

	// read,read,read is a length-1 cycle repeated three times.
	var det *domain.LoopDetection
	for i := 0; i < 3; i++ {
		det = d.RecordTurn("", []string{"read"})
	}
	require.NotNil(t, det)
	assert.Equal(t, domain.LoopToolCycle, det.Type)
	assert.Equal(t, []string{"read"}, det.CyclePattern)
	assert.Equal(t, 3, det.Repetitions)
}

func TestDetectorAlternatingToolCycle(t *testing.T) {
	d, err := NewDetector(LoopConfig{RepeatThreshold: 3, MaxCycleLength: 4})
	require.NoError(t, err)

	// search,fetch repeated three times: a length-2 cycle.
	var det *domain.LoopDetection
	for i := 0; i < 3; i++ {
		det = d.RecordTurn("", []string{"search", "fetch"})
	}
	require.NotNil(t, det)
	assert.Equal(t, []string{"search", "fetch"}, det.CyclePattern)
	assert.Equal(t, 6, det.WindowSize)
}

func TestDetectorNoCycleOnVariedTools(t *testing.T) {
	d, err := NewDetector(LoopConfig{RepeatThreshold: 2, MaxCycleLength: 3})
	require.NoError(t, err)

	assert.Nil(t, d.RecordTurn("one", []string{"a", "b", "c"}))
	assert.Nil(t, d.RecordTurn("two", []string{"d", "e", "f"}))
}

func TestDetectorWindowCountsTurnsNotToolCalls(t *testing.T) {
	// A two-tool cycle at threshold 3 needs six flat tool calls in view;
	// a five-turn window holds them with room to spare.
	d, err := NewDetector(LoopConfig{RepeatThreshold: 3, MaxCycleLength: 4, WindowSize: 5})
	require.NoError(t, err)

	assert.Nil(t, d.RecordTurn("step 1", []string{"search", "analyze"}))
	assert.Nil(t, d.RecordTurn("step 2", []string{"search", "analyze"}))
	det := d.RecordTurn("step 3", []string{"search", "analyze"})
	require.NotNil(t, det)
	assert.Equal(t, domain.LoopToolCycle, det.Type)
	assert.Equal(t, []string{"search", "analyze"}, det.CyclePattern)
	assert.Equal(t, 6, det.WindowSize)
}

func TestDetectorForgetsTurnsBeyondWindow(t *testing.T) {
	d, err := NewDetector(LoopConfig{RepeatThreshold: 2, MaxCycleLength: 1, WindowSize: 2})
	require.NoError(t, err)

	assert.Nil(t, d.RecordTurn("a", []string{"read"}))
	assert.Nil(t, d.RecordTurn("b", nil))
	// The first turn's read has slid out of the window, so a single new
	// read is not yet a repeated cycle.
	assert.Nil(t, d.RecordTurn("c", []string{"read"}))
}

func TestDetectorOutputRepeat(t *testing.T) {
	d, err := NewDetector(LoopConfig{RepeatThreshold: 3})
	require.NoError(t, err)

	assert.Nil(t, d.RecordTurn("same answer", nil))
	assert.Nil(t, d.RecordTurn("same answer", nil))
	det := d.RecordTurn("same answer", nil)
	require.NotNil(t, det)
	assert.Equal(t, domain.LoopOutputRepeat, det.Type)
	assert.Equal(t, 3, det.Repetitions)
}

func TestDetectorToolCycleCheckedBeforeOutputRepeat(t *testing.T) {
	d, err := NewDetector(LoopConfig{RepeatThreshold: 2, MaxCycleLength: 2})
	require.NoError(t, err)

	// Both signals trip simultaneously: same output and same tool each turn.
	assert.Nil(t, d.RecordTurn("done", []string{"noop"}))
	det := d.RecordTurn("done", []string{"noop"})
	require.NotNil(t, det)
	assert.Equal(t, domain.LoopToolCycle, det.Type)
}

func TestDetectorResetClearsHistory(t *testing.T) {
	d, err := NewDetector(LoopConfig{RepeatThreshold: 2})
	require.NoError(t, err)

	assert.Nil(t, d.RecordTurn("x", nil))
	d.Reset()
	assert.Nil(t, d.RecordTurn("x", nil))
}

func TestDetectorEmptyOutputsRepeat(t *testing.T) {
	// Every turn is recorded, empty output included.
	d, err := NewDetector(LoopConfig{RepeatThreshold: 3})
	require.NoError(t, err)

	assert.Nil(t, d.RecordTurn("", nil))
	assert.Nil(t, d.RecordTurn("", nil))
	det := d.RecordTurn("", nil)
	require.NotNil(t, det)
	assert.Equal(t, domain.LoopOutputRepeat, det.Type)
}
