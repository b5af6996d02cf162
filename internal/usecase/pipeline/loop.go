package pipeline

import (
	"fmt"

	"agentmesh/internal/domain"
)

// LoopConfig tunes loop detection.
type LoopConfig struct {
	// RepeatThreshold is how many consecutive repetitions count as a loop.
	// Must be at least 2; a single occurrence is never a loop.
	RepeatThreshold int
	// MaxCycleLength bounds the tool-call cycle patterns considered.
	MaxCycleLength int
	// WindowSize caps retained history, counted in turns.
	WindowSize int
}

const (
	defaultRepeatThreshold = 3
	defaultMaxCycleLength  = 4
	defaultLoopWindow      = 32
)

// Detector spots runaway agent loops in tool-call and output history.
// Tool cycles are checked before output repeats, and the shortest cycle
// length wins, so an A-B-A-B pattern reports as the cycle [A B] rather
// than a longer repetition containing it.
type Detector struct {
	cfg   LoopConfig
	turns []turnRecord
}

// turnRecord is one recorded turn: its output and the tool calls it made.
type turnRecord struct {
	output string
	tools  []string
}

// NewDetector validates the config and creates a detector. Zero fields
// take defaults.
func NewDetector(cfg LoopConfig) (*Detector, error) {
	if cfg.RepeatThreshold == 0 {
		cfg.RepeatThreshold = defaultRepeatThreshold
	}
	if cfg.RepeatThreshold < 2 {
		return nil, domain.NewDomainError("NewDetector", domain.ErrInvalidInput,
			fmt.Sprintf("repeat threshold %d below minimum 2", cfg.RepeatThreshold))
	}
	if cfg.MaxCycleLength <= 0 {
		cfg.MaxCycleLength = defaultMaxCycleLength
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultLoopWindow
	}
	return &Detector{cfg: cfg}, nil
}

// RecordTurn appends one turn's tool calls and output, then checks for a
// loop. Every turn is recorded, including turns with an empty output or
// no tool calls. Returns nil when no loop is detected.
func (d *Detector) RecordTurn(output string, toolCalls []string) *domain.LoopDetection {
	d.turns = append(d.turns, turnRecord{
		output: output,
		tools:  append([]string(nil), toolCalls...),
	})
	if len(d.turns) > d.cfg.WindowSize {
		d.turns = d.turns[len(d.turns)-d.cfg.WindowSize:]
	}

	if det := d.checkToolCycle(); det != nil {
		return det
	}
	return d.checkOutputRepeat()
}

// Reset clears history, typically on user input that legitimately changes
// the task.
func (d *Detector) Reset() {
	d.turns = nil
}

// checkToolCycle flattens the windowed turns into one tool-call history
// and scans for the shortest cycle of length 1..MaxCycleLength repeated
// RepeatThreshold times at its tail.
func (d *Detector) checkToolCycle() *domain.LoopDetection {
	var flat []string
	for _, t := range d.turns {
		flat = append(flat, t.tools...)
	}
	for cycleLen := 1; cycleLen <= d.cfg.MaxCycleLength; cycleLen++ {
		span := cycleLen * d.cfg.RepeatThreshold
		if span > len(flat) {
			break
		}
		tail := flat[len(flat)-span:]
		if !isRepeatedCycle(tail, cycleLen) {
			continue
		}
		pattern := append([]string(nil), tail[:cycleLen]...)
		return &domain.LoopDetection{
			Type:         domain.LoopToolCycle,
			Repetitions:  d.cfg.RepeatThreshold,
			WindowSize:   span,
			CyclePattern: pattern,
		}
	}
	return nil
}

// checkOutputRepeat reports when the last RepeatThreshold turn outputs
// are identical.
func (d *Detector) checkOutputRepeat() *domain.LoopDetection {
	n := d.cfg.RepeatThreshold
	if len(d.turns) < n {
		return nil
	}
	tail := d.turns[len(d.turns)-n:]
	for _, t := range tail[1:] {
		if t.output != tail[0].output {
			return nil
		}
	}
	return &domain.LoopDetection{
		Type:        domain.LoopOutputRepeat,
		Repetitions: n,
		WindowSize:  n,
	}
}

// isRepeatedCycle reports whether tail is the same cycleLen-sequence
// repeated end to end.
func isRepeatedCycle(tail []string, cycleLen int) bool {
	for i := cycleLen; i < len(tail); i++ {
		if tail[i] != tail[i-cycleLen] {
			return false
		}
	}
	return true
}
