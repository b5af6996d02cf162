package domain

// StopKind discriminates why a turn loop was terminated.
type StopKind string

const (
	StopIterationLimit  StopKind = "iteration_limit"
	StopTimeout         StopKind = "timeout"
	StopLoopDetected    StopKind = "loop_detected"
	StopBudgetExhausted StopKind = "budget_exhausted"
)

// LoopKind discriminates loop detections.
type LoopKind string

const (
	LoopOutputRepeat LoopKind = "output_repeat"
	LoopToolCycle    LoopKind = "tool_cycle"
)

// LoopDetection describes a detected repetition in agent output or tool use.
type LoopDetection struct {
	Type         LoopKind `json:"type"`
	Repetitions  int      `json:"repetitions"`
	WindowSize   int      `json:"window_size"`
	CyclePattern []string `json:"cycle_pattern,omitempty"` // tool_cycle only
}

// StopReason is the terminal output of a turn that hit an execution limit.
type StopReason struct {
	Kind      StopKind       `json:"kind"`
	Detail    string         `json:"detail,omitempty"`
	Detection *LoopDetection `json:"detection,omitempty"` // loop_detected only
}
