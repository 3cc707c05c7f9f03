package capture

import "time"

// State is where the orchestrator is in a run.
type State int

const (
	StateIdle State = iota
	StateHoming
	StateTraversing
	StateMoving
	StateBracketing
	StateResolving
	StateCorrecting
	StateSweeping
	StateRefocusing
	StateComplete
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateHoming:     "homing",
	StateTraversing: "traversing",
	StateMoving:     "moving",
	StateBracketing: "bracketing",
	StateResolving:  "resolving",
	StateCorrecting: "correcting",
	StateSweeping:   "sweeping",
	StateRefocusing: "refocusing",
	StateComplete:   "complete",
	StateCancelled:  "cancelled",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateFailed
}

// Progress is reported after every kept cell. A progress with NewSample
// set announces the next sample of a queue and carries only its name.
type Progress struct {
	Elapsed   time.Duration
	Done      int
	Total     int // 0 when unknown (core sweep)
	State     State
	Row, Col  int
	NewSample bool
	Sample    string
}

// Result summarizes a finished run.
type Result struct {
	RunID      string
	Sample     string
	Dir        string
	State      State
	CellsDone  int
	CellsTotal int
	Elapsed    time.Duration
	Err        error
}
