package grbl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// State is the machine state reported in a status line.
type State string

const (
	StateIdle    State = "Idle"
	StateRun     State = "Run"
	StateHold    State = "Hold"
	StateJog     State = "Jog"
	StateAlarm   State = "Alarm"
	StateDoor    State = "Door"
	StateCheck   State = "Check"
	StateHome    State = "Home"
	StateSleep   State = "Sleep"
	StateUnknown State = "Unknown"
)

// Moving reports whether the state means the axes may still be in motion.
// A feed hold or an open door leaves a motion pending, so both count.
func (s State) Moving() bool {
	switch s {
	case StateRun, StateJog, StateHome, StateHold, StateDoor, StateUnknown:
		return true
	}
	return false
}

// Status is one parsed "<...>" report. X, Y and Z are work coordinates
// unless MachineOnly is set.
type Status struct {
	State State
	X     float64
	Y     float64
	Z     float64

	// MachineOnly marks a report that carried MPos without WCO; the
	// position is in machine coordinates until an offset is applied.
	MachineOnly bool
	// WCO is the work coordinate offset, when the report included one.
	WCO    [3]float64
	HasWCO bool
}

// ApplyOffset converts a machine-only report to work coordinates.
func (s *Status) ApplyOffset(wco [3]float64) {
	if !s.MachineOnly {
		return
	}
	s.X -= wco[0]
	s.Y -= wco[1]
	s.Z -= wco[2]
	s.MachineOnly = false
}

var statusRe = regexp.MustCompile(`^<([A-Za-z]+)(?::\d+)?\|(.*)>$`)

// ParseStatus parses a status report such as
// <Idle|MPos:1.000,2.000,3.000|FS:0,0>.
// WPos is used as is; MPos has the WCO offset subtracted when one is
// present. GRBL sends WCO only every few reports, so an MPos report
// without one is returned with MachineOnly set; Conn.Status resolves it
// against the last offset seen.
func ParseStatus(line string) (Status, error) {
	m := statusRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Status{}, fmt.Errorf("grbl: malformed status %q", line)
	}

	st := Status{State: parseState(m[1])}
	var (
		mpos, wpos, wco []float64
		err             error
	)
	for _, field := range strings.Split(m[2], "|") {
		key, val, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		switch key {
		case "MPos":
			mpos, err = parseTriple(val)
		case "WPos":
			wpos, err = parseTriple(val)
		case "WCO":
			wco, err = parseTriple(val)
		}
		if err != nil {
			return Status{}, fmt.Errorf("grbl: status %q: %w", line, err)
		}
	}

	if wco != nil {
		st.WCO = [3]float64{wco[0], wco[1], wco[2]}
		st.HasWCO = true
	}
	switch {
	case wpos != nil:
		st.X, st.Y, st.Z = wpos[0], wpos[1], wpos[2]
	case mpos != nil && wco != nil:
		st.X, st.Y, st.Z = mpos[0]-wco[0], mpos[1]-wco[1], mpos[2]-wco[2]
	case mpos != nil:
		st.X, st.Y, st.Z = mpos[0], mpos[1], mpos[2]
		st.MachineOnly = true
	default:
		return Status{}, fmt.Errorf("grbl: status %q has no position", line)
	}
	return st, nil
}

func parseState(s string) State {
	switch st := State(s); st {
	case StateIdle, StateRun, StateHold, StateJog, StateAlarm, StateDoor, StateCheck, StateHome, StateSleep:
		return st
	}
	return StateUnknown
}

func parseTriple(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 {
		return nil, fmt.Errorf("expected 3 coordinates, got %d", len(parts))
	}
	out := make([]float64, 3)
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ParseAlarm recognizes an "ALARM:n" line.
func ParseAlarm(line string) (*AlarmError, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "ALARM:")
	if !ok {
		return nil, false
	}
	code, err := strconv.Atoi(rest)
	if err != nil {
		return nil, false
	}
	return NewAlarmError(code), true
}

// ParseError recognizes an "error:n" line.
func ParseError(line string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "error:")
	if !ok {
		return 0, false
	}
	code, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return code, true
}
