package grbl

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a command is issued without an open link.
	ErrNotConnected = errors.New("grbl: not connected")

	// ErrClosed is returned by reads and writes after Close.
	ErrClosed = errors.New("grbl: connection closed")

	// ErrTimeout is returned when a reply does not arrive in time.
	ErrTimeout = errors.New("grbl: timed out waiting for reply")
)

// AlarmCategory groups alarm codes by what the operator has to do about them.
type AlarmCategory int

const (
	AlarmOther AlarmCategory = iota
	AlarmHardLimit
	AlarmSoftLimit
	AlarmAbortCycle
	AlarmProbe
	AlarmHoming
)

func (c AlarmCategory) String() string {
	switch c {
	case AlarmHardLimit:
		return "hard limit"
	case AlarmSoftLimit:
		return "soft limit"
	case AlarmAbortCycle:
		return "reset during motion"
	case AlarmProbe:
		return "probe"
	case AlarmHoming:
		return "homing"
	default:
		return "other"
	}
}

var (
	// AlarmCodes maps GRBL v1.1 ALARM:n codes to their description.
	AlarmCodes = map[int]string{
		1:  "HARD LIMIT TRIGGERED, POSITION LIKELY LOST",
		2:  "SOFT LIMIT, TARGET EXCEEDS MACHINE TRAVEL",
		3:  "RESET WHILE IN MOTION, POSITION LIKELY LOST",
		4:  "PROBE FAIL, NOT IN EXPECTED INITIAL STATE",
		5:  "PROBE FAIL, DID NOT CONTACT WORKPIECE",
		6:  "HOMING FAIL, RESET DURING ACTIVE HOMING CYCLE",
		7:  "HOMING FAIL, SAFETY DOOR OPENED DURING HOMING",
		8:  "HOMING FAIL, PULL-OFF FAILED TO CLEAR LIMIT SWITCH",
		9:  "HOMING FAIL, LIMIT SWITCH NOT FOUND",
		10: "HOMING FAIL, SECOND DUAL AXIS SWITCH NOT FOUND",
	}

	// ErrorCodes maps GRBL v1.1 error:n codes to their description.
	ErrorCodes = map[int]string{
		1:  "G-CODE WORD MISSING A LETTER",
		2:  "NUMERIC VALUE FORMAT NOT VALID",
		3:  "GRBL '$' SYSTEM COMMAND NOT RECOGNIZED",
		4:  "NEGATIVE VALUE RECEIVED FOR AN EXPECTED POSITIVE VALUE",
		5:  "HOMING CYCLE NOT ENABLED",
		6:  "MINIMUM STEP PULSE TIME MUST BE GREATER THAN 3USEC",
		7:  "EEPROM READ FAILED, RESTORED DEFAULTS",
		8:  "'$' COMMAND REQUIRES IDLE STATE",
		9:  "G-CODE LOCKED OUT DURING ALARM OR JOG STATE",
		10: "SOFT LIMITS REQUIRE HOMING TO BE ENABLED",
		11: "MAX CHARACTERS PER LINE EXCEEDED",
		12: "STEP RATE EXCEEDS MAXIMUM",
		13: "SAFETY DOOR OPENED",
		14: "BUILD INFO OR STARTUP LINE TOO LONG",
		15: "JOG TARGET EXCEEDS MACHINE TRAVEL",
		16: "JOG COMMAND HAS NO '=' OR CONTAINS PROHIBITED G-CODE",
		17: "LASER MODE REQUIRES PWM OUTPUT",
		20: "UNSUPPORTED OR INVALID G-CODE COMMAND",
		21: "MORE THAN ONE G-CODE COMMAND FROM SAME MODAL GROUP",
		22: "FEED RATE NOT SET",
		23: "G-CODE COMMAND REQUIRES AN INTEGER VALUE",
		24: "MORE THAN ONE G-CODE COMMAND REQUIRING AXIS WORDS",
		25: "REPEATED G-CODE WORD",
		26: "NO AXIS WORDS FOUND IN COMMAND BLOCK",
		27: "LINE NUMBER VALUE IS INVALID",
		28: "G-CODE COMMAND IS MISSING A REQUIRED VALUE WORD",
		29: "G59.X WORK COORDINATE SYSTEMS ARE NOT SUPPORTED",
		30: "G53 ONLY ALLOWED WITH G0 AND G1 MOTION MODES",
		31: "UNNEEDED AXIS WORDS FOUND IN COMMAND BLOCK",
		32: "G2/G3 ARCS NEED AT LEAST ONE IN-PLANE AXIS WORD",
		33: "MOTION COMMAND TARGET IS INVALID",
		34: "ARC RADIUS VALUE IS INVALID",
		35: "G2/G3 ARCS NEED AT LEAST ONE IN-PLANE OFFSET WORD",
		36: "UNUSED VALUE WORDS FOUND IN COMMAND BLOCK",
		37: "G43.1 OFFSET NOT ASSIGNED TO TOOL LENGTH AXIS",
		38: "TOOL NUMBER GREATER THAN MAX VALUE",
	}
)

// CategorizeAlarm maps an alarm code onto its category.
func CategorizeAlarm(code int) AlarmCategory {
	switch {
	case code == 1:
		return AlarmHardLimit
	case code == 2:
		return AlarmSoftLimit
	case code == 3:
		return AlarmAbortCycle
	case code == 4 || code == 5:
		return AlarmProbe
	case code >= 6 && code <= 10:
		return AlarmHoming
	default:
		return AlarmOther
	}
}

// AlarmError is a controller alarm. The machine is locked until unlocked or homed.
type AlarmError struct {
	Code     int
	Category AlarmCategory
}

// NewAlarmError builds an AlarmError with its category filled in.
func NewAlarmError(code int) *AlarmError {
	return &AlarmError{Code: code, Category: CategorizeAlarm(code)}
}

func (e *AlarmError) Error() string {
	desc, ok := AlarmCodes[e.Code]
	if !ok {
		desc = "UNKNOWN ALARM"
	}
	return fmt.Sprintf("grbl alarm %d (%s): %s", e.Code, e.Category, desc)
}

// CommandError is an error:n reply to a specific command.
type CommandError struct {
	Command string
	Code    int
}

func (e *CommandError) Error() string {
	desc, ok := ErrorCodes[e.Code]
	if !ok {
		desc = "UNKNOWN ERROR"
	}
	return fmt.Sprintf("grbl rejected %q: error %d: %s", e.Command, e.Code, desc)
}
