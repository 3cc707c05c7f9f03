package grbl

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sim is an in-process GRBL controller. It understands the subset of the
// protocol the digitizer uses and moves its axes at the commanded feed rate,
// optionally sped up by TimeScale. It stands in for the serial port in mock
// mode and in tests.
type Sim struct {
	// TimeScale divides every simulated motion duration. 0 means 1.
	TimeScale float64
	// FailHoming makes $H raise ALARM:9.
	FailHoming bool

	mu      sync.Mutex
	cond    *sync.Cond
	out     []byte
	line    []byte
	closed  bool
	state   State
	alarm   int
	from    [3]float64
	to      [3]float64
	start   time.Time
	dur     time.Duration
	held    time.Time
	origin  [3]float64
	reports int
	wcoDue  bool
	now     func() time.Time
	history []string
}

// NewSim returns an idle simulator at the machine origin.
func NewSim() *Sim {
	s := &Sim{state: StateIdle, now: time.Now, wcoDue: true}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Position returns the instantaneous work position.
func (s *Sim) Position() (x, y, z float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.positionLocked()
	return p[0], p[1], p[2]
}

// History returns the command lines received so far.
func (s *Sim) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// TriggerAlarm puts the controller in alarm as if a limit switch fired.
func (s *Sim) TriggerAlarm(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.state = StateAlarm
	s.alarm = code
	s.emitLocked(fmt.Sprintf("ALARM:%d", code))
}

func (s *Sim) scale() float64 {
	if s.TimeScale <= 0 {
		return 1
	}
	return s.TimeScale
}

// machine position, in machine coordinates
func (s *Sim) machineLocked() [3]float64 {
	if s.state != StateJog && s.state != StateHome && s.state != StateHold {
		return s.to
	}
	elapsed := s.now().Sub(s.start)
	if s.state == StateHold {
		elapsed = s.held.Sub(s.start)
	}
	if s.dur <= 0 || elapsed >= s.dur {
		if s.state != StateHold {
			s.state = StateIdle
		}
		return s.to
	}
	f := float64(elapsed) / float64(s.dur)
	var p [3]float64
	for i := range p {
		p[i] = s.from[i] + (s.to[i]-s.from[i])*f
	}
	return p
}

func (s *Sim) positionLocked() [3]float64 {
	m := s.machineLocked()
	return [3]float64{m[0] - s.origin[0], m[1] - s.origin[1], m[2] - s.origin[2]}
}

func (s *Sim) stopLocked() {
	p := s.machineLocked()
	s.from, s.to = p, p
	s.dur = 0
	if s.state != StateAlarm {
		s.state = StateIdle
	}
}

func (s *Sim) emitLocked(line string) {
	s.out = append(s.out, line...)
	s.out = append(s.out, '\r', '\n')
	s.cond.Broadcast()
}

// Write feeds bytes to the controller. Realtime bytes act immediately.
func (s *Sim) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	for _, b := range p {
		switch b {
		case RTStatus:
			s.reportLocked()
		case RTFeedHold:
			if s.state == StateJog {
				s.held = s.now()
				s.state = StateHold
			}
		case RTCycleStart:
			if s.state == StateHold {
				s.start = s.start.Add(s.now().Sub(s.held))
				s.state = StateJog
			}
		case RTJogCancel:
			if s.state == StateJog || s.state == StateHold {
				s.stopLocked()
			}
		case RTSoftReset:
			moving := s.state == StateJog || s.state == StateHome
			s.stopLocked()
			if moving {
				s.state = StateAlarm
				s.alarm = 3
				s.emitLocked("ALARM:3")
			}
			s.emitLocked("Grbl 1.1h ['$' for help]")
		case '\n':
			line := strings.TrimSpace(string(s.line))
			s.line = s.line[:0]
			if line != "" {
				s.history = append(s.history, line)
				s.execLocked(line)
			}
		case '\r':
		default:
			s.line = append(s.line, b)
		}
	}
	return len(p), nil
}

// Read blocks until a reply is available or the simulator is closed.
func (s *Sim) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.out) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.out) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

// Close unblocks pending reads.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// wcoEvery is how often the work offset is repeated in status reports
// when it has not changed.
const wcoEvery = 10

// reportLocked answers "?" the way GRBL 1.1 does with $10=1: machine
// position always, WCO only on the first report, after the offset
// changes and every wcoEvery reports.
func (s *Sim) reportLocked() {
	m := s.machineLocked()
	line := fmt.Sprintf("<%s|MPos:%.3f,%.3f,%.3f|FS:0,0", s.state, m[0], m[1], m[2])
	if s.wcoDue || s.reports%wcoEvery == 0 {
		line += fmt.Sprintf("|WCO:%.3f,%.3f,%.3f", s.origin[0], s.origin[1], s.origin[2])
		s.wcoDue = false
	}
	s.reports++
	s.emitLocked(line + ">")
}

func (s *Sim) execLocked(line string) {
	switch {
	case line == "$H":
		s.homeLocked()
	case line == "$X":
		if s.state == StateAlarm {
			s.state = StateIdle
			s.alarm = 0
		}
		s.emitLocked("[MSG:Caution: Unlocked]")
		s.emitLocked("ok")
	case strings.HasPrefix(line, "$J="):
		s.jogLocked(strings.TrimPrefix(line, "$J="))
	case strings.HasPrefix(line, "G10 L20 P1") || strings.HasPrefix(line, "G92"):
		if s.state == StateAlarm {
			s.emitLocked("error:9")
			return
		}
		m := s.machineLocked()
		words := parseWords(line)
		for i, ax := range []byte{'X', 'Y', 'Z'} {
			if v, ok := words[ax]; ok {
				s.origin[i] = m[i] - v
			}
		}
		s.wcoDue = true
		s.emitLocked("ok")
	default:
		if s.state == StateAlarm && !strings.HasPrefix(line, "$") {
			s.emitLocked("error:9")
			return
		}
		s.emitLocked("ok")
	}
}

func (s *Sim) homeLocked() {
	if s.FailHoming {
		s.stopLocked()
		s.state = StateAlarm
		s.alarm = 9
		s.emitLocked("ALARM:9")
		return
	}
	s.stopLocked()
	s.state = StateIdle
	s.alarm = 0
	s.from, s.to = [3]float64{}, [3]float64{}
	s.origin = [3]float64{}
	s.wcoDue = true
	s.emitLocked("ok")
}

func (s *Sim) jogLocked(body string) {
	if s.state == StateAlarm {
		s.emitLocked("error:9")
		return
	}
	if s.state == StateJog || s.state == StateHold {
		// GRBL queues jogs; the simulator restarts from where it is
		s.stopLocked()
	}
	words := parseWords(body)
	feed, ok := words['F']
	if !ok || feed <= 0 {
		s.emitLocked("error:22")
		return
	}
	relative := strings.Contains(body, "G91")
	cur := s.machineLocked()
	target := cur
	for i, ax := range []byte{'X', 'Y', 'Z'} {
		v, ok := words[ax]
		if !ok {
			continue
		}
		if relative {
			target[i] = cur[i] + v
		} else {
			target[i] = v + s.origin[i]
		}
	}
	dist := math.Sqrt(sq(target[0]-cur[0]) + sq(target[1]-cur[1]) + sq(target[2]-cur[2]))
	s.from, s.to = cur, target
	s.start = s.now()
	s.dur = time.Duration(dist / feed * 60 * float64(time.Second) / s.scale())
	if s.dur > 0 {
		s.state = StateJog
	}
	s.emitLocked("ok")
}

func sq(v float64) float64 { return v * v }

// parseWords extracts letter/number words, skipping G and M words.
func parseWords(line string) map[byte]float64 {
	words := make(map[byte]float64)
	for _, tok := range strings.Fields(line) {
		if len(tok) < 2 {
			continue
		}
		letter := tok[0]
		if letter == 'G' || letter == 'M' || letter == 'L' || letter == 'P' {
			continue
		}
		v, err := strconv.ParseFloat(tok[1:], 64)
		if err != nil {
			continue
		}
		words[letter] = v
	}
	return words
}
