package web

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/logic/capture"
	"github.com/cjeanneret/RingScan/internal/logic/geometry"
	"github.com/cjeanneret/RingScan/internal/logic/motion"
	"github.com/cjeanneret/RingScan/internal/sample"
)

// ErrInvalid wraps a sample the planner rejects.
var ErrInvalid = errors.New("invalid sample")

// Capturer is the part of the orchestrator a session drives.
type Capturer interface {
	RunAll(ctx context.Context, samples []*sample.Sample, tok *capture.Token) []capture.Result
	Jog(ctx context.Context, a motion.Axes, fast bool) error
	Home(ctx context.Context) error
	SetOrigin(ctx context.Context) error
	Position() motion.Position
	State() capture.State
	Running() bool
}

// StagePos is a stage position in work coordinates, mm.
type StagePos struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Status is the snapshot served on GET /status.
type Status struct {
	Running  bool    `json:"running"`
	Paused   bool    `json:"paused"`
	State    string  `json:"state"`
	Sample   string  `json:"sample,omitempty"`
	Done     int     `json:"done"`
	Total    int     `json:"total"`
	ElapsedS float64 `json:"elapsed_s"`
	Row      int     `json:"row"`
	Col      int     `json:"col"`
	// Stage is where a sample registered now would be centered.
	Stage StagePos `json:"stage"`
}

// RunEvent is the data of a "run" event.
type RunEvent struct {
	RunID      string  `json:"run_id"`
	Sample     string  `json:"sample"`
	Dir        string  `json:"dir"`
	State      string  `json:"state"`
	CellsDone  int     `json:"cells_done"`
	CellsTotal int     `json:"cells_total"`
	ElapsedS   float64 `json:"elapsed_s"`
	Error      string  `json:"error,omitempty"`
}

func newRunEvent(r capture.Result) RunEvent {
	e := RunEvent{
		RunID:      r.RunID,
		Sample:     r.Sample,
		Dir:        r.Dir,
		State:      r.State.String(),
		CellsDone:  r.CellsDone,
		CellsTotal: r.CellsTotal,
		ElapsedS:   r.Elapsed.Seconds(),
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	return e
}

// Session runs one queue of samples at a time in the background and
// relays its progress to the status stream.
type Session struct {
	orch Capturer
	fov  geometry.FieldOfView
	root string
	b    *StatusBroadcaster
	now  func() time.Time

	mu      sync.Mutex
	tok     *capture.Token
	running bool
	last    capture.Progress
	done    chan struct{}
}

// NewSession builds a session writing sample directories under root.
func NewSession(orch Capturer, fov geometry.FieldOfView, root string, b *StatusBroadcaster) *Session {
	return &Session{orch: orch, fov: fov, root: root, b: b, now: time.Now}
}

// Start plans every sample then runs the queue in the background. Nothing
// moves when one of the samples is invalid.
func (s *Session) Start(params []sample.Params) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: no sample", ErrInvalid)
	}
	samples := make([]*sample.Sample, 0, len(params))
	for _, p := range params {
		smp, err := sample.New(p, s.fov, s.root, s.now())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		samples = append(samples, smp)
	}

	s.mu.Lock()
	if s.running || s.orch.Running() {
		s.mu.Unlock()
		return capture.ErrBusy
	}
	tok := capture.NewToken()
	done := make(chan struct{})
	s.tok, s.running, s.done = tok, true, done
	s.last = capture.Progress{}
	s.mu.Unlock()

	go func() {
		defer close(done)
		results := s.orch.RunAll(context.Background(), samples, tok)
		for _, r := range results {
			msg := fmt.Sprintf("%s: %s (%d cells)", r.Sample, r.State, r.CellsDone)
			if r.Err != nil {
				msg += ": " + r.Err.Error()
			}
			s.publish("run", msg, newRunEvent(r))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.publish("info", "Queue finished", nil)
	}()
	return nil
}

// Progress is the orchestrator's OnProgress hook.
func (s *Session) Progress(p capture.Progress) {
	s.mu.Lock()
	if p.NewSample {
		s.last = capture.Progress{Sample: p.Sample}
	} else {
		p.Sample = s.last.Sample
		s.last = p
	}
	s.mu.Unlock()
	if p.NewSample {
		s.publish("info", "Next sample: "+p.Sample, nil)
		return
	}
	s.publish("progress", "", s.Status())
}

func (s *Session) publish(level, msg string, data any) {
	if s.b != nil {
		s.b.Publish(level, msg, data)
	}
}

// Cancel requests a soft stop of the current queue.
func (s *Session) Cancel() bool {
	return s.withToken((*capture.Token).Cancel)
}

// Pause holds the queue at the next cell boundary.
func (s *Session) Pause() bool {
	return s.withToken((*capture.Token).Pause)
}

// Resume releases a pause.
func (s *Session) Resume() bool {
	return s.withToken((*capture.Token).Resume)
}

func (s *Session) withToken(f func(*capture.Token)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	f(s.tok)
	return true
}

// Jog moves the stage by hand between runs.
func (s *Session) Jog(ctx context.Context, a motion.Axes, fast bool) error {
	debug.Move("manual", a.X, a.Y, a.Z)
	return s.orch.Jog(ctx, a, fast)
}

// Home runs the homing cycle between runs.
func (s *Session) Home(ctx context.Context) error {
	return s.orch.Home(ctx)
}

// SetOrigin zeroes the work coordinates at the current stage position.
func (s *Session) SetOrigin(ctx context.Context) error {
	return s.orch.SetOrigin(ctx)
}

// Status returns the latest progress and the stage position.
func (s *Session) Status() Status {
	pos := s.orch.Position()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Stage:    StagePos{X: pos.X, Y: pos.Y, Z: pos.Z},
		Running:  s.running,
		State:    s.orch.State().String(),
		Sample:   s.last.Sample,
		Done:     s.last.Done,
		Total:    s.last.Total,
		ElapsedS: s.last.Elapsed.Seconds(),
		Row:      s.last.Row,
		Col:      s.last.Col,
	}
	if s.tok != nil && s.running {
		st.Paused = s.tok.Paused()
	}
	return st
}

// Wait blocks until the current queue, if any, is over.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}
