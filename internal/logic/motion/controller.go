package motion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/hw/grbl"
)

// ErrUncertainState is returned by BlockUntilIdle when ctx ends while the
// stage state could not be confirmed idle.
var ErrUncertainState = errors.New("motion: stage state uncertain")

// Link is the controller side of the serial protocol. *grbl.Conn implements it.
type Link interface {
	Send(cmd string) ([]string, error)
	SendTimeout(cmd string, timeout time.Duration) ([]string, error)
	Status() (grbl.Status, error)
	Realtime(b byte) error
	LastAlarm() *grbl.AlarmError
	ClearAlarm()
	Close() error
}

// Position is a point in stage work coordinates, in mm.
type Position struct {
	X, Y, Z float64
}

// StageState is an immutable snapshot of what the poller last saw.
type StageState struct {
	Position Position
	State    grbl.State
	Alarm    *grbl.AlarmError
	Updated  time.Time
}

// AxisMask selects the axes a move commands.
type AxisMask uint8

const (
	AxisX AxisMask = 1 << iota
	AxisY
	AxisZ
)

// Axes is a move target. Only the axes set in Mask are sent.
type Axes struct {
	X, Y, Z float64
	Mask    AxisMask
}

func X(v float64) Axes         { return Axes{X: v, Mask: AxisX} }
func Y(v float64) Axes         { return Axes{Y: v, Mask: AxisY} }
func Z(v float64) Axes         { return Axes{Z: v, Mask: AxisZ} }
func XY(x, y float64) Axes     { return Axes{X: x, Y: y, Mask: AxisX | AxisY} }
func XYZ(x, y, z float64) Axes { return Axes{X: x, Y: y, Z: z, Mask: AxisX | AxisY | AxisZ} }

func (a Axes) words() string {
	var sb strings.Builder
	if a.Mask&AxisX != 0 {
		fmt.Fprintf(&sb, " X%.3f", a.X)
	}
	if a.Mask&AxisY != 0 {
		fmt.Fprintf(&sb, " Y%.3f", a.Y)
	}
	if a.Mask&AxisZ != 0 {
		fmt.Fprintf(&sb, " Z%.3f", a.Z)
	}
	return sb.String()
}

// Options tunes polling and idle detection.
type Options struct {
	PollInterval     time.Duration // status query period (5 Hz by default)
	Settle           time.Duration // delay before the first idle check
	StateLockTimeout time.Duration // bounded wait on the state lock
	HomingTimeout    time.Duration
}

// DefaultOptions matches the controller's observed timing.
func DefaultOptions() Options {
	return Options{
		PollInterval:     200 * time.Millisecond,
		Settle:           500 * time.Millisecond,
		StateLockTimeout: 3 * time.Second,
		HomingTimeout:    2 * time.Minute,
	}
}

// Controller is the single owner of the motion link. It issues jogs,
// runs the background status poller and answers "is the stage idle".
// It's the layer between business logic (grids, sweeps) and the wire.
type Controller struct {
	link Link
	opts Options

	// stateLock guards state; a buffered channel so waits can time out.
	stateLock chan struct{}
	state     StageState

	pollMu  sync.Mutex
	polling bool
	stop    context.CancelFunc
	done    chan struct{}
}

// NewController wraps a link. The poller is not started.
func NewController(link Link, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.StateLockTimeout <= 0 {
		opts.StateLockTimeout = DefaultOptions().StateLockTimeout
	}
	if opts.HomingTimeout <= 0 {
		opts.HomingTimeout = DefaultOptions().HomingTimeout
	}
	return &Controller{
		link:      link,
		opts:      opts,
		stateLock: make(chan struct{}, 1),
		state:     StageState{State: grbl.StateUnknown},
	}
}

// Connected reports whether a link is attached.
func (c *Controller) Connected() bool {
	return c.link != nil
}

func (c *Controller) lockState(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.stateLock <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (c *Controller) unlockState() { <-c.stateLock }

// snapshot returns the current state, or ok=false if the lock could not be
// taken within the timeout.
func (c *Controller) snapshot(timeout time.Duration) (StageState, bool) {
	if !c.lockState(timeout) {
		return StageState{}, false
	}
	defer c.unlockState()
	return c.state, true
}

// State returns the last stage snapshot. On lock timeout the state is Unknown.
func (c *Controller) State() StageState {
	st, ok := c.snapshot(c.opts.StateLockTimeout)
	if !ok {
		return StageState{State: grbl.StateUnknown}
	}
	return st
}

// Position returns the last polled position.
func (c *Controller) Position() Position {
	return c.State().Position
}

// Refresh queries the controller once and updates the snapshot.
// Malformed replies keep the last good snapshot.
func (c *Controller) Refresh() error {
	if c.link == nil {
		return grbl.ErrNotConnected
	}
	st, err := c.link.Status()
	alarm := c.link.LastAlarm()
	if err != nil {
		if alarm != nil {
			c.update(func(s *StageState) {
				s.Alarm = alarm
				s.State = grbl.StateAlarm
			})
		}
		return err
	}
	c.update(func(s *StageState) {
		s.Position = Position{st.X, st.Y, st.Z}
		s.State = st.State
		s.Alarm = nil
		if st.State == grbl.StateAlarm {
			s.Alarm = alarm
		}
		s.Updated = time.Now()
	})
	return nil
}

func (c *Controller) update(fn func(*StageState)) {
	if !c.lockState(c.opts.StateLockTimeout) {
		debug.Verbose("motion: state lock busy, dropping update")
		return
	}
	fn(&c.state)
	c.unlockState()
}

// Start launches the status poller. It stops on ctx cancellation or Close.
func (c *Controller) Start(ctx context.Context) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	if c.polling || c.link == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	c.done = make(chan struct{})
	c.polling = true
	go c.poll(ctx, c.done)
}

func (c *Controller) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.pollMu.Lock()
		c.polling = false
		c.pollMu.Unlock()
	}()
	debug.Verbose("motion: poller started (%v)", c.opts.PollInterval)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.Refresh(); err != nil {
			if errors.Is(err, grbl.ErrClosed) {
				return
			}
			debug.Verbose("motion: status poll: %v", err)
		}
	}
}

// Polling reports whether the background poller is running.
func (c *Controller) Polling() bool {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	return c.polling
}

// Close stops the poller and closes the link.
func (c *Controller) Close() error {
	c.pollMu.Lock()
	stop, done := c.stop, c.done
	c.pollMu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	if c.link == nil {
		return nil
	}
	return c.link.Close()
}

func (c *Controller) send(ctx context.Context, cmd string) error {
	if c.link == nil {
		return grbl.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.link.Send(cmd)
	return err
}

// JogRelative moves by a relative offset at feed mm/min. It does not wait.
func (c *Controller) JogRelative(ctx context.Context, a Axes, feed float64) error {
	debug.Move("relative", a.X, a.Y, a.Z)
	return c.send(ctx, fmt.Sprintf("$J=G91 G21%s F%.0f", a.words(), feed))
}

// JogAbsolute moves to work coordinates at feed mm/min. It does not wait.
func (c *Controller) JogAbsolute(ctx context.Context, a Axes, feed float64) error {
	debug.Move("absolute", a.X, a.Y, a.Z)
	return c.send(ctx, fmt.Sprintf("$J=G90 G21%s F%.0f", a.words(), feed))
}

// BlockUntilIdle waits for the stage to stop. It first sleeps the settle
// delay so a jog that has not started yet is not read as idle, then waits
// for a snapshot taken after the call that reports a non-moving state.
// A state lock timeout counts as still moving.
func (c *Controller) BlockUntilIdle(ctx context.Context) error {
	if c.link == nil {
		return grbl.ErrNotConnected
	}
	since := time.Now()
	if err := sleep(ctx, c.opts.Settle); err != nil {
		return err
	}
	for {
		if !c.Polling() {
			if err := c.Refresh(); err != nil {
				debug.Verbose("motion: idle check: %v", err)
			}
		}
		if st, ok := c.snapshot(c.opts.StateLockTimeout); ok && st.Updated.After(since) {
			if st.State == grbl.StateAlarm {
				if st.Alarm != nil {
					return st.Alarm
				}
				return &grbl.AlarmError{Category: grbl.AlarmOther}
			}
			if !st.State.Moving() {
				return nil
			}
		}
		if err := sleep(ctx, c.opts.PollInterval); err != nil {
			return fmt.Errorf("%w: %v", ErrUncertainState, err)
		}
	}
}

// Home runs the homing cycle and waits for completion.
func (c *Controller) Home(ctx context.Context) error {
	if c.link == nil {
		return grbl.ErrNotConnected
	}
	debug.Live("Homing")
	if _, err := c.link.SendTimeout("$H", c.opts.HomingTimeout); err != nil {
		return fmt.Errorf("homing: %w", err)
	}
	c.link.ClearAlarm()
	return c.BlockUntilIdle(ctx)
}

// SetOrigin makes the current position the work origin.
func (c *Controller) SetOrigin(ctx context.Context) error {
	return c.send(ctx, "G10 L20 P1 X0 Y0 Z0")
}

// Unlock clears an alarm lock ($X).
func (c *Controller) Unlock(ctx context.Context) error {
	if err := c.send(ctx, "$X"); err != nil {
		return err
	}
	c.link.ClearAlarm()
	return nil
}

// CancelJog stops the current jog.
func (c *Controller) CancelJog() error {
	if c.link == nil {
		return grbl.ErrNotConnected
	}
	return c.link.Realtime(grbl.RTJogCancel)
}

// Hold pauses motion (feed hold).
func (c *Controller) Hold() error {
	if c.link == nil {
		return grbl.ErrNotConnected
	}
	return c.link.Realtime(grbl.RTFeedHold)
}

// Resume continues after a hold.
func (c *Controller) Resume() error {
	if c.link == nil {
		return grbl.ErrNotConnected
	}
	return c.link.Realtime(grbl.RTCycleStart)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
