package motion

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/RingScan/internal/hw/grbl"
)

// fakeLink records commands and replays scripted status reports.
type fakeLink struct {
	mu        sync.Mutex
	sent      []string
	realtime  []byte
	statuses  []grbl.Status
	statusErr error
	alarm     *grbl.AlarmError
	closed    bool
}

func (f *fakeLink) Send(cmd string) ([]string, error) {
	return f.SendTimeout(cmd, time.Second)
}

func (f *fakeLink) SendTimeout(cmd string, _ time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil, nil
}

func (f *fakeLink) Status() (grbl.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return grbl.Status{}, f.statusErr
	}
	if len(f.statuses) == 0 {
		return grbl.Status{State: grbl.StateIdle}, nil
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return st, nil
}

func (f *fakeLink) Realtime(b byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realtime = append(f.realtime, b)
	return nil
}

func (f *fakeLink) LastAlarm() *grbl.AlarmError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alarm
}

func (f *fakeLink) ClearAlarm() {
	f.mu.Lock()
	f.alarm = nil
	f.mu.Unlock()
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func fastOptions() Options {
	return Options{
		PollInterval:     time.Millisecond,
		Settle:           time.Millisecond,
		StateLockTimeout: 50 * time.Millisecond,
	}
}

func TestController_JogCommands(t *testing.T) {
	link := &fakeLink{}
	ctrl := NewController(link, fastOptions())
	ctx := context.Background()

	cases := []struct {
		name string
		do   func() error
		want string
	}{
		{"relative xy", func() error { return ctrl.JogRelative(ctx, XY(1.5, -2), 200) }, "$J=G91 G21 X1.500 Y-2.000 F200"},
		{"relative z", func() error { return ctrl.JogRelative(ctx, Z(0.25), 15) }, "$J=G91 G21 Z0.250 F15"},
		{"absolute xyz", func() error { return ctrl.JogAbsolute(ctx, XYZ(10, 20, -1), 500) }, "$J=G90 G21 X10.000 Y20.000 Z-1.000 F500"},
		{"absolute x", func() error { return ctrl.JogAbsolute(ctx, X(3), 500) }, "$J=G90 G21 X3.000 F500"},
		{"origin", func() error { return ctrl.SetOrigin(ctx) }, "G10 L20 P1 X0 Y0 Z0"},
		{"unlock", func() error { return ctrl.Unlock(ctx) }, "$X"},
	}
	for _, tc := range cases {
		if err := tc.do(); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		cmds := link.commands()
		if got := cmds[len(cmds)-1]; got != tc.want {
			t.Errorf("%s: sent %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestController_Realtime(t *testing.T) {
	link := &fakeLink{}
	ctrl := NewController(link, fastOptions())
	if err := ctrl.CancelJog(); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Hold(); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Resume(); err != nil {
		t.Fatal(err)
	}
	want := []byte{grbl.RTJogCancel, grbl.RTFeedHold, grbl.RTCycleStart}
	if string(link.realtime) != string(want) {
		t.Errorf("realtime = %v, want %v", link.realtime, want)
	}
}

func TestController_NotConnected(t *testing.T) {
	ctrl := NewController(nil, fastOptions())
	ctx := context.Background()
	if err := ctrl.JogRelative(ctx, X(1), 100); !errors.Is(err, grbl.ErrNotConnected) {
		t.Errorf("JogRelative = %v, want ErrNotConnected", err)
	}
	if err := ctrl.BlockUntilIdle(ctx); !errors.Is(err, grbl.ErrNotConnected) {
		t.Errorf("BlockUntilIdle = %v, want ErrNotConnected", err)
	}
	if ctrl.Connected() {
		t.Error("Connected() = true with nil link")
	}
}

func TestController_CancelledContextSendsNothing(t *testing.T) {
	link := &fakeLink{}
	ctrl := NewController(link, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctrl.JogRelative(ctx, X(1), 100); err == nil {
		t.Error("expected error with cancelled context")
	}
	if len(link.commands()) != 0 {
		t.Errorf("sent %v with cancelled context", link.commands())
	}
}

func TestBlockUntilIdle_WaitsThroughJog(t *testing.T) {
	link := &fakeLink{statuses: []grbl.Status{
		{State: grbl.StateJog, X: 0.5},
		{State: grbl.StateJog, X: 0.9},
		{State: grbl.StateUnknown},
		{State: grbl.StateIdle, X: 1},
	}}
	ctrl := NewController(link, fastOptions())
	if err := ctrl.BlockUntilIdle(context.Background()); err != nil {
		t.Fatalf("BlockUntilIdle: %v", err)
	}
	if pos := ctrl.Position(); pos.X != 1 {
		t.Errorf("position x = %g, want 1", pos.X)
	}
}

func TestBlockUntilIdle_WaitsThroughHoldAndDoor(t *testing.T) {
	link := &fakeLink{statuses: []grbl.Status{
		{State: grbl.StateHold, X: 0.4},
		{State: grbl.StateDoor, X: 0.4},
		{State: grbl.StateHold, X: 0.4},
		{State: grbl.StateIdle, X: 2},
	}}
	ctrl := NewController(link, fastOptions())
	if err := ctrl.BlockUntilIdle(context.Background()); err != nil {
		t.Fatalf("BlockUntilIdle: %v", err)
	}
	if pos := ctrl.Position(); pos.X != 2 {
		t.Errorf("returned at x = %g during a hold, want 2 after it", pos.X)
	}
}

func TestBlockUntilIdle_Alarm(t *testing.T) {
	link := &fakeLink{
		statuses: []grbl.Status{{State: grbl.StateAlarm}},
		alarm:    grbl.NewAlarmError(1),
	}
	ctrl := NewController(link, fastOptions())
	err := ctrl.BlockUntilIdle(context.Background())
	var ae *grbl.AlarmError
	if !errors.As(err, &ae) || ae.Category != grbl.AlarmHardLimit {
		t.Fatalf("err = %v, want hard limit alarm", err)
	}
}

func TestBlockUntilIdle_MalformedKeepsWaiting(t *testing.T) {
	link := &fakeLink{statusErr: errors.New("malformed")}
	ctrl := NewController(link, fastOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := ctrl.BlockUntilIdle(ctx)
	if !errors.Is(err, ErrUncertainState) {
		t.Errorf("err = %v, want ErrUncertainState", err)
	}
}

func TestBlockUntilIdle_LockTimeoutCountsAsMoving(t *testing.T) {
	link := &fakeLink{}
	ctrl := NewController(link, fastOptions())
	// hold the state lock so every snapshot times out
	ctrl.stateLock <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	if err := ctrl.BlockUntilIdle(ctx); !errors.Is(err, ErrUncertainState) {
		t.Errorf("err = %v, want ErrUncertainState", err)
	}
	<-ctrl.stateLock
	if st := ctrl.State(); st.State != grbl.StateUnknown {
		t.Errorf("state = %s, want Unknown (updates were dropped)", st.State)
	}
}

func TestController_PollerWithSimulator(t *testing.T) {
	sim := grbl.NewSim()
	sim.TimeScale = 100
	conn := grbl.NewConn(sim)
	conn.ReplyTimeout = time.Second

	ctrl := NewController(conn, Options{
		PollInterval:     5 * time.Millisecond,
		Settle:           10 * time.Millisecond,
		StateLockTimeout: time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)
	defer ctrl.Close()

	if !ctrl.Polling() {
		t.Fatal("poller not running after Start")
	}
	if err := ctrl.JogRelative(ctx, XY(2, 3), 600); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.BlockUntilIdle(ctx); err != nil {
		t.Fatalf("BlockUntilIdle: %v", err)
	}
	pos := ctrl.Position()
	if math.Abs(pos.X-2) > 1e-3 || math.Abs(pos.Y-3) > 1e-3 {
		t.Errorf("position = %+v, want (2, 3)", pos)
	}

	if err := ctrl.Close(); err != nil {
		t.Fatal(err)
	}
	if ctrl.Polling() {
		t.Error("poller still running after Close")
	}
}

func TestController_HomeFailure(t *testing.T) {
	sim := grbl.NewSim()
	sim.FailHoming = true
	conn := grbl.NewConn(sim)
	ctrl := NewController(conn, fastOptions())
	defer ctrl.Close()

	err := ctrl.Home(context.Background())
	var ae *grbl.AlarmError
	if !errors.As(err, &ae) || ae.Category != grbl.AlarmHoming {
		t.Fatalf("Home = %v, want homing alarm", err)
	}
}
