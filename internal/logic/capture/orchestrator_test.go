package capture

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/RingScan/internal/hw/camera"
	"github.com/cjeanneret/RingScan/internal/hw/grbl"
	"github.com/cjeanneret/RingScan/internal/logic/focus"
	"github.com/cjeanneret/RingScan/internal/logic/geometry"
	"github.com/cjeanneret/RingScan/internal/logic/motion"
	"github.com/cjeanneret/RingScan/internal/sample"
)

var testFOV = geometry.FieldOfView{WidthMm: 3, HeightMm: 2, WidthPx: 48, HeightPx: 32}

// recorder is an Observer that keeps what it was told.
type recorder struct {
	mu       sync.Mutex
	started  []string
	cells    []sample.Cell
	finished []Result
}

func (r *recorder) RunStarted(runID string, _ *sample.Sample) {
	r.mu.Lock()
	r.started = append(r.started, runID)
	r.mu.Unlock()
}

func (r *recorder) CellDone(_ string, _ *sample.Sample, c sample.Cell) {
	r.mu.Lock()
	r.cells = append(r.cells, c)
	r.mu.Unlock()
}

func (r *recorder) RunFinished(_ string, _ *sample.Sample, res Result) {
	r.mu.Lock()
	r.finished = append(r.finished, res)
	r.mu.Unlock()
}

type rig struct {
	orch *Orchestrator
	sim  *grbl.Sim
	cam  *camera.Sim
	obs  *recorder
}

func testOptions() Options {
	return Options{
		ImagesPerBracket: 5,
		HeightRangeMm:    0.4,
		BufferMm:         0.05,
		Extension:        "png",
		FeedSlowXY:       600,
		FeedSlowZ:        600,
		FeedFastXY:       6000,
		FeedFastZ:        6000,
		BackgroundStd:    0.5,
		Core: CoreOptions{
			Sweep:         true,
			StepMm:        2,
			RefocusEvery:  3,
			WindowMm:      0.4,
			ToleranceMm:   0.05,
			EdgeThreshold: 5,
			StripFraction: 0.2,
			MaxSteps:      20,
		},
	}
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	sim := grbl.NewSim()
	conn := grbl.NewConn(sim)
	conn.ReplyTimeout = time.Second
	ctrl := motion.NewController(conn, motion.Options{
		PollInterval:     time.Millisecond,
		Settle:           time.Millisecond,
		StateLockTimeout: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	ctrl.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = ctrl.Close()
	})

	cam := camera.NewSim(testFOV.WidthPx, testFOV.HeightPx, testFOV.WidthMm, sim.Position)
	fc := focus.NewCoordinator(focus.Options{
		Kp:              1,
		ScaleFactor:     0.01,
		BackgroundStd:   opts.BackgroundStd,
		BracketSize:     opts.ImagesPerBracket,
		DeleteDiscarded: true,
		ReadRetries:     1,
	})
	obs := &recorder{}
	o := New(ctrl, cam, fc, opts)
	o.Observers = []Observer{obs}
	return &rig{orch: o, sim: sim, cam: cam, obs: obs}
}

func newGridSample(t *testing.T, width, height float64) *sample.Sample {
	t.Helper()
	s, err := sample.New(sample.Params{
		Species: "TEST", ID1: "1", ID2: "a",
		WidthMm: width, HeightMm: height, OverlapPercent: 20,
	}, testFOV, t.TempDir(), time.Now())
	if err != nil {
		t.Fatalf("sample.New: %v", err)
	}
	return s
}

func filesWithPrefix(t *testing.T, dir, prefix string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestRun_GridComplete(t *testing.T) {
	r := newRig(t, testOptions())
	s := newGridSample(t, 6, 4)

	var progress []Progress
	r.orch.OnProgress = func(p Progress) { progress = append(progress, p) }

	res := r.orch.Run(context.Background(), s, nil)
	if res.State != StateComplete {
		t.Fatalf("state = %s (err %v), want complete", res.State, res.Err)
	}
	if res.CellsDone != 9 || res.CellsTotal != 9 {
		t.Errorf("cells = %d/%d, want 9/9", res.CellsDone, res.CellsTotal)
	}
	if res.RunID == "" {
		t.Error("empty run id")
	}

	for _, tg := range s.Plan.Targets {
		name := focus.TileName(tg.Row, tg.Col, ".png")
		if _, err := os.Stat(filepath.Join(s.Dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if left := filesWithPrefix(t, s.Dir, candidatePrefix); len(left) != 0 {
		t.Errorf("candidates left behind: %v", left)
	}

	m, err := sample.ReadMetadata(s.Dir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if m.State != "complete" || m.Rows != 3 || m.Cols != 3 || m.RunID != res.RunID {
		t.Errorf("metadata = state %q %dx%d run %q", m.State, m.Rows, m.Cols, m.RunID)
	}
	for r, row := range m.FocusIndex {
		for c, idx := range row {
			if idx < 0 || idx >= 5 {
				t.Errorf("focus index (%d,%d) = %d", r, c, idx)
			}
		}
	}

	if len(progress) != 9 || progress[8].Done != 9 || progress[8].Total != 9 {
		t.Errorf("progress = %+v", progress)
	}
	if len(r.obs.started) != 1 || len(r.obs.cells) != 9 || len(r.obs.finished) != 1 {
		t.Errorf("observer saw %d/%d/%d", len(r.obs.started), len(r.obs.cells), len(r.obs.finished))
	}
	if r.orch.Running() || r.orch.State() != StateComplete {
		t.Errorf("after run: running=%t state=%s", r.orch.Running(), r.orch.State())
	}
}

func TestRun_TokenCancelStopsAtCellBoundary(t *testing.T) {
	r := newRig(t, testOptions())
	s := newGridSample(t, 6, 4)
	tok := NewToken()
	r.orch.OnProgress = func(p Progress) {
		if p.Done == 2 {
			tok.Cancel()
		}
	}

	res := r.orch.Run(context.Background(), s, tok)
	if res.State != StateCancelled {
		t.Fatalf("state = %s (err %v), want cancelled", res.State, res.Err)
	}
	if res.CellsDone != 2 {
		t.Errorf("cells done = %d, want 2", res.CellsDone)
	}
	if res.Err != nil {
		t.Errorf("err = %v, want nil for an operator stop", res.Err)
	}
	m, err := sample.ReadMetadata(s.Dir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if m.State != "cancelled" || len(m.Cells) != 2 {
		t.Errorf("metadata state %q with %d cells", m.State, len(m.Cells))
	}
	if left := filesWithPrefix(t, s.Dir, candidatePrefix); len(left) != 0 {
		t.Errorf("candidates left behind: %v", left)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	r := newRig(t, testOptions())
	s := newGridSample(t, 6, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.orch.OnProgress = func(p Progress) {
		if p.Done == 1 {
			cancel()
		}
	}

	res := r.orch.Run(ctx, s, nil)
	if res.State != StateCancelled {
		t.Fatalf("state = %s (err %v), want cancelled", res.State, res.Err)
	}
	if res.CellsDone >= 9 {
		t.Errorf("cells done = %d, run did not stop", res.CellsDone)
	}
	if left := filesWithPrefix(t, s.Dir, candidatePrefix); len(left) != 0 {
		t.Errorf("candidates left behind: %v", left)
	}
	if _, err := sample.ReadMetadata(s.Dir); err != nil {
		t.Errorf("metadata not written: %v", err)
	}
}

func TestRun_AlarmFails(t *testing.T) {
	r := newRig(t, testOptions())
	s := newGridSample(t, 6, 4)
	r.orch.OnProgress = func(p Progress) {
		if p.Done == 1 {
			r.sim.TriggerAlarm(1)
		}
	}

	res := r.orch.Run(context.Background(), s, nil)
	if res.State != StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if res.Err == nil {
		t.Error("failed run without error")
	}
	m, err := sample.ReadMetadata(s.Dir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if m.State != "failed" {
		t.Errorf("metadata state = %q", m.State)
	}
}

func TestRun_NotConnected(t *testing.T) {
	ctrl := motion.NewController(nil, motion.Options{})
	fc := focus.NewCoordinator(focus.Options{BracketSize: 5})
	o := New(ctrl, camera.NewSim(8, 8, 1, func() (float64, float64, float64) { return 0, 0, 0 }), fc, testOptions())

	res := o.Run(context.Background(), newGridSample(t, 1, 1), nil)
	if res.State != StateFailed || !errors.Is(res.Err, grbl.ErrNotConnected) {
		t.Errorf("got %s / %v, want failed / ErrNotConnected", res.State, res.Err)
	}
}

func TestRun_PauseHoldsBeforeFirstCell(t *testing.T) {
	r := newRig(t, testOptions())
	s := newGridSample(t, 1, 1)
	tok := NewToken()
	tok.Pause()

	done := make(chan Result, 1)
	go func() { done <- r.orch.Run(context.Background(), s, tok) }()

	time.Sleep(50 * time.Millisecond)
	if n := r.cam.Frames(); n != 0 {
		t.Fatalf("%d frames taken while paused", n)
	}
	if !r.orch.Running() {
		t.Fatal("run not in progress while paused")
	}
	if err := r.orch.Jog(context.Background(), motion.X(1), false); !errors.Is(err, ErrBusy) {
		t.Errorf("Jog during run = %v, want ErrBusy", err)
	}
	tok.Resume()

	select {
	case res := <-done:
		if res.State != StateComplete || res.CellsDone != 1 {
			t.Errorf("state = %s, cells = %d", res.State, res.CellsDone)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestRunAll_AnnouncesSamples(t *testing.T) {
	r := newRig(t, testOptions())
	samples := []*sample.Sample{newGridSample(t, 1, 1), newGridSample(t, 1, 1)}

	var announced []string
	r.orch.OnProgress = func(p Progress) {
		if p.NewSample {
			announced = append(announced, p.Sample)
		}
	}

	results := r.orch.RunAll(context.Background(), samples, nil)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for i, res := range results {
		if res.State != StateComplete {
			t.Errorf("sample %d: %s (%v)", i, res.State, res.Err)
		}
	}
	if len(announced) != 2 || announced[0] != samples[0].Name() {
		t.Errorf("announced = %v", announced)
	}
	if results[0].RunID == results[1].RunID {
		t.Error("run ids repeat across samples")
	}
}

func TestRunAll_StopsAfterCancel(t *testing.T) {
	r := newRig(t, testOptions())
	samples := []*sample.Sample{newGridSample(t, 6, 4), newGridSample(t, 1, 1)}
	tok := NewToken()
	r.orch.OnProgress = func(p Progress) {
		if p.Done == 1 {
			tok.Cancel()
		}
	}

	results := r.orch.RunAll(context.Background(), samples, tok)
	if len(results) != 1 || results[0].State != StateCancelled {
		t.Errorf("results = %+v, want one cancelled run", results)
	}
}

func TestRun_CoreSweepStopsAtEnds(t *testing.T) {
	opts := testOptions()
	r := newRig(t, opts)
	r.cam.Inside = func(x, y float64) bool { return y > -5 && y < 7 }

	s, err := sample.New(sample.Params{
		Species: "CORE", ID1: "1", ID2: "b",
		WidthMm: 5, HeightMm: 12, OverlapPercent: 20,
		IsCore: true, IsVertical: true,
	}, testFOV, t.TempDir(), time.Now())
	if err != nil {
		t.Fatal(err)
	}

	res := r.orch.Run(context.Background(), s, nil)
	if res.State != StateComplete {
		t.Fatalf("state = %s (err %v), want complete", res.State, res.Err)
	}
	if !s.Swept {
		t.Error("vertical core was not swept")
	}

	minRow, maxRow := 0, 0
	for _, c := range s.Cells() {
		minRow, maxRow = min(minRow, c.Row), max(maxRow, c.Row)
		if c.Col != 0 {
			t.Errorf("sweep cell in column %d", c.Col)
		}
		if _, err := os.Stat(filepath.Join(s.Dir, c.Tile)); err != nil {
			t.Errorf("missing tile %s", c.Tile)
		}
	}
	if maxRow < 3 || maxRow >= opts.Core.MaxSteps {
		t.Errorf("upward sweep ended at row %d", maxRow)
	}
	if minRow > -2 || minRow <= -opts.Core.MaxSteps {
		t.Errorf("downward sweep ended at row %d", minRow)
	}

	m, err := sample.ReadMetadata(s.Dir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if m.Cols != 1 || m.RowOffset != minRow || m.Rows != maxRow-minRow+1 {
		t.Errorf("metadata %dx%d offset %d, rows %d..%d", m.Rows, m.Cols, m.RowOffset, minRow, maxRow)
	}
	if left := filesWithPrefix(t, s.Dir, probeName); len(left) != 0 {
		t.Errorf("probe frames left behind: %v", left)
	}
}

func TestJog_Feeds(t *testing.T) {
	r := newRig(t, testOptions())
	if err := r.orch.Jog(context.Background(), motion.Z(0.1), false); err != nil {
		t.Fatalf("Jog: %v", err)
	}
	if err := r.orch.Jog(context.Background(), motion.XY(1, 1), true); err != nil {
		t.Fatalf("Jog: %v", err)
	}
	var jogs []string
	for _, line := range r.sim.History() {
		if strings.HasPrefix(line, "$J=") {
			jogs = append(jogs, line)
		}
	}
	if len(jogs) != 2 || !strings.HasSuffix(jogs[0], "F600") || !strings.HasSuffix(jogs[1], "F6000") {
		t.Errorf("jogs = %v", jogs)
	}
}

// garbageCamera writes files no decoder accepts.
type garbageCamera struct{}

func (garbageCamera) SaveFrame(_ context.Context, path string) error {
	return os.WriteFile(path, []byte("not an image"), 0o644)
}

func TestRun_UnreadableBracketLeavesNoCandidates(t *testing.T) {
	r := newRig(t, testOptions())
	r.orch.camera = garbageCamera{}
	s := newGridSample(t, 0, 0)

	res := r.orch.Run(context.Background(), s, nil)
	if res.State != StateComplete || res.CellsDone != 1 {
		t.Fatalf("result = %s %d/%d (%v)", res.State, res.CellsDone, res.CellsTotal, res.Err)
	}
	if left := filesWithPrefix(t, s.Dir, candidatePrefix); len(left) != 0 {
		t.Errorf("candidate files left beside the tiles: %v", left)
	}
	if tiles := filesWithPrefix(t, s.Dir, "tile_"); len(tiles) != 0 {
		t.Errorf("tiles = %v, want none", tiles)
	}
	if len(r.obs.cells) != 1 || r.obs.cells[0].Tile != "" || r.obs.cells[0].FocusIndex != -1 {
		t.Errorf("recorded cells = %+v", r.obs.cells)
	}
}

func TestRun_FirstCellAtRegisteredZ(t *testing.T) {
	r := newRig(t, testOptions())
	ctx := context.Background()
	// the operator focuses by hand, then registers the sample where the
	// stage stands
	if err := r.orch.Jog(ctx, motion.Z(-4), true); err != nil {
		t.Fatal(err)
	}
	if err := r.orch.stage.BlockUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}
	here := r.orch.Position()
	if math.Abs(here.Z+4) > 1e-3 {
		t.Fatalf("stage z = %g after the jog", here.Z)
	}
	s, err := sample.New(sample.Params{
		Species: "TEST", ID1: "1",
		Center: geometry.Point{X: here.X, Y: here.Y, Z: here.Z},
	}, testFOV, t.TempDir(), time.Now())
	if err != nil {
		t.Fatal(err)
	}

	res := r.orch.Run(ctx, s, nil)
	if res.State != StateComplete {
		t.Fatalf("state = %s (%v)", res.State, res.Err)
	}
	if len(r.obs.cells) != 1 || math.Abs(r.obs.cells[0].Z+4) > 1e-3 {
		t.Fatalf("cells = %+v, want the cell captured at z -4", r.obs.cells)
	}
	// only the focus bias may move Z away from the registered height
	if _, _, z := r.sim.Position(); math.Abs(z+4) > 0.1 {
		t.Errorf("stage z after run = %g, want about -4", z)
	}
}

func TestSetOrigin(t *testing.T) {
	r := newRig(t, testOptions())
	ctx := context.Background()
	if err := r.orch.Jog(ctx, motion.XY(2, 3), true); err != nil {
		t.Fatal(err)
	}
	if err := r.orch.stage.BlockUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.orch.SetOrigin(ctx); err != nil {
		t.Fatalf("SetOrigin: %v", err)
	}
	if x, y, _ := r.sim.Position(); math.Abs(x) > 1e-9 || math.Abs(y) > 1e-9 {
		t.Errorf("work position after SetOrigin = (%g, %g)", x, y)
	}
	if err := r.orch.stage.BlockUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}
	if p := r.orch.Position(); math.Abs(p.X) > 1e-3 || math.Abs(p.Y) > 1e-3 {
		t.Errorf("controller position after SetOrigin = %+v, want the new origin", p)
	}

	if !r.orch.begin() {
		t.Fatal("begin failed")
	}
	defer r.orch.end(StateIdle)
	if err := r.orch.SetOrigin(ctx); !errors.Is(err, ErrBusy) {
		t.Errorf("SetOrigin during a run = %v, want ErrBusy", err)
	}
}

func TestToken(t *testing.T) {
	tok := NewToken()
	ctx := context.Background()
	if tok.checkpoint(ctx) {
		t.Fatal("fresh token stops")
	}

	tok.Pause()
	released := make(chan bool, 1)
	go func() { released <- tok.checkpoint(ctx) }()
	select {
	case <-released:
		t.Fatal("checkpoint returned while paused")
	case <-time.After(20 * time.Millisecond):
	}
	tok.Resume()
	if stop := <-released; stop {
		t.Error("resume reported stop")
	}

	tok.Pause()
	go func() { released <- tok.checkpoint(ctx) }()
	tok.Cancel()
	if stop := <-released; !stop {
		t.Error("cancel while paused did not stop")
	}
	if tok.Paused() {
		t.Error("cancel left the token paused")
	}

	tok.Reset()
	if tok.Cancelled() || tok.checkpoint(ctx) {
		t.Error("reset token still cancelled")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if !tok.checkpoint(cctx) {
		t.Error("done context did not stop")
	}
}

func TestState_String(t *testing.T) {
	cases := []struct {
		s        State
		want     string
		terminal bool
	}{
		{StateIdle, "idle", false},
		{StateBracketing, "bracketing", false},
		{StateRefocusing, "refocusing", false},
		{StateComplete, "complete", true},
		{StateCancelled, "cancelled", true},
		{StateFailed, "failed", true},
		{State(99), "unknown", false},
	}
	for _, tc := range cases {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.s, got, tc.want)
		}
		if got := tc.s.Terminal(); got != tc.terminal {
			t.Errorf("%s.Terminal() = %t", tc.s, got)
		}
	}
}
