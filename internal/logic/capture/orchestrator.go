package capture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/RingScan/internal/config"
	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/hw/camera"
	"github.com/cjeanneret/RingScan/internal/hw/grbl"
	"github.com/cjeanneret/RingScan/internal/logic/focus"
	"github.com/cjeanneret/RingScan/internal/logic/geometry"
	"github.com/cjeanneret/RingScan/internal/logic/motion"
	"github.com/cjeanneret/RingScan/internal/sample"
)

// ErrBusy is returned when a run or a manual jog is requested while a run
// is in progress.
var ErrBusy = errors.New("capture: a run is already in progress")

// errStopped ends a traversal at a cell boundary after Token.Cancel.
var errStopped = errors.New("capture: stopped by operator")

const (
	candidatePrefix = "cand_"
	centeringPrefix = "center_"
	probeName       = "probe"
)

// Stage is the motion surface the orchestrator drives; *motion.Controller
// implements it.
type Stage interface {
	Connected() bool
	Home(ctx context.Context) error
	JogAbsolute(ctx context.Context, a motion.Axes, feed float64) error
	JogRelative(ctx context.Context, a motion.Axes, feed float64) error
	BlockUntilIdle(ctx context.Context) error
	Position() motion.Position
	CancelJog() error
	SetOrigin(ctx context.Context) error
}

// Observer is told about run boundaries and kept cells. Calls happen on the
// orchestrator goroutine, so implementations must be quick or hand off.
type Observer interface {
	RunStarted(runID string, s *sample.Sample)
	CellDone(runID string, s *sample.Sample, c sample.Cell)
	RunFinished(runID string, s *sample.Sample, r Result)
}

// Options are the capture timings and feeds.
type Options struct {
	ImagesPerBracket int
	HeightRangeMm    float64
	BufferMm         float64
	Settle           time.Duration
	HomeBeforeRun    bool
	Extension        string

	FeedSlowXY, FeedSlowZ float64
	FeedFastXY, FeedFastZ float64

	CenteringImages  int
	CenteringRangeMm float64
	CenteringGain    float64
	BackgroundStd    float64

	Core CoreOptions
}

// CoreOptions tunes the core sweep.
type CoreOptions struct {
	Sweep         bool
	StepMm        float64
	RefocusEvery  int
	WindowMm      float64
	ToleranceMm   float64
	EdgeThreshold float64
	StripFraction float64
	MaxSteps      int
}

// OptionsFromConfig maps configuration onto orchestrator options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ImagesPerBracket: cfg.Capture.ImagesPerBracket,
		HeightRangeMm:    cfg.Capture.HeightRangeMm,
		BufferMm:         cfg.Capture.AccelerationBufferMm,
		Settle:           cfg.CaptureSettle(),
		HomeBeforeRun:    cfg.Capture.HomeBeforeRun,
		Extension:        cfg.Camera.Extension,
		FeedSlowXY:       cfg.Gantry.FeedSlowXY,
		FeedSlowZ:        cfg.Gantry.FeedSlowZ,
		FeedFastXY:       cfg.Gantry.FeedFastXY,
		FeedFastZ:        cfg.Gantry.FeedFastZ,
		CenteringImages:  cfg.Capture.CoreCenteringImages,
		CenteringRangeMm: cfg.Capture.CoreCenteringRangeMm,
		CenteringGain:    cfg.Capture.CoreCenteringGain,
		BackgroundStd:    cfg.Focus.BackgroundStdThreshold,
		Core: CoreOptions{
			Sweep:         cfg.Core.Sweep,
			StepMm:        cfg.Core.StepMm,
			RefocusEvery:  cfg.Core.RefocusEvery,
			WindowMm:      cfg.Core.SearchWindowMm,
			ToleranceMm:   cfg.Core.SearchToleranceMm,
			EdgeThreshold: cfg.Core.EdgeThreshold,
			StripFraction: cfg.Core.EdgeStripFraction,
			MaxSteps:      cfg.Core.MaxSteps,
		},
	}
}

// Orchestrator runs captures: it moves the stage over a sample, brackets
// every cell, hands each bracket to the focus resolver and applies the
// correction it returns.
type Orchestrator struct {
	stage  Stage
	camera camera.FrameSource
	focus  *focus.Coordinator
	opts   Options

	// OnProgress, when set, is called after every kept cell and before
	// every sample of a queue.
	OnProgress func(Progress)
	Observers  []Observer

	// stageMu serializes jog issuance so a bracket, a centering correction
	// and a manual jog never interleave.
	stageMu sync.Mutex

	mu      sync.Mutex
	state   State
	running bool

	now func() time.Time
}

// New builds an orchestrator.
func New(stage Stage, cam camera.FrameSource, fc *focus.Coordinator, opts Options) *Orchestrator {
	if opts.Extension == "" {
		opts.Extension = "tiff"
	}
	opts.Extension = strings.TrimPrefix(opts.Extension, ".")
	return &Orchestrator{
		stage:  stage,
		camera: cam,
		focus:  fc,
		opts:   opts,
		now:    time.Now,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	debug.Trace("capture state: %s", s)
}

func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) end(final State) {
	o.mu.Lock()
	o.running = false
	o.state = final
	o.mu.Unlock()
}

func (o *Orchestrator) progress(p Progress) {
	if o.OnProgress != nil {
		o.OnProgress(p)
	}
}

// RunAll captures samples in order. Before each one it reports a
// NewSample progress carrying the sample name. The queue stops at the first
// run that does not complete.
func (o *Orchestrator) RunAll(ctx context.Context, samples []*sample.Sample, tok *Token) []Result {
	if tok == nil {
		tok = NewToken()
	}
	results := make([]Result, 0, len(samples))
	for _, s := range samples {
		if tok.checkpoint(ctx) {
			break
		}
		o.progress(Progress{NewSample: true, Sample: s.Name()})
		r := o.Run(ctx, s, tok)
		results = append(results, r)
		if r.State != StateComplete {
			break
		}
	}
	return results
}

// Run captures one sample. It always returns a Result; the sample's
// metadata is written whatever the outcome.
func (o *Orchestrator) Run(ctx context.Context, s *sample.Sample, tok *Token) (res Result) {
	if tok == nil {
		tok = NewToken()
	}
	res = Result{RunID: uuid.NewString(), Sample: s.Name(), Dir: s.Dir}
	if !o.begin() {
		res.State, res.Err = StateFailed, ErrBusy
		return res
	}

	start := o.now()
	var (
		err     error
		stopped bool
	)
	defer func() {
		res.Elapsed = o.now().Sub(start)
		res.State = outcome(ctx, stopped, err)
		if res.State == StateFailed {
			res.Err = err
		}
		if res.State != StateComplete {
			_ = o.stage.CancelJog()
		}
		o.finish(s, &res)
		o.end(res.State)
	}()

	if !o.stage.Connected() {
		err = grbl.ErrNotConnected
		return res
	}
	if err = s.Prepare(start); err != nil {
		return res
	}
	o.focus.Reset()
	for _, ob := range o.Observers {
		ob.RunStarted(res.RunID, s)
	}
	debug.Section("Capture " + s.Name())
	debug.Value("run", res.RunID)

	if o.opts.HomeBeforeRun {
		o.setState(StateHoming)
		if err = o.stage.Home(ctx); err != nil {
			return res
		}
	}

	if s.IsCore && s.IsVertical && o.opts.Core.Sweep {
		s.Swept = true
		err = o.sweep(ctx, s, tok, &res, start)
	} else {
		err = o.grid(ctx, s, tok, &res, start)
	}
	if errors.Is(err, errStopped) {
		stopped, err = true, nil
	}
	return res
}

func outcome(ctx context.Context, stopped bool, err error) State {
	switch {
	case stopped:
		return StateCancelled
	case err == nil:
		return StateComplete
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return StateCancelled
	default:
		return StateFailed
	}
}

// finish leaves the sample directory consistent: stray centering and probe
// frames go, metadata is written, observers are told.
func (o *Orchestrator) finish(s *sample.Sample, res *Result) {
	for _, prefix := range []string{centeringPrefix, probeName} {
		if err := focus.CleanupCandidates(s.Dir, prefix); err != nil {
			debug.Verbose("cleanup %s: %v", prefix, err)
		}
	}
	meta := s.Metadata(res.RunID, res.State.String(), res.Elapsed)
	if err := sample.WriteMetadata(s.Dir, meta); err != nil {
		debug.Error(err)
		if res.Err == nil && res.State == StateComplete {
			res.State, res.Err = StateFailed, err
		}
	}
	for _, ob := range o.Observers {
		ob.RunFinished(res.RunID, s, *res)
	}
	debug.Summary(fmt.Sprintf("%s: %s, %d/%d cells in %v", s.Name(), res.State, res.CellsDone, res.CellsTotal, res.Elapsed.Round(time.Second)))
	if res.Err != nil {
		debug.Error(res.Err)
	}
}

// grid walks the planned targets. The resolver runs on its own goroutine
// and receives one batch at a time over a channel of capacity 1.
func (o *Orchestrator) grid(ctx context.Context, s *sample.Sample, tok *Token, res *Result, start time.Time) error {
	plan := s.Plan
	res.CellsTotal = len(plan.Targets)
	debug.Grid(plan.Cols, plan.Rows, len(plan.Targets))

	batches := make(chan focus.Batch, 1)
	results := make(chan focus.Resolution, 1)
	rctx, stop := context.WithCancel(ctx)
	defer stop()
	go o.focus.Run(rctx, batches, results)
	defer func() {
		close(batches)
		for range results {
		}
	}()

	o.setState(StateTraversing)
	prevRow := -1
	for i, tg := range plan.Targets {
		if tg.Row != prevRow || i == plan.Seam {
			direction := "left"
			if i+1 < len(plan.Targets) && plan.Targets[i+1].Row == tg.Row && plan.Targets[i+1].Col > tg.Col {
				direction = "right"
			}
			debug.Row(tg.Row, plan.Rows, direction)
			prevRow = tg.Row
		}
		if tok.checkpoint(ctx) {
			return errStopped
		}
		if err := o.cell(ctx, s, res.RunID, tg, i == 0, batches, results); err != nil {
			return fmt.Errorf("cell (%d,%d): %w", tg.Row, tg.Col, err)
		}
		res.CellsDone++
		o.progress(Progress{
			Elapsed: o.now().Sub(start),
			Done:    res.CellsDone,
			Total:   res.CellsTotal,
			State:   o.State(),
			Row:     tg.Row,
			Col:     tg.Col,
			Sample:  s.Name(),
		})
	}
	return nil
}

// cell captures one grid cell: move, optionally center a core, bracket in
// Z, resolve, correct.
func (o *Orchestrator) cell(ctx context.Context, s *sample.Sample, runID string, tg geometry.Target, first bool,
	batches chan<- focus.Batch, results <-chan focus.Resolution) error {
	row, col := tg.Row, tg.Col
	o.setState(StateMoving)
	target := motion.XY(tg.X, tg.Y)
	if first {
		target = motion.XYZ(tg.X, tg.Y, tg.Z)
	}
	if err := o.moveTo(ctx, target, o.opts.FeedFastXY); err != nil {
		return err
	}
	if first && s.IsCore && s.IsVertical {
		if err := o.centerCore(ctx, s); err != nil {
			return err
		}
	}
	at := o.stage.Position()

	o.setState(StateBracketing)
	prefix := fmt.Sprintf("%s%d_%d", candidatePrefix, row, col)
	cands, err := o.bracket(ctx, s.Dir, prefix, 'Z', o.opts.HeightRangeMm, o.opts.ImagesPerBracket, o.opts.FeedSlowZ)
	if err != nil {
		return err
	}
	resolved := false
	defer func() {
		if !resolved {
			removeAll(cands)
		}
	}()

	o.setState(StateResolving)
	select {
	case batches <- focus.Batch{Row: row, Col: col, Candidates: cands}:
	case <-ctx.Done():
		return ctx.Err()
	}
	var r focus.Resolution
	select {
	case rr, ok := <-results:
		if !ok {
			return errors.New("focus resolver stopped")
		}
		r, resolved = rr, true
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.Err != nil {
		return r.Err
	}
	if r.Kept == "" {
		// nothing decodable: no tile for this cell, and no frames left
		// beside the tiles for the stitcher to pick up
		debug.Live("Cell (%d,%d) skipped: no readable frame in %d", row, col, len(cands))
		removeAll(cands)
	}

	o.setState(StateCorrecting)
	if r.Bias != 0 {
		if err := o.moveBy(ctx, motion.Z(r.Bias), o.opts.FeedSlowZ); err != nil {
			return err
		}
	}

	c := sample.Cell{
		Row:        row,
		Col:        col,
		X:          at.X,
		Y:          at.Y,
		Z:          at.Z,
		Background: r.Background,
		Std:        r.Std,
		FocusIndex: r.KeptIndex,
		Tile:       filepath.Base(r.Kept),
	}
	if r.Kept == "" {
		c.Tile = ""
	}
	s.Record(c)
	for _, ob := range o.Observers {
		ob.CellDone(runID, s, c)
	}
	return nil
}

// moveTo jogs to absolute work coordinates and waits for the stage to
// settle.
func (o *Orchestrator) moveTo(ctx context.Context, a motion.Axes, feed float64) error {
	o.stageMu.Lock()
	defer o.stageMu.Unlock()
	return o.jogAndWait(ctx, a, feed, true)
}

// moveBy jogs by a relative offset and waits.
func (o *Orchestrator) moveBy(ctx context.Context, a motion.Axes, feed float64) error {
	o.stageMu.Lock()
	defer o.stageMu.Unlock()
	return o.jogAndWait(ctx, a, feed, false)
}

// jogAndWait expects stageMu to be held.
func (o *Orchestrator) jogAndWait(ctx context.Context, a motion.Axes, feed float64, absolute bool) error {
	var err error
	if absolute {
		err = o.stage.JogAbsolute(ctx, a, feed)
	} else {
		err = o.stage.JogRelative(ctx, a, feed)
	}
	if err != nil {
		return err
	}
	if err := o.stage.BlockUntilIdle(ctx); err != nil {
		return err
	}
	return pause(ctx, o.opts.Settle)
}

// Jog is a manual relative move, refused while a run is in progress.
func (o *Orchestrator) Jog(ctx context.Context, a motion.Axes, fast bool) error {
	if o.Running() {
		return ErrBusy
	}
	feed := o.opts.FeedSlowXY
	if a.Mask == motion.AxisZ {
		feed = o.opts.FeedSlowZ
	}
	if fast {
		feed = o.opts.FeedFastXY
		if a.Mask == motion.AxisZ {
			feed = o.opts.FeedFastZ
		}
	}
	o.stageMu.Lock()
	defer o.stageMu.Unlock()
	return o.stage.JogRelative(ctx, a, feed)
}

// Home runs the homing cycle outside of a run.
func (o *Orchestrator) Home(ctx context.Context) error {
	if o.Running() {
		return ErrBusy
	}
	o.stageMu.Lock()
	defer o.stageMu.Unlock()
	return o.stage.Home(ctx)
}

// SetOrigin makes the current stage position the work origin, outside of
// a run.
func (o *Orchestrator) SetOrigin(ctx context.Context) error {
	if o.Running() {
		return ErrBusy
	}
	o.stageMu.Lock()
	defer o.stageMu.Unlock()
	if err := o.stage.SetOrigin(ctx); err != nil {
		return err
	}
	debug.Live("Work origin set")
	return nil
}

// Position is the last known stage position in work coordinates. A sample
// registered "here" takes it as its center.
func (o *Orchestrator) Position() motion.Position {
	return o.stage.Position()
}

func pause(ctx context.Context, d time.Duration) error {
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
