package focus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cjeanneret/RingScan/internal/config"
	"github.com/cjeanneret/RingScan/internal/debug"
)

// ErrEmptyBatch is returned by Resolve for a batch without candidates.
var ErrEmptyBatch = errors.New("focus: empty batch")

// Batch is the set of frames taken for one grid cell.
type Batch struct {
	Row, Col   int
	Candidates []string // in capture order, top of the bracket first
}

// Resolution is the outcome of one batch.
type Resolution struct {
	Row, Col   int
	Kept       string // final path of the kept frame, "" when nothing was readable
	KeptIndex  int    // index in Candidates, -1 when nothing was readable
	Scores     []float64
	Std        float64
	Background bool
	Bias       float64 // relative Z correction in mm to apply before the next cell
	Err        error
}

// State is a snapshot of the coordinator's focus state.
type State struct {
	LastStd    float64
	Background bool
	Integral   float64
	Bias       float64
}

// Coordinator scores brackets, keeps the sharpest frame per cell and runs
// the PID that keeps the sharpest frame near the middle of the bracket.
type Coordinator struct {
	scorer     *Scorer
	score      func(path string) (float64, error)
	pid        *PID
	scale      float64
	threshold  float64
	archiveDir string
	deleteRest bool

	mu    sync.Mutex
	state State
}

// Options configures a Coordinator.
type Options struct {
	Kp, Ki, Kd    float64
	ScaleFactor   float64
	BackgroundStd float64
	BracketSize   int    // setpoint is BracketSize/2
	ArchiveDir    string // discarded frames are moved here instead of deleted
	// DeleteDiscarded removes non-kept frames when ArchiveDir is empty.
	// With neither set they are moved to DiscardDir beside the tiles.
	DeleteDiscarded bool
	BlurSigma       float64
	ReadRetries     int
}

// OptionsFromConfig maps configuration onto coordinator options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Kp:              cfg.Focus.Kp,
		Ki:              cfg.Focus.Ki,
		Kd:              cfg.Focus.Kd,
		ScaleFactor:     cfg.Focus.PIDScaleFactor,
		BackgroundStd:   cfg.Focus.BackgroundStdThreshold,
		BracketSize:     cfg.Capture.ImagesPerBracket,
		ArchiveDir:      cfg.Focus.ArchiveDir,
		DeleteDiscarded: cfg.Capture.DeleteDiscardedFrames,
		BlurSigma:       cfg.Focus.BlurSigma,
		ReadRetries:     cfg.Focus.ReadRetries,
	}
}

// NewCoordinator builds a coordinator.
func NewCoordinator(opts Options) *Coordinator {
	scorer := NewScorer(opts.BlurSigma, opts.ReadRetries)
	return &Coordinator{
		scorer:     scorer,
		score:      scorer.Score,
		pid:        NewPID(opts.Kp, opts.Ki, opts.Kd, float64(opts.BracketSize/2)),
		scale:      opts.ScaleFactor,
		threshold:  opts.BackgroundStd,
		archiveDir: opts.ArchiveDir,
		deleteRest: opts.DeleteDiscarded,
	}
}

// PID exposes the controller, mainly so tests can pin its clock.
func (c *Coordinator) PID() *PID { return c.pid }

// Scorer returns the scorer used for brackets.
func (c *Coordinator) Scorer() *Scorer { return c.scorer }

// State returns a copy of the focus state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset clears focus state and the PID, before a new sample.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pid.Reset()
	c.state = State{}
}

// TileName is the final file name of the kept frame of a cell.
func TileName(row, col int, ext string) string {
	return fmt.Sprintf("tile_%d_%d%s", row, col, ext)
}

// Resolve scores every candidate of b, keeps the best one under its cell
// name and disposes of the others.
func (c *Coordinator) Resolve(b Batch) (Resolution, error) {
	res := Resolution{Row: b.Row, Col: b.Col, KeptIndex: -1}
	if len(b.Candidates) == 0 {
		return res, ErrEmptyBatch
	}

	scores := make([]float64, len(b.Candidates))
	readable := make([]float64, 0, len(b.Candidates))
	best := -1
	for i, path := range b.Candidates {
		v, err := c.score(path)
		if err != nil {
			debug.Verbose("cell (%d,%d): skipping unreadable frame %s: %v", b.Row, b.Col, path, err)
			scores[i] = -1
			continue
		}
		scores[i] = v
		readable = append(readable, v)
		if best < 0 || v > scores[best] {
			best = i
		}
	}
	res.Scores = scores

	if best < 0 {
		debug.Live("cell (%d,%d): no readable frame, keeping nothing", b.Row, b.Col)
		return res, nil
	}

	res.Std = PopulationStd(readable)
	res.Background = IsBackground(res.Std, c.threshold)

	kept := b.Candidates[best]
	final := filepath.Join(filepath.Dir(kept), TileName(b.Row, b.Col, filepath.Ext(kept)))
	if kept != final {
		if err := os.Rename(kept, final); err != nil {
			// every candidate and the PID stay as they were
			return res, fmt.Errorf("focus: keep %s: %w", kept, err)
		}
	}
	res.Kept = final
	res.KeptIndex = best

	if !res.Background {
		out := c.pid.Update(float64(best))
		res.Bias = out * c.scale
	}

	for i, path := range b.Candidates {
		if i == best {
			continue
		}
		c.discard(path)
	}

	c.mu.Lock()
	c.state.LastStd = res.Std
	c.state.Background = res.Background
	c.state.Integral = c.pid.Integral()
	c.state.Bias = res.Bias
	c.mu.Unlock()

	debug.Cell(b.Row, b.Col, best, res.Background, res.Bias)
	return res, nil
}

// DiscardDir is where non-kept frames go, next to the tiles, when neither
// an archive directory nor deletion is configured.
const DiscardDir = "discarded"

func (c *Coordinator) discard(path string) {
	if c.deleteRest && c.archiveDir == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			debug.Verbose("delete %s: %v", path, err)
		}
		return
	}
	dir := c.archiveDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(path), DiscardDir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		debug.Verbose("discard dir: %v", err)
		return
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil && !os.IsNotExist(err) {
		debug.Verbose("move %s: %v", path, err)
	}
}

// Run resolves batches from in until it is closed or ctx is done, sending
// one Resolution per batch on out. out is closed on return. Errors travel
// inside the Resolution; a panic while resolving is turned into one too.
func (c *Coordinator) Run(ctx context.Context, in <-chan Batch, out chan<- Resolution) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-in:
			if !ok {
				return
			}
			res := c.resolveSafe(b)
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Coordinator) resolveSafe(b Batch) (res Resolution) {
	defer func() {
		if r := recover(); r != nil {
			res = Resolution{Row: b.Row, Col: b.Col, KeptIndex: -1,
				Err: fmt.Errorf("focus: resolving cell (%d,%d): %v", b.Row, b.Col, r)}
		}
	}()
	res, err := c.Resolve(b)
	res.Err = err
	return res
}

// CleanupCandidates removes leftover bracket frames in dir that never made
// it into a tile, after a cancelled or failed run.
func CleanupCandidates(dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
