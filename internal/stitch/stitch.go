// Package stitch hands a finished sample directory to an external
// mosaicking program. Tiles are never touched here; the outcome is a
// status, not an error to recover from.
package stitch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cjeanneret/RingScan/internal/config"
	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/logic/capture"
	"github.com/cjeanneret/RingScan/internal/sample"
)

// Status is the outcome of a stitch.
type Status int

const (
	StatusOK Status = iota
	StatusTooLarge
	StatusFailed
	StatusSkipped // nothing configured
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTooLarge:
		return "too_large"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	}
	return "unknown"
}

// Result describes one hand-off.
type Result struct {
	Status Status
	Output string  // mosaic path, set when Status is OK
	Size   float64 // scale fraction that produced Output
	Bytes  int64
	Err    error
}

// Stitcher builds a mosaic from a sample directory.
type Stitcher interface {
	Stitch(ctx context.Context, dir string) Result
}

// Command runs an argv template once per size fraction, largest first, and
// keeps the first mosaic that fits under MaxBytes. Template tokens:
// {dir} {out} {overlap} {size} {pixel_um}.
type Command struct {
	Argv     []string
	Sizes    []float64
	MaxBytes int64

	run func(ctx context.Context, argv []string) error
}

// NewCommand builds a Command from configuration. An empty command
// returns nil.
func NewCommand(cfg config.StitchConfig) *Command {
	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		return nil
	}
	return &Command{
		Argv:     argv,
		Sizes:    append([]float64(nil), cfg.Sizes...),
		MaxBytes: int64(cfg.MaxFileSizeGB * (1 << 30)),
		run:      execRun,
	}
}

func execRun(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		debug.Verbose("stitch: %s", strings.TrimSpace(string(out)))
	}
	return err
}

// OutputName is the mosaic file name for a sample directory at a scale.
func OutputName(dir string, size float64) string {
	return fmt.Sprintf("%s_%03.0f.ome.tiff", filepath.Base(dir), size*100)
}

// Stitch reads the sample metadata for overlap and pixel size, then tries
// each size in turn.
func (c *Command) Stitch(ctx context.Context, dir string) Result {
	if c == nil || len(c.Argv) == 0 {
		return Result{Status: StatusSkipped}
	}
	meta, err := sample.ReadMetadata(dir)
	if err != nil {
		return Result{Status: StatusFailed, Err: fmt.Errorf("stitch: %w", err)}
	}
	overlap := meta.PercentOverlap / 100
	pixelUm := 0.0
	if meta.WidthPx > 0 {
		pixelUm = meta.ImageWidthMm / float64(meta.WidthPx) * 1000
	}

	run := c.run
	if run == nil {
		run = execRun
	}

	last := Result{Status: StatusFailed, Err: errors.New("stitch: no output size configured")}
	for _, size := range c.Sizes {
		out := filepath.Join(dir, OutputName(dir, size))
		argv := expand(c.Argv, map[string]string{
			"{dir}":      dir,
			"{out}":      out,
			"{overlap}":  strconv.FormatFloat(overlap, 'f', -1, 64),
			"{size}":     strconv.FormatFloat(size, 'f', -1, 64),
			"{pixel_um}": strconv.FormatFloat(pixelUm, 'f', 4, 64),
		})
		debug.Live("stitch: %s at %.0f%%", filepath.Base(dir), size*100)
		if err := run(ctx, argv); err != nil {
			return Result{Status: StatusFailed, Size: size, Err: fmt.Errorf("stitch: %w", err)}
		}
		fi, err := os.Stat(out)
		if err != nil {
			return Result{Status: StatusFailed, Size: size, Err: fmt.Errorf("stitch: no mosaic: %w", err)}
		}
		if c.MaxBytes > 0 && fi.Size() > c.MaxBytes {
			debug.Live("stitch: %s is %d bytes, over the limit", filepath.Base(out), fi.Size())
			if err := os.Remove(out); err != nil {
				debug.Verbose("stitch: remove %s: %v", out, err)
			}
			last = Result{Status: StatusTooLarge, Size: size, Bytes: fi.Size()}
			continue
		}
		return Result{Status: StatusOK, Output: out, Size: size, Bytes: fi.Size()}
	}
	return last
}

func expand(argv []string, tokens map[string]string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		for k, v := range tokens {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

// Observer stitches every completed run in the background and passes the
// result to Then.
type Observer struct {
	Stitcher Stitcher
	Then     func(dir string, r Result)

	ctx context.Context
	wg  sync.WaitGroup
}

// NewObserver stitches with s; ctx bounds the background work.
func NewObserver(ctx context.Context, s Stitcher, then func(dir string, r Result)) *Observer {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Observer{Stitcher: s, Then: then, ctx: ctx}
}

func (o *Observer) RunStarted(string, *sample.Sample)            {}
func (o *Observer) CellDone(string, *sample.Sample, sample.Cell) {}

// RunFinished starts a stitch for a completed run.
func (o *Observer) RunFinished(_ string, s *sample.Sample, r capture.Result) {
	if r.State != capture.StateComplete || o.Stitcher == nil {
		return
	}
	dir := s.Dir
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		res := o.Stitcher.Stitch(o.ctx, dir)
		switch res.Status {
		case StatusOK:
			debug.Info("Stitched %s (%d bytes)", res.Output, res.Bytes)
		case StatusSkipped:
		default:
			debug.Info("Stitch of %s: %s %v", filepath.Base(dir), res.Status, res.Err)
		}
		if o.Then != nil {
			o.Then(dir, res)
		}
	}()
}

// Wait blocks until background stitches are done.
func (o *Observer) Wait() {
	o.wg.Wait()
}
