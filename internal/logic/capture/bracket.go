package capture

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/logic/focus"
	"github.com/cjeanneret/RingScan/internal/logic/motion"
	"github.com/cjeanneret/RingScan/internal/sample"
)

// bracket takes n frames while the stage sweeps span mm along axis,
// centered on the current position. The stage first backs off by half the
// span plus the acceleration buffer, then crosses the whole span in one
// jog; frames are timed so they fall evenly over the constant-speed part.
// The stage ends back where it started.
//
// A frame the camera failed to write is kept in the returned list so that
// indices stay aligned with heights; the resolver treats it as unreadable.
func (o *Orchestrator) bracket(ctx context.Context, dir, prefix string, axis byte, span float64, n int, feed float64) ([]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("capture: bracket of %d frames", n)
	}
	if feed <= 0 {
		return nil, fmt.Errorf("capture: bracket feed %g", feed)
	}
	o.stageMu.Lock()
	defer o.stageMu.Unlock()

	start := o.stage.Position()
	along := func(v float64) motion.Axes {
		if axis == 'X' {
			return motion.X(v)
		}
		return motion.Z(v)
	}

	buf := o.opts.BufferMm
	zeroAccel := time.Duration(buf / feed * 60 * float64(time.Second))
	between := time.Duration(span / feed * 60 / float64(n) * float64(time.Second))

	if err := o.stage.JogRelative(ctx, along(span/2+buf), o.opts.fastFeed(axis)); err != nil {
		return nil, err
	}
	if err := o.stage.BlockUntilIdle(ctx); err != nil {
		return nil, err
	}
	if err := o.stage.JogRelative(ctx, along(-(span + 2*buf)), feed); err != nil {
		return nil, err
	}
	if err := pause(ctx, zeroAccel); err != nil {
		return nil, err
	}

	frames := make([]string, 0, n)
	t0 := time.Now()
	for i := 0; i < n; i++ {
		if err := pause(ctx, time.Until(t0.Add(time.Duration(i)*between))); err != nil {
			removeAll(frames)
			return nil, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.%s", prefix, i, o.opts.Extension))
		if err := o.camera.SaveFrame(ctx, path); err != nil {
			if ctx.Err() != nil {
				removeAll(frames)
				return nil, ctx.Err()
			}
			debug.Verbose("bracket %s frame %d: %v", prefix, i, err)
		}
		frames = append(frames, path)
	}

	if err := o.stage.BlockUntilIdle(ctx); err != nil {
		removeAll(frames)
		return nil, err
	}
	back := motion.XYZ(start.X, start.Y, start.Z)
	if err := o.jogAndWait(ctx, back, o.opts.fastFeed(axis), true); err != nil {
		removeAll(frames)
		return nil, err
	}
	return frames, nil
}

func (o Options) fastFeed(axis byte) float64 {
	if axis == 'Z' {
		return o.FeedFastZ
	}
	return o.FeedFastXY
}

// centerCore brackets across X to find where the vertical core is in
// focus best and shifts X toward it. A background bracket leaves X alone.
func (o *Orchestrator) centerCore(ctx context.Context, s *sample.Sample) error {
	n := o.opts.CenteringImages
	span := o.opts.CenteringRangeMm
	if n < 2 || span <= 0 {
		return nil
	}
	frames, err := o.bracket(ctx, s.Dir, centeringPrefix+"x", 'X', span, n, o.opts.FeedSlowXY)
	if err != nil {
		return err
	}
	defer removeAll(frames)

	scorer := o.focus.Scorer()
	scores := make([]float64, 0, n)
	best, bestV := -1, math.Inf(-1)
	for i, p := range frames {
		v, err := scorer.Score(p)
		if err != nil {
			continue
		}
		scores = append(scores, v)
		if v > bestV {
			best, bestV = i, v
		}
	}
	if best < 0 || focus.IsBackground(focus.PopulationStd(scores), o.opts.BackgroundStd) {
		debug.Live("core centering: nothing to center on")
		return nil
	}

	// frame i was taken at +span/2 - i*span/n
	offset := span/2 - float64(best)*span/float64(n)
	shift := o.opts.CenteringGain * offset
	debug.Live("core centering: best frame %d/%d, shifting X by %.3f mm", best, n, shift)
	if shift == 0 {
		return nil
	}
	return o.moveBy(ctx, motion.X(shift), o.opts.FeedSlowXY)
}

func removeAll(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			debug.Verbose("remove %s: %v", p, err)
		}
	}
}
