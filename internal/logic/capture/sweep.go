package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/logic/focus"
	"github.com/cjeanneret/RingScan/internal/logic/motion"
	"github.com/cjeanneret/RingScan/internal/sample"
)

// flatStrips is how many consecutive flat leading strips end a direction.
const flatStrips = 2

// sweep captures a vertical core as a single column. Starting from the
// sample center it steps along +Y until the leading edge of the frame goes
// flat, returns to the center and does the same along -Y. Z is found by a
// golden-section search every RefocusEvery steps instead of bracketing.
// Rows are numbered from the center: positive upward, negative downward.
func (o *Orchestrator) sweep(ctx context.Context, s *sample.Sample, tok *Token, res *Result, start time.Time) error {
	co := o.opts.Core
	if co.StepMm <= 0 || co.MaxSteps < 1 {
		return fmt.Errorf("capture: core sweep needs step_mm > 0 and max_steps >= 1")
	}
	refocusEvery := max(co.RefocusEvery, 1)

	o.setState(StateMoving)
	c := s.Center
	if err := o.moveTo(ctx, motion.XYZ(c.X, c.Y, c.Z), o.opts.FeedFastXY); err != nil {
		return err
	}
	if err := o.centerCore(ctx, s); err != nil {
		return err
	}
	origin := o.stage.Position()
	centerZ := origin.Z

	for _, dir := range []int{1, -1} {
		first, heading := 0, "+Y"
		if dir < 0 {
			first, heading = 1, "-Y"
		}
		debug.Live("core sweep: heading %s from y=%.3f", heading, origin.Y)
		z := centerZ
		flat := 0
		for k := first; k <= co.MaxSteps; k++ {
			if tok.checkpoint(ctx) {
				return errStopped
			}
			y := origin.Y + float64(dir*k)*co.StepMm

			o.setState(StateMoving)
			target := motion.XY(origin.X, y)
			if k == first {
				target = motion.XYZ(origin.X, y, z)
			}
			if err := o.moveTo(ctx, target, o.opts.FeedFastXY); err != nil {
				return err
			}

			if k%refocusEvery == 0 {
				o.setState(StateRefocusing)
				best, err := o.refocus(ctx, s.Dir, z, co)
				if err != nil {
					return fmt.Errorf("refocus at row %d: %w", dir*k, err)
				}
				z = best
				if k == 0 {
					centerZ = z
				}
			}

			o.setState(StateSweeping)
			row := dir * k
			cell, edge, err := o.sweepFrame(ctx, s.Dir, row, dir < 0)
			if err != nil {
				return fmt.Errorf("row %d: %w", row, err)
			}
			s.Record(cell)
			for _, ob := range o.Observers {
				ob.CellDone(res.RunID, s, cell)
			}
			res.CellsDone++
			o.progress(Progress{
				Elapsed: o.now().Sub(start),
				Done:    res.CellsDone,
				State:   o.State(),
				Row:     row,
				Sample:  s.Name(),
			})

			if edge < co.EdgeThreshold {
				flat++
			} else {
				flat = 0
			}
			if flat >= flatStrips {
				debug.Live("core sweep: end of core at row %d", row)
				break
			}
		}
	}
	res.CellsTotal = res.CellsDone
	return nil
}

// sweepFrame saves the tile for row at the current pose and scores its
// leading strip.
func (o *Orchestrator) sweepFrame(ctx context.Context, dir string, row int, bottom bool) (sample.Cell, float64, error) {
	at := o.stage.Position()
	name := focus.TileName(row, 0, "."+o.opts.Extension)
	path := filepath.Join(dir, name)
	if err := o.camera.SaveFrame(ctx, path); err != nil {
		return sample.Cell{}, 0, err
	}
	scorer := o.focus.Scorer()
	img, err := scorer.LoadGray(path)
	if err != nil {
		return sample.Cell{}, 0, err
	}
	sharp := scorer.LaplacianVariance(img)
	edge := scorer.StripVariance(img, o.opts.Core.StripFraction, bottom)
	debug.Verbose("core sweep row %d: sharpness %.2f, edge %.2f", row, sharp, edge)
	return sample.Cell{
		Row:        row,
		Col:        0,
		X:          at.X,
		Y:          at.Y,
		Z:          at.Z,
		Background: sharp < o.opts.Core.EdgeThreshold,
		Std:        sharp,
		FocusIndex: 0,
		Tile:       name,
	}, edge, nil
}

// refocus searches z +- window/2 for the sharpest frame and leaves the
// stage there.
func (o *Orchestrator) refocus(ctx context.Context, dir string, z float64, co CoreOptions) (float64, error) {
	probePath := filepath.Join(dir, probeName+"."+o.opts.Extension)
	defer os.Remove(probePath)

	scorer := o.focus.Scorer()
	probe := func(ctx context.Context, pz float64) (float64, error) {
		if err := o.moveTo(ctx, motion.Z(pz), o.opts.FeedFastZ); err != nil {
			return 0, err
		}
		if err := o.camera.SaveFrame(ctx, probePath); err != nil {
			return 0, err
		}
		img, err := scorer.LoadGray(probePath)
		if err != nil {
			return 0, err
		}
		return scorer.LaplacianVariance(img), nil
	}

	half := co.WindowMm / 2
	best, v, err := focus.GoldenSection(ctx, z-half, z+half, co.ToleranceMm, probe)
	if err != nil {
		return z, err
	}
	debug.Live("refocus: z %.3f -> %.3f (sharpness %.2f)", z, best, v)
	if err := o.moveTo(ctx, motion.Z(best), o.opts.FeedFastZ); err != nil {
		return z, err
	}
	return best, nil
}
