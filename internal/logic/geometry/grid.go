package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGeometry is returned when a sample cannot be tiled.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Point is a stage position in mm.
type Point struct {
	X, Y, Z float64
}

// Target is one grid cell: the stage position of its center and its
// (row, col) identity.
type Target struct {
	X, Y, Z  float64
	Row, Col int
}

// GridSpec describes the area to tile.
type GridSpec struct {
	WidthMm        float64 // bounding box of the sample
	HeightMm       float64
	Center         Point // sample center in stage coordinates
	OverlapPercent float64
	FOV            FieldOfView
}

// GridPlan is the ordered list of tiles covering a sample.
// Targets[:Seam] is the top half and Targets[Seam:] the bottom half; each
// half starts next to the center and is traversed in serpentine order.
type GridPlan struct {
	Rows    int // always odd
	Cols    int // always odd
	XStep   float64
	YStep   float64
	Targets []Target
	Seam    int
}

// Top returns the first half of the path, starting at the center cell.
func (p *GridPlan) Top() []Target { return p.Targets[:p.Seam] }

// Bottom returns the second half of the path.
func (p *GridPlan) Bottom() []Target { return p.Targets[p.Seam:] }

// Plan computes the grid and its traversal order. It is pure: the same GridSpec
// always yields the same plan.
//
// Row r and column c sit at center + ((c-cols/2)·xstep, (r-rows/2)·ystep).
// The top half covers the middle row from the center leftwards and every
// row above it, walking away from the center; the bottom half covers the
// rest of the middle row rightwards and every row below it. Column direction
// flips on every row so consecutive targets are always neighbours, except
// across the seam between the two halves.
func Plan(spec GridSpec) (*GridPlan, error) {
	if err := spec.FOV.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(spec.OverlapPercent) || spec.OverlapPercent < 0 || spec.OverlapPercent >= 100 {
		return nil, fmt.Errorf("%w: overlap must be in [0, 100), got %g", ErrInvalidGeometry, spec.OverlapPercent)
	}
	if !(spec.WidthMm >= 0) || !(spec.HeightMm >= 0) || math.IsInf(spec.WidthMm, 0) || math.IsInf(spec.HeightMm, 0) {
		return nil, fmt.Errorf("%w: sample size must be >= 0, got %gx%g mm", ErrInvalidGeometry, spec.WidthMm, spec.HeightMm)
	}

	xStep := spec.FOV.XStep(spec.OverlapPercent)
	yStep := spec.FOV.YStep(spec.OverlapPercent)
	cols := CellCount(spec.WidthMm, xStep)
	rows := CellCount(spec.HeightMm, yStep)
	midRow, midCol := rows/2, cols/2

	cell := func(r, c int) Target {
		return Target{
			X:   spec.Center.X + float64(c-midCol)*xStep,
			Y:   spec.Center.Y + float64(r-midRow)*yStep,
			Z:   spec.Center.Z,
			Row: r,
			Col: c,
		}
	}

	targets := make([]Target, 0, rows*cols)

	// top half: middle row from center to the left, then rows above
	for k, r := 0, midRow; r >= 0; k, r = k+1, r-1 {
		last := cols - 1
		if r == midRow {
			last = midCol
		}
		if k%2 == 0 {
			for c := last; c >= 0; c-- {
				targets = append(targets, cell(r, c))
			}
		} else {
			for c := 0; c <= last; c++ {
				targets = append(targets, cell(r, c))
			}
		}
	}
	seam := len(targets)

	// bottom half: middle row right of center, then rows below
	for k, r := 0, midRow; r < rows; k, r = k+1, r+1 {
		first := 0
		if r == midRow {
			first = midCol + 1
		}
		if k%2 == 0 {
			for c := first; c < cols; c++ {
				targets = append(targets, cell(r, c))
			}
		} else {
			for c := cols - 1; c >= first; c-- {
				targets = append(targets, cell(r, c))
			}
		}
	}

	return &GridPlan{
		Rows:    rows,
		Cols:    cols,
		XStep:   xStep,
		YStep:   yStep,
		Targets: targets,
		Seam:    seam,
	}, nil
}
