package geometry

import (
	"math"
)

// StepSize returns the stage translation between two neighbouring tiles
// along an axis whose field of view is fovMm, for the given overlap.
// The overlap is rounded to the micron before being subtracted.
func StepSize(fovMm, overlapPercent float64) float64 {
	overlap := math.Round(fovMm*overlapPercent/100*1000) / 1000
	return fovMm - overlap
}

// CellCount returns how many tiles of the given step cover dimMm.
// The count is always odd so the grid has a center cell; a zero step
// yields a single cell.
func CellCount(dimMm, step float64) int {
	n := 1
	if step > 0 {
		n = int(math.Ceil(dimMm / step))
	}
	if n%2 != 1 {
		n++
	}
	return n
}
