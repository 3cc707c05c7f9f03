package geometry

import (
	"fmt"

	"github.com/cjeanneret/RingScan/internal/config"
)

// FieldOfView is what a single frame covers, measured on the rig
// (a printed 1 mm grid under the lens is the usual way).
type FieldOfView struct {
	WidthMm  float64
	HeightMm float64
	WidthPx  int
	HeightPx int
}

// NewFieldOfView reads the calibrated field of view from configuration.
func NewFieldOfView(cfg *config.Config) (FieldOfView, error) {
	fov := FieldOfView{
		WidthMm:  cfg.Defaults.ImageWidthMm,
		HeightMm: cfg.Defaults.ImageHeightMm,
		WidthPx:  cfg.Camera.WidthPx,
		HeightPx: cfg.Camera.HeightPx,
	}
	if err := fov.Validate(); err != nil {
		return FieldOfView{}, err
	}
	return fov, nil
}

// Validate rejects a field of view that cannot tile anything.
func (f FieldOfView) Validate() error {
	if !(f.WidthMm > 0) || !(f.HeightMm > 0) {
		return fmt.Errorf("%w: field of view must be > 0, got %gx%g mm", ErrInvalidGeometry, f.WidthMm, f.HeightMm)
	}
	return nil
}

// DPI returns the horizontal scan resolution in dots per inch.
// Formula: DPI = 25.4 × width_px / width_mm
func (f FieldOfView) DPI() float64 {
	if f.WidthMm <= 0 {
		return 0
	}
	return 25.4 * float64(f.WidthPx) / f.WidthMm
}

// XStep returns the X translation between two columns for the overlap.
func (f FieldOfView) XStep(overlapPercent float64) float64 {
	return StepSize(f.WidthMm, overlapPercent)
}

// YStep returns the Y translation between two rows for the overlap.
func (f FieldOfView) YStep(overlapPercent float64) float64 {
	return StepSize(f.HeightMm, overlapPercent)
}
