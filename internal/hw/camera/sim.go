package camera

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/gift"
	"golang.org/x/image/tiff"

	"github.com/cjeanneret/RingScan/internal/debug"
)

// Pose reports where the stage is, in work coordinates (mm).
type Pose func() (x, y, z float64)

// Sim renders synthetic tree-ring frames for the current stage pose.
// Rings are concentric around (RingX, RingY); the frame is blurred by
// |z - FocalZ| / DepthOfField pixels of gaussian sigma, so focus search
// and bracketing behave as on a real lens. Outside the sample (Inside
// returns false) the frame shows flat mount board.
type Sim struct {
	Width, Height int
	PxPerMm       float64
	FocalZ        float64
	DepthOfField  float64 // mm of defocus per pixel of blur
	RingX, RingY  float64
	RingPeriodMm  float64
	Inside        func(x, y float64) bool
	Delay         time.Duration // exposure + transfer time

	pose Pose

	mu     sync.Mutex
	frames int
}

// NewSim returns a simulated camera whose frame spans fovWidthMm.
func NewSim(width, height int, fovWidthMm float64, pose Pose) *Sim {
	ppm := 100.0
	if fovWidthMm > 0 {
		ppm = float64(width) / fovWidthMm
	}
	return &Sim{
		Width:        width,
		Height:       height,
		PxPerMm:      ppm,
		DepthOfField: 0.05,
		RingPeriodMm: 0.8,
		pose:         pose,
	}
}

// Frames returns how many frames were saved.
func (s *Sim) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Render draws the frame seen at (x, y, z).
func (s *Sim) Render(x, y, z float64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, s.Width, s.Height))
	for py := 0; py < s.Height; py++ {
		sy := y - float64(py-s.Height/2)/s.PxPerMm
		for px := 0; px < s.Width; px++ {
			sx := x + float64(px-s.Width/2)/s.PxPerMm
			img.Pix[py*img.Stride+px] = s.texel(sx, sy)
		}
	}

	sigma := math.Abs(z-s.FocalZ) / s.DepthOfField
	if sigma < 0.05 {
		return img
	}
	if sigma > 12 {
		sigma = 12
	}
	g := gift.New(gift.GaussianBlur(float32(sigma)))
	dst := image.NewGray(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

func (s *Sim) texel(x, y float64) uint8 {
	if s.Inside != nil && !s.Inside(x, y) {
		return 200
	}
	r := math.Hypot(x-s.RingX, y-s.RingY)
	v := 120 + 70*math.Sin(2*math.Pi*r/s.RingPeriodMm) + grain(x, y)
	return uint8(math.Max(0, math.Min(255, v)))
}

// grain is a cheap deterministic per-position noise in [-25, 25).
func grain(x, y float64) float64 {
	h := uint32(int64(x*1000))*73856093 ^ uint32(int64(y*1000))*19349663
	h ^= h >> 13
	h *= 0x5bd1e995
	h ^= h >> 15
	return float64(h%50) - 25
}

// SaveFrame renders the current pose into path; the encoder follows the
// file extension (tif/tiff, png, jpg/jpeg).
func (s *Sim) SaveFrame(ctx context.Context, path string) error {
	if err := wait(ctx, s.Delay); err != nil {
		return err
	}
	x, y, z := s.pose()
	img := s.Render(x, y, z)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		err = tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate})
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(f, img)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("camera: encode %s: %w", path, err)
	}

	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
	debug.Trace("sim frame %s at (%.3f, %.3f, %.3f)", filepath.Base(path), x, y, z)
	return nil
}
