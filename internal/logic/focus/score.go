package focus

import (
	"fmt"
	"image"
	_ "image/jpeg" // frame decoders
	_ "image/png"
	"math"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/disintegration/gift"
	_ "golang.org/x/image/tiff"

	"github.com/cjeanneret/RingScan/internal/debug"
)

// laplacian is the 4-neighbour 3x3 kernel.
var laplacian = []float32{
	0, 1, 0,
	1, -4, 1,
	0, 1, 0,
}

// Scorer turns frames on disk into sharpness scores.
type Scorer struct {
	BlurSigma float32 // gaussian pre-blur for LaplacianVariance, 0 disables it
	Retries   int     // extra read attempts for a frame still being written

	gray *gift.GIFT
	edge *gift.GIFT
}

// NewScorer builds a scorer. retries < 0 is treated as 0.
func NewScorer(blurSigma float64, retries int) *Scorer {
	if retries < 0 {
		retries = 0
	}
	filters := []gift.Filter{gift.Grayscale()}
	if blurSigma > 0 {
		filters = append(filters, gift.GaussianBlur(float32(blurSigma)))
	}
	filters = append(filters, gift.Convolution(laplacian, false, false, true, 0))
	return &Scorer{
		BlurSigma: float32(blurSigma),
		Retries:   retries,
		gray:      gift.New(gift.Grayscale()),
		edge:      gift.New(filters...),
	}
}

// NormalizedVariance returns Σ(p-μ)²/(W·H·μ) over the pixel intensities.
// A black frame (μ = 0) scores 0.
func NormalizedVariance(img *image.Gray) float64 {
	b := img.Bounds()
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return 0
	}
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y) : img.PixOffset(b.Min.X, y)+b.Dx()]
		for _, p := range row {
			sum += float64(p)
		}
	}
	mean := sum / n
	if mean == 0 {
		return 0
	}
	var ss float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y) : img.PixOffset(b.Min.X, y)+b.Dx()]
		for _, p := range row {
			d := float64(p) - mean
			ss += d * d
		}
	}
	return ss / (n * mean)
}

// LaplacianVariance returns the variance of the (blurred) Laplacian of img.
// It rewards high-frequency detail and is the metric used when sweeping Z.
func (s *Scorer) LaplacianVariance(img image.Image) float64 {
	dst := image.NewGray(s.edge.Bounds(img.Bounds()))
	s.edge.Draw(dst, img)
	return variance(dst.Pix)
}

// StripVariance scores the top (or bottom) fraction of img. It is the edge
// sentinel while sweeping a core: once the leading strip turns flat the
// core has ended.
func (s *Scorer) StripVariance(img image.Image, fraction float64, bottom bool) float64 {
	b := img.Bounds()
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	h := int(math.Ceil(float64(b.Dy()) * fraction))
	strip := image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+h)
	if bottom {
		strip = image.Rect(b.Min.X, b.Max.Y-h, b.Max.X, b.Max.Y)
	}
	if sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return s.LaplacianVariance(sub.SubImage(strip))
	}
	return s.LaplacianVariance(img)
}

func variance(pix []uint8) float64 {
	if len(pix) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pix {
		sum += float64(p)
	}
	mean := sum / float64(len(pix))
	var ss float64
	for _, p := range pix {
		d := float64(p) - mean
		ss += d * d
	}
	return ss / float64(len(pix))
}

// PopulationStd returns the population standard deviation of values.
func PopulationStd(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var ss float64
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(values)))
}

// IsBackground reports whether a bracket whose scores spread by std is
// looking at empty mount rather than wood.
func IsBackground(std, threshold float64) bool {
	return std < threshold
}

// LoadGray decodes a frame and converts it to 8-bit grayscale. Reads are
// retried with a short backoff since the camera may still be flushing the file.
func (s *Scorer) LoadGray(path string) (*image.Gray, error) {
	var img image.Image
	op := func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		decoded, _, err := image.Decode(f)
		if err != nil {
			return err
		}
		img = decoded
		return nil
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         250 * time.Millisecond,
		MaxElapsedTime:      2 * time.Second,
		Clock:               backoff.SystemClock}, uint64(s.Retries)))
	if err != nil {
		return nil, fmt.Errorf("focus: read %s: %w", path, err)
	}
	if g, ok := img.(*image.Gray); ok {
		return g, nil
	}
	dst := image.NewGray(s.gray.Bounds(img.Bounds()))
	s.gray.Draw(dst, img)
	return dst, nil
}

// Score loads path and returns its normalized variance.
func (s *Scorer) Score(path string) (float64, error) {
	img, err := s.LoadGray(path)
	if err != nil {
		return 0, err
	}
	v := NormalizedVariance(img)
	debug.Trace("score %s = %.3f", path, v)
	return v, nil
}
