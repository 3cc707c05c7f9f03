package focus

import (
	"context"
	"errors"
	"math"
)

var invPhi = (math.Sqrt(5) - 1) / 2

// Probe evaluates sharpness at z. For the gantry this means: move Z, grab
// a frame, score it.
type Probe func(ctx context.Context, z float64) (float64, error)

// GoldenSection searches [lo, hi] for the z maximising probe, assuming a
// single peak, and stops once the bracket is narrower than tol. It returns
// the best z seen and its score.
func GoldenSection(ctx context.Context, lo, hi, tol float64, probe Probe) (float64, float64, error) {
	if lo > hi {
		lo, hi = hi, lo
	}
	if !(tol > 0) {
		return 0, 0, errors.New("focus: tolerance must be > 0")
	}

	bestZ, bestV := math.NaN(), math.Inf(-1)
	eval := func(z float64) (float64, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		v, err := probe(ctx, z)
		if err != nil {
			return 0, err
		}
		if v > bestV {
			bestZ, bestV = z, v
		}
		return v, nil
	}

	c := hi - invPhi*(hi-lo)
	d := lo + invPhi*(hi-lo)
	fc, err := eval(c)
	if err != nil {
		return 0, 0, err
	}
	fd, err := eval(d)
	if err != nil {
		return 0, 0, err
	}

	for hi-lo > tol {
		if fc > fd {
			hi, d, fd = d, c, fc
			c = hi - invPhi*(hi-lo)
			if fc, err = eval(c); err != nil {
				return 0, 0, err
			}
		} else {
			lo, c, fc = c, d, fd
			d = lo + invPhi*(hi-lo)
			if fd, err = eval(d); err != nil {
				return 0, 0, err
			}
		}
	}
	return bestZ, bestV, nil
}
