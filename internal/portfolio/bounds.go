package portfolio

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidBounds marks malformed weight bounds. It is a configuration
// error: callers should reject the run before doing any work.
var ErrInvalidBounds = errors.New("invalid weight bounds")

// Bounds limits every instrument's weight to [Min, Max].
type Bounds struct {
	Min float64 `json:"min" yaml:"min" mapstructure:"min"`
	Max float64 `json:"max" yaml:"max" mapstructure:"max"`
}

// DefaultBounds is the long-only box [0, 1].
func DefaultBounds() Bounds {
	return Bounds{Min: 0, Max: 1}
}

// Validate rejects NaN and min > max.
func (b Bounds) Validate() error {
	if math.IsNaN(b.Min) || math.IsNaN(b.Max) || math.IsInf(b.Min, 0) || math.IsInf(b.Max, 0) {
		return fmt.Errorf("%w: bounds must be finite", ErrInvalidBounds)
	}
	if b.Min > b.Max {
		return fmt.Errorf("%w: min %.4f > max %.4f", ErrInvalidBounds, b.Min, b.Max)
	}
	return nil
}

// effective applies the long-only restriction.
func (b Bounds) effective(longOnly bool) Bounds {
	if longOnly && b.Min < 0 {
		b.Min = 0
	}
	return b
}

// feasible reports whether n weights inside the box can sum to 1.
func (b Bounds) feasible(n int) bool {
	const eps = 1e-12
	return float64(n)*b.Min <= 1+eps && float64(n)*b.Max >= 1-eps
}

// project returns the Euclidean projection of x onto
// {w : sum(w) = 1, Min <= w_i <= Max}. The box must be feasible for len(x).
//
// The projection has the form w_i = clamp(x_i - tau, Min, Max) for the unique
// shift tau making the weights sum to 1; tau is found by bisection.
func (b Bounds) project(x []float64) []float64 {
	n := len(x)
	w := make([]float64, n)
	if b.Max-b.Min < 1e-12 {
		for i := range w {
			w[i] = b.Min
		}
		return w
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range x {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	// At tauLo every weight sits at Max, at tauHi every weight sits at Min.
	tauLo, tauHi := lo-b.Max, hi-b.Min

	sum := func(tau float64) float64 {
		var s float64
		for _, v := range x {
			s += clamp(v-tau, b.Min, b.Max)
		}
		return s
	}

	for range 200 {
		mid := (tauLo + tauHi) / 2
		if mid == tauLo || mid == tauHi {
			break
		}
		if sum(mid) > 1 {
			tauLo = mid
		} else {
			tauHi = mid
		}
	}

	tau := (tauLo + tauHi) / 2
	for i, v := range x {
		w[i] = clamp(v-tau, b.Min, b.Max)
	}
	return w
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
