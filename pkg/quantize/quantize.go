package quantize

import (
	"fmt"
	"math"

	"github.com/Farx1/SA-FHE/pkg/fault"
	"golang.org/x/exp/constraints"
)

// Vector holds quantized features, each in [0, MaxLevel].
type Vector []uint64

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Quantize clamps each feature to its bounds and rounds it onto the
// scheme's integer grid.
func Quantize(v []float64, s *Scheme) (Vector, error) {
	if len(v) != s.Dim() {
		return nil, fault.Errorf(fault.SchemeMismatch, "quantize.Quantize",
			"vector has %d features, scheme %s expects %d", len(v), s.ID(), s.Dim())
	}
	out := make(Vector, len(v))
	top := float64(s.MaxLevel())
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("feature %d is not finite: %v", i, x)
		}
		if s.scale[i] == 0 {
			continue
		}
		x = clamp(x, s.min[i], s.max[i])
		out[i] = uint64(clamp(math.Round((x-s.min[i])*s.scale[i]), 0, top))
	}
	return out, nil
}

// Dequantize maps quantized values back to the feature domain.
func Dequantize(q Vector, s *Scheme) ([]float64, error) {
	if len(q) != s.Dim() {
		return nil, fault.Errorf(fault.SchemeMismatch, "quantize.Dequantize",
			"vector has %d features, scheme %s expects %d", len(q), s.ID(), s.Dim())
	}
	out := make([]float64, len(q))
	for i, v := range q {
		if v > s.MaxLevel() {
			return nil, fmt.Errorf("feature %d value %d exceeds %d-bit range", i, v, s.bits)
		}
		out[i] = s.min[i]
		if s.scale[i] != 0 {
			out[i] += float64(v) / s.scale[i]
		}
	}
	return out, nil
}

// QuantizeThreshold converts a split "x[feature] < tau" into an integer
// bound c such that q(x) < c. The result lies in [0, 2^bits]: 0 never holds,
// 2^bits always holds.
func (s *Scheme) QuantizeThreshold(feature int, tau float64) uint64 {
	top := float64(s.MaxLevel() + 1)
	switch {
	case math.IsNaN(tau) || math.IsInf(tau, -1):
		return 0
	case math.IsInf(tau, 1):
		return uint64(top)
	case s.scale[feature] == 0:
		if tau > s.min[feature] {
			return uint64(top)
		}
		return 0
	}
	// q(x) < c is equivalent to (x-min)*scale < c - 1/2; pick the c whose
	// midpoint is nearest tau.
	u := (tau - s.min[feature]) * s.scale[feature]
	return uint64(clamp(math.Floor(u+1), 0, top))
}
