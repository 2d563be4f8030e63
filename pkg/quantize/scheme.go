// Package quantize maps real-valued feature vectors onto small unsigned
// integers so they can be encrypted under an integer plaintext space.
package quantize

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/zeebo/blake3"
)

const (
	MinBits = 1
	MaxBits = 16
)

// Scheme is an immutable per-feature affine quantization with a shared bit width.
type Scheme struct {
	bits  int
	min   []float64
	max   []float64
	scale []float64
	id    string
}

// NewScheme validates the bounds and copies them.
func NewScheme(bits int, min, max []float64) (*Scheme, error) {
	if bits < MinBits || bits > MaxBits {
		return nil, fault.Errorf(fault.InvalidParameters, "quantize.NewScheme",
			"bit width %d outside [%d, %d]", bits, MinBits, MaxBits)
	}
	if len(min) == 0 || len(min) != len(max) {
		return nil, fault.Errorf(fault.InvalidParameters, "quantize.NewScheme",
			"bounds length mismatch: %d minimums, %d maximums", len(min), len(max))
	}

	s := &Scheme{
		bits:  bits,
		min:   append([]float64(nil), min...),
		max:   append([]float64(nil), max...),
		scale: make([]float64, len(min)),
	}
	levels := float64(s.MaxLevel())
	for i := range s.min {
		lo, hi := s.min[i], s.max[i]
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
			return nil, fault.Errorf(fault.InvalidParameters, "quantize.NewScheme",
				"feature %d has non-finite bounds [%v, %v]", i, lo, hi)
		}
		if hi < lo {
			return nil, fault.Errorf(fault.InvalidParameters, "quantize.NewScheme",
				"feature %d has max %v below min %v", i, hi, lo)
		}
		if hi > lo {
			s.scale[i] = levels / (hi - lo)
		}
	}
	s.id = s.digest()
	return s, nil
}

// Calibrate derives per-feature bounds from training samples.
func Calibrate(samples [][]float64, bits int) (*Scheme, error) {
	if len(samples) == 0 {
		return nil, fault.Errorf(fault.InvalidParameters, "quantize.Calibrate", "no calibration samples")
	}
	dim := len(samples[0])
	min := make([]float64, dim)
	max := make([]float64, dim)
	for i := range min {
		min[i] = math.Inf(1)
		max[i] = math.Inf(-1)
	}
	for r, row := range samples {
		if len(row) != dim {
			return nil, fault.Errorf(fault.SchemeMismatch, "quantize.Calibrate",
				"sample %d has %d features, expected %d", r, len(row), dim)
		}
		for i, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("sample %d feature %d is not finite", r, i)
			}
			min[i] = math.Min(min[i], v)
			max[i] = math.Max(max[i], v)
		}
	}
	return NewScheme(bits, min, max)
}

func (s *Scheme) Bits() int { return s.bits }

// Dim is the number of features the scheme quantizes.
func (s *Scheme) Dim() int { return len(s.min) }

// MaxLevel is the largest quantized value, 2^bits - 1.
func (s *Scheme) MaxLevel() uint64 { return 1<<uint(s.bits) - 1 }

func (s *Scheme) Min(i int) float64 { return s.min[i] }
func (s *Scheme) Max(i int) float64 { return s.max[i] }
func (s *Scheme) Scale(i int) float64 { return s.scale[i] }

// ErrorBound is the worst-case round-trip error of feature i for inputs
// inside its bounds.
func (s *Scheme) ErrorBound(i int) float64 {
	if s.scale[i] == 0 {
		return 0
	}
	return 1 / (2 * s.scale[i])
}

// ID identifies the scheme. Ciphertexts and circuits carry it so both
// sides can detect a mismatch.
func (s *Scheme) ID() string { return s.id }

func (s *Scheme) digest() string {
	buf := make([]byte, 0, 8+16*len(s.min))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.bits))
	for i := range s.min {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(s.min[i]))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(s.max[i]))
	}
	sum := blake3.Sum256(buf)
	return "qs-" + hex.EncodeToString(sum[:8])
}

type schemeJSON struct {
	Bits int       `json:"bits"`
	Min  []float64 `json:"min"`
	Max  []float64 `json:"max"`
	ID   string    `json:"id,omitempty"`
}

func (s *Scheme) MarshalJSON() ([]byte, error) {
	return json.Marshal(schemeJSON{Bits: s.bits, Min: s.min, Max: s.max, ID: s.id})
}

func (s *Scheme) UnmarshalJSON(data []byte) error {
	var raw schemeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewScheme(raw.Bits, raw.Min, raw.Max)
	if err != nil {
		return err
	}
	if raw.ID != "" && raw.ID != parsed.id {
		return fault.Errorf(fault.SchemeMismatch, "quantize.UnmarshalJSON",
			"stored id %s does not match bounds (%s)", raw.ID, parsed.id)
	}
	*s = *parsed
	return nil
}
