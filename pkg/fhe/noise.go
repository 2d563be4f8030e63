package fhe

import (
	"math"
	"math/bits"

	"github.com/Farx1/SA-FHE/pkg/activation"
)

// Op names the homomorphic operations the evaluator schedules.
type Op int

const (
	OpAdd Op = iota
	OpCompare
	OpSelect
	OpExtract
	OpMask
	OpRefresh
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpCompare:
		return "compare"
	case OpSelect:
		return "select"
	case OpExtract:
		return "extract"
	case OpMask:
		return "mask"
	case OpRefresh:
		return "refresh"
	}
	return "unknown"
}

// NoiseModel estimates the log2 magnitude of the error term carried by a
// ciphertext. Every operation grows the estimate by at least one bit, so
// the integer budget strictly decreases.
type NoiseModel struct {
	LogN int
	LogQ float64
	LogT float64
}

// Estimate is the noise of one operand. Const operands are trivial
// plaintexts and carry no noise.
type Estimate struct {
	Bits  float64
	Const bool
}

func (m NoiseModel) Fresh() float64 { return float64(m.LogN)/2 + 6 }
func (m NoiseModel) KeySwitch() float64 { return m.Fresh() }

// Ceiling is the largest estimate that still decrypts correctly.
func (m NoiseModel) Ceiling() float64 { return m.LogQ - m.LogT - 2 }

// Budget is the number of bits left before decryption fails. Negative
// means the ciphertext is no longer decryptable.
func (m NoiseModel) Budget(noise float64) int {
	return int(math.Floor(m.Ceiling() - noise))
}

func (m NoiseModel) Add(a, b float64) float64 { return math.Max(a, b) + 1 }

func (m NoiseModel) AddScalar(a float64) float64 { return a + 1 }

// MulScalar accounts for a multiplication by the centered integer k.
func (m NoiseModel) MulScalar(a float64, k int64) float64 {
	if k < 0 {
		k = -k
	}
	return a + float64(bits.Len64(uint64(k))) + 1
}

// MulScalarBound is MulScalar for an unknown scalar of up to t/2.
func (m NoiseModel) MulScalarBound(a float64) float64 { return a + math.Ceil(m.LogT) + 1 }

func (m NoiseModel) Mul(a, b float64) float64 {
	return math.Max(a, b) + m.LogT + float64(m.LogN)/2 + 2
}

func (m NoiseModel) Rotate(a float64) float64 { return math.Max(a, m.KeySwitch()) + 1 }

// Mask multiplies by a plaintext vector.
func (m NoiseModel) Mask(a float64) float64 { return a + m.LogT + float64(m.LogN)/2 + 1 }

// Extract applies one rotation per set bit of the slot index.
func (m NoiseModel) Extract(a float64, rotations int) float64 {
	for i := 0; i < rotations; i++ {
		a = m.Rotate(a)
	}
	return a
}

// Compare bounds the noise of the degree 2^nbits - 1 step polynomial,
// assuming every coefficient is present and as large as t/2.
func (m NoiseModel) Compare(x float64, nbits int) float64 {
	coefs := make([]uint64, 1<<uint(nbits))
	for i := range coefs {
		coefs[i] = 1
	}
	out, _ := activation.EvalPolynomial(coefs, activation.NewPowerBasis(x), noiseOps{m})
	return out
}

// AddEstimate is the noise of a+b when either side may be constant.
func (m NoiseModel) AddEstimate(a, b Estimate) Estimate {
	switch {
	case a.Const && b.Const:
		return Estimate{Const: true}
	case a.Const:
		return Estimate{Bits: m.AddScalar(b.Bits)}
	case b.Const:
		return Estimate{Bits: m.AddScalar(a.Bits)}
	}
	lo, hi := math.Min(a.Bits, b.Bits), math.Max(a.Bits, b.Bits)
	return Estimate{Bits: m.Add(hi, m.MulScalarBound(lo))}
}

// SubEstimate is the noise of a-b, computed as a+(-1)*b.
func (m NoiseModel) SubEstimate(a, b Estimate) Estimate {
	if !b.Const {
		b.Bits = m.MulScalar(b.Bits, -1)
	}
	return m.AddEstimate(a, b)
}

// SelectEstimate bounds cond*(a-b)+b for an encrypted condition.
func (m NoiseModel) SelectEstimate(cond, a, b Estimate) Estimate {
	var prod float64
	if diff := m.SubEstimate(a, b); diff.Const {
		prod = m.MulScalarBound(cond.Bits)
	} else {
		prod = m.Mul(cond.Bits, diff.Bits)
	}
	return m.AddEstimate(Estimate{Bits: prod}, b)
}

// Cost is the budget consumed by op applied to fresh operands. For
// OpCompare arg is the comparison width, for OpExtract the rotation count.
func (m NoiseModel) Cost(op Op, arg int) int {
	fresh := m.Fresh()
	var after float64
	switch op {
	case OpAdd:
		after = m.AddEstimate(Estimate{Bits: fresh}, Estimate{Bits: fresh}).Bits
	case OpCompare:
		after = m.Compare(fresh, arg)
	case OpSelect:
		e := Estimate{Bits: fresh}
		after = m.SelectEstimate(e, e, e).Bits
	case OpExtract:
		after = m.Extract(fresh, arg)
	case OpMask:
		after = m.Mask(fresh)
	default:
		return 0
	}
	return m.Budget(fresh) - m.Budget(after)
}

type noiseOps struct{ m NoiseModel }

func (o noiseOps) Mul(a, b float64) (float64, error) { return o.m.Mul(a, b), nil }
func (o noiseOps) MulScalar(a float64, _ uint64) (float64, error) {
	return o.m.MulScalarBound(a), nil
}
func (o noiseOps) Add(a, b float64) (float64, error) { return o.m.Add(a, b), nil }
func (o noiseOps) AddScalar(a float64, _ uint64) (float64, error) { return o.m.AddScalar(a), nil }
