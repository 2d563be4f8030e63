package activation

import (
	"fmt"
	"math/bits"
)

// Multiplier multiplies two values of an arithmetic backend.
type Multiplier[C any] interface {
	Mul(a, b C) (C, error)
}

// Ops is the arithmetic needed to evaluate a polynomial with integer
// coefficients modulo the plaintext modulus.
type Ops[C any] interface {
	Multiplier[C]
	MulScalar(a C, k uint64) (C, error)
	Add(a, b C) (C, error)
	AddScalar(a C, k uint64) (C, error)
}

type PowerBasis[C any] struct {
	Value map[int]C // x^i for every generated i >= 1
}

func NewPowerBasis[C any](x C) *PowerBasis[C] {
	pb := &PowerBasis[C]{
		Value: make(map[int]C),
	}
	pb.Value[1] = x
	return pb
}

// GenPower computes x^n from two smaller powers chosen by SplitDegree,
// generating them first when missing.
func (pb *PowerBasis[C]) GenPower(n int, m Multiplier[C]) error {
	if n < 1 {
		return fmt.Errorf("invalid power %d", n)
	}
	if _, ok := pb.Value[n]; ok {
		return nil
	}

	a, b := SplitDegree(n)
	if err := pb.GenPower(a, m); err != nil {
		return fmt.Errorf("power generation failed at %d: %w", a, err)
	}
	if err := pb.GenPower(b, m); err != nil {
		return fmt.Errorf("power generation failed at %d: %w", b, err)
	}

	v, err := m.Mul(pb.Value[a], pb.Value[b])
	if err != nil {
		return fmt.Errorf("multiplication failed for x^%d * x^%d: %w", a, b, err)
	}
	pb.Value[n] = v
	return nil
}

func SplitDegree(n int) (a, b int) {
	if n <= 1 {
		return n, 0
	}
	if n&(n-1) == 0 {
		return n / 2, n / 2
	}
	k := bits.Len64(uint64(n-1)) - 1
	base := 1 << k
	if n-base < base/2 {
		a = base / 2
		b = n - base/2
	} else {
		a = base - 1
		b = n - (base - 1)
	}
	return
}

// Degree returns the index of the highest non-zero coefficient, or -1.
func Degree(coefs []uint64) int {
	d := len(coefs) - 1
	for d >= 0 && coefs[d] == 0 {
		d--
	}
	return d
}

// EvalPolynomial returns sum_i coefs[i] * x^i using the powers held by pb.
// Terms are summed pairwise so additions contribute logarithmic depth.
func EvalPolynomial[C any](coefs []uint64, pb *PowerBasis[C], ops Ops[C]) (C, error) {
	var result C
	var terms []C

	degree := Degree(coefs)
	for i := 1; i <= degree; i++ {
		if coefs[i] == 0 {
			continue
		}
		if err := pb.GenPower(i, ops); err != nil {
			return result, err
		}
		term, err := ops.MulScalar(pb.Value[i], coefs[i])
		if err != nil {
			return result, fmt.Errorf("scalar multiplication failed at x^%d: %w", i, err)
		}
		terms = append(terms, term)
	}

	for len(terms) > 1 {
		next := terms[:0:0]
		for i := 0; i+1 < len(terms); i += 2 {
			sum, err := ops.Add(terms[i], terms[i+1])
			if err != nil {
				return result, fmt.Errorf("addition failed: %w", err)
			}
			next = append(next, sum)
		}
		if len(terms)%2 == 1 {
			next = append(next, terms[len(terms)-1])
		}
		terms = next
	}

	var err error
	if len(terms) == 1 {
		result = terms[0]
	} else {
		// Constant polynomial: zero out x and add the constant below.
		if result, err = ops.MulScalar(pb.Value[1], 0); err != nil {
			return result, err
		}
	}
	if len(coefs) > 0 && coefs[0] != 0 {
		if result, err = ops.AddScalar(result, coefs[0]); err != nil {
			return result, fmt.Errorf("constant addition failed: %w", err)
		}
	}
	return result, nil
}
