package activation

import (
	"fmt"
	"math/bits"
)

// MulMod returns a*b mod t without overflow.
func MulMod(a, b, t uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	_, r := bits.Div64(hi, lo, t)
	return r
}

func powMod(x, e, t uint64) uint64 {
	r := uint64(1) % t
	x %= t
	for ; e > 0; e >>= 1 {
		if e&1 == 1 {
			r = MulMod(r, x, t)
		}
		x = MulMod(x, x, t)
	}
	return r
}

// Center maps v in [0, t) to (-t/2, t/2].
func Center(v, t uint64) int64 {
	v %= t
	if v > t/2 {
		return -int64(t - v)
	}
	return int64(v)
}

// Reduce maps a signed integer into [0, t).
func Reduce(v int64, t uint64) uint64 {
	r := v % int64(t)
	if r < 0 {
		r += int64(t)
	}
	return uint64(r)
}

// StepCoefficients interpolates the indicator [x < c] on the domain
// {0, ..., 2^bits - 1} modulo the prime t. The result has 2^bits
// coefficients, lowest degree first.
func StepCoefficients(c uint64, nbits int, t uint64) ([]uint64, error) {
	if nbits < 1 || nbits > 16 {
		return nil, fmt.Errorf("unsupported comparison width %d", nbits)
	}
	m := uint64(1) << uint(nbits)
	if m >= t {
		return nil, fmt.Errorf("domain 2^%d does not fit plaintext modulus %d", nbits, t)
	}

	coefs := make([]uint64, m)
	if c == 0 {
		return coefs, nil
	}
	if c >= m {
		coefs[0] = 1
		return coefs, nil
	}

	// full = prod_{j<m} (X - j), degree m.
	full := make([]uint64, m+1)
	full[0] = 1
	for j := uint64(0); j < m; j++ {
		neg := (t - j%t) % t
		for i := j + 1; i > 0; i-- {
			full[i] = (full[i-1] + MulMod(full[i], neg, t)) % t
		}
		full[0] = MulMod(full[0], neg, t)
	}

	fact := make([]uint64, m)
	fact[0] = 1
	for i := uint64(1); i < m; i++ {
		fact[i] = MulMod(fact[i-1], i, t)
	}

	quot := make([]uint64, m)
	for j := uint64(0); j < c; j++ {
		// quot = full / (X - j)
		quot[m-1] = full[m]
		for i := m - 1; i > 0; i-- {
			quot[i-1] = (full[i] + MulMod(j, quot[i], t)) % t
		}

		// prod_{k != j} (j - k) = j! * (-1)^(m-1-j) * (m-1-j)!
		den := MulMod(fact[j], fact[m-1-j], t)
		if (m-1-j)%2 == 1 {
			den = (t - den) % t
		}
		inv := powMod(den, t-2, t)

		for i := range coefs {
			coefs[i] = (coefs[i] + MulMod(quot[i], inv, t)) % t
		}
	}
	return coefs, nil
}

// EvalPlain evaluates coefs at x modulo t with Horner's rule.
func EvalPlain(coefs []uint64, x, t uint64) uint64 {
	var acc uint64
	for i := len(coefs) - 1; i >= 0; i-- {
		acc = (MulMod(acc, x%t, t) + coefs[i]) % t
	}
	return acc
}
