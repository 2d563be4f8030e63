// Package fhe is the backend-neutral crypto context of the inference
// pipeline: parameters, noise accounting and the ciphertext operations the
// server-side evaluator is allowed to perform.
package fhe

import (
	"math"
	"math/big"
	"math/bits"

	"github.com/Farx1/SA-FHE/pkg/fault"
)

// Parameters select a ring-LWE instantiation.
type Parameters struct {
	RingDegree       int    `yaml:"ring_degree" json:"ring_degree"`
	LogQ             []int  `yaml:"log_q" json:"log_q"`
	LogP             []int  `yaml:"log_p" json:"log_p"`
	PlaintextModulus uint64 `yaml:"plaintext_modulus" json:"plaintext_modulus"`
	// NoiseBudget is the minimum fresh budget, in bits, the caller requires.
	NoiseBudget int `yaml:"noise_budget" json:"noise_budget"`
	// AllowInsecure skips the 128-bit security bound. Test parameters only.
	AllowInsecure bool `yaml:"allow_insecure" json:"allow_insecure"`
}

// maxLogQP is the largest modulus giving 128-bit classical security with a
// ternary secret, per the homomorphic encryption standard.
var maxLogQP = map[int]int{
	10: 27,
	11: 54,
	12: 109,
	13: 218,
	14: 438,
	15: 881,
	16: 1761,
}

func DefaultParameters() Parameters {
	return Parameters{
		RingDegree:       1 << 14,
		LogQ:             []int{58, 58, 58, 58, 58, 58},
		LogP:             []int{60},
		PlaintextModulus: 65537,
		NoiseBudget:      200,
	}
}

// TestParameters are small and insecure; they keep unit tests fast.
func TestParameters() Parameters {
	return Parameters{
		RingDegree:       1 << 12,
		LogQ:             []int{58, 58, 58, 58, 58, 58},
		LogP:             []int{60},
		PlaintextModulus: 65537,
		NoiseBudget:      200,
		AllowInsecure:    true,
	}
}

func (p Parameters) LogN() int { return bits.Len(uint(p.RingDegree)) - 1 }

func (p Parameters) LogQTotal() int {
	sum := 0
	for _, q := range p.LogQ {
		sum += q
	}
	return sum
}

func (p Parameters) LogQPTotal() int {
	sum := p.LogQTotal()
	for _, q := range p.LogP {
		sum += q
	}
	return sum
}

func (p Parameters) LogT() float64 { return math.Log2(float64(p.PlaintextModulus)) }

// Slots is the number of plaintext slots addressable by rotation (one row
// of the batching matrix).
func (p Parameters) Slots() int { return p.RingDegree / 2 }

func (p Parameters) Validate() error {
	const op = "fhe.Parameters"
	n := p.RingDegree
	if n <= 0 || n&(n-1) != 0 {
		return fault.Errorf(fault.InvalidParameters, op, "ring degree %d is not a power of two", n)
	}
	logN := p.LogN()
	if logN < 10 || logN > 16 {
		return fault.Errorf(fault.InvalidParameters, op, "ring degree 2^%d outside [2^10, 2^16]", logN)
	}
	if len(p.LogQ) == 0 || len(p.LogP) == 0 {
		return fault.Errorf(fault.InvalidParameters, op, "empty modulus chain (%d Q, %d P)", len(p.LogQ), len(p.LogP))
	}
	for _, q := range append(append([]int(nil), p.LogQ...), p.LogP...) {
		if q < 20 || q > 61 {
			return fault.Errorf(fault.InvalidParameters, op, "modulus size %d bits outside [20, 61]", q)
		}
	}
	t := p.PlaintextModulus
	if t < 3 || !new(big.Int).SetUint64(t).ProbablyPrime(20) {
		return fault.Errorf(fault.InvalidParameters, op, "plaintext modulus %d is not an odd prime", t)
	}
	if t%uint64(2*n) != 1 {
		return fault.Errorf(fault.InvalidParameters, op, "plaintext modulus %d is not 1 mod 2N (N=%d)", t, n)
	}
	if bound := maxLogQP[logN]; !p.AllowInsecure && p.LogQPTotal() > bound {
		return fault.Errorf(fault.InvalidParameters, op,
			"log(QP)=%d exceeds %d bits for 128-bit security at N=2^%d", p.LogQPTotal(), bound, logN)
	}
	model := p.NoiseModel()
	if fresh := model.Budget(model.Fresh()); fresh < p.NoiseBudget || fresh <= 0 {
		return fault.Errorf(fault.InvalidParameters, op,
			"modulus too small for requested noise budget: fresh budget %d < %d", fresh, p.NoiseBudget)
	}
	return nil
}

func (p Parameters) NoiseModel() NoiseModel {
	return NoiseModel{LogN: p.LogN(), LogQ: float64(p.LogQTotal()), LogT: p.LogT()}
}
