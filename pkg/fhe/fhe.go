package fhe

import (
	"errors"

	"github.com/Farx1/SA-FHE/pkg/fault"
)

// ErrRefreshUnsupported is returned by backends without bootstrapping.
var ErrRefreshUnsupported = errors.New("backend cannot refresh ciphertexts")

// Ciphertext is an opaque encrypted vector. Backends track its noise.
type Ciphertext interface {
	Backend() string
	// Slots is the number of meaningful leading slots.
	Slots() int
	// Bits is the quantization width of the encrypted values, 0 if unknown.
	Bits() int
}

type PublicKey interface {
	Backend() string
}

// EvaluationKey lets a server compute on ciphertexts without decrypting.
type EvaluationKey interface {
	Backend() string
	Rotations() []int
}

type Encryptor interface {
	// Encrypt packs values into the leading slots. bits is the width of
	// each value and bounds later comparisons.
	Encrypt(values []uint64, bits int) (Ciphertext, error)
}

// Evaluator holds no secret material. Constants are trivial encryptions.
// All results are centered modulo the plaintext modulus.
type Evaluator interface {
	Constant(v int64) Ciphertext
	Add(a, b Ciphertext) (Ciphertext, error)
	// CompareLess returns 1 in every slot where x < c, 0 elsewhere.
	CompareLess(x Ciphertext, c uint64) (Ciphertext, error)
	// Select returns cond*(a-b)+b, i.e. a where cond is 1 and b where it is 0.
	Select(cond, a, b Ciphertext) (Ciphertext, error)
	// Extract moves slot index to slot 0.
	Extract(x Ciphertext, index int) (Ciphertext, error)
	// Mask zeroes every slot but slot 0.
	Mask(x Ciphertext) (Ciphertext, error)

	RemainingBudget(x Ciphertext) int
	Cost(op Op, arg int) int
	CanRefresh() bool
	Refresh(x Ciphertext) (Ciphertext, error)
}

type Codec interface {
	MarshalCiphertext(ct Ciphertext) ([]byte, error)
	UnmarshalCiphertext(data []byte) (Ciphertext, error)
	MarshalPublicKey(pk PublicKey) ([]byte, error)
	UnmarshalPublicKey(data []byte) (PublicKey, error)
	MarshalEvaluationKey(evk EvaluationKey) ([]byte, error)
	UnmarshalEvaluationKey(data []byte) (EvaluationKey, error)
}

// Backend is the server-visible surface of an encryption scheme.
type Backend interface {
	Codec
	Name() string
	Parameters() Parameters
	Noise() NoiseModel
	CanRefresh() bool
	// MaxCompareBits is the widest input CompareLess accepts.
	MaxCompareBits() int
	NewEncryptor(pk PublicKey) (Encryptor, error)
	NewEvaluator(evk EvaluationKey) (Evaluator, error)
}

// CheckBackend rejects values produced by a different backend.
func CheckBackend(name, op string, values ...interface{ Backend() string }) error {
	for _, v := range values {
		if v == nil {
			return fault.Errorf(fault.CircuitMismatch, op, "missing operand")
		}
		if v.Backend() != name {
			return fault.Errorf(fault.CircuitMismatch, op, "operand from backend %q, expected %q", v.Backend(), name)
		}
	}
	return nil
}

// Rotations returns the power-of-two left rotations needed to bring any
// slot below slots to position 0.
func Rotations(slots int) []int {
	var rots []int
	for r := 1; r < slots; r <<= 1 {
		rots = append(rots, r)
	}
	return rots
}
