// Package lattice implements the crypto context on BGV in scale-invariant
// (BFV) mode. It holds only public material; key generation and
// decryption live in the secret subpackage.
package lattice

import (
	"sort"

	"github.com/Farx1/SA-FHE/pkg/activation"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

const (
	Name = "bgv"
	// MaxCompareBits caps the step polynomial at degree 255.
	MaxCompareBits = 8
)

type Backend struct {
	params fhe.Parameters
	bgv    bgv.Parameters
	noise  fhe.NoiseModel
}

func New(p fhe.Parameters) (*Backend, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	bp, err := bgv.NewParametersFromLiteral(bgv.ParametersLiteral{
		LogN:             p.LogN(),
		LogQ:             p.LogQ,
		LogP:             p.LogP,
		PlaintextModulus: p.PlaintextModulus,
	})
	if err != nil {
		return nil, fault.New(fault.InvalidParameters, "lattice.New", err)
	}
	return &Backend{
		params: p,
		bgv:    bp,
		noise:  fhe.NoiseModel{LogN: bp.LogN(), LogQ: bp.LogQ(), LogT: bp.LogT()},
	}, nil
}

func (b *Backend) Name() string { return Name }
func (b *Backend) Parameters() fhe.Parameters { return b.params }
func (b *Backend) Noise() fhe.NoiseModel { return b.noise }
func (b *Backend) CanRefresh() bool { return false }
func (b *Backend) MaxCompareBits() int { return MaxCompareBits }
func (b *Backend) BGVParameters() bgv.Parameters { return b.bgv }

// Slots is the number of slots reachable by column rotations.
func (b *Backend) Slots() int { return b.bgv.MaxSlots() / 2 }

func (b *Backend) t() uint64 { return b.bgv.PlaintextModulus() }

func (b *Backend) constant(v int64) *Ciphertext {
	t := b.t()
	return &Ciphertext{constant: activation.Center(activation.Reduce(v, t), t)}
}

type PublicKey struct {
	key *rlwe.PublicKey
}

func NewPublicKey(pk *rlwe.PublicKey) *PublicKey { return &PublicKey{key: pk} }

func (pk *PublicKey) Backend() string { return Name }
func (pk *PublicKey) Key() *rlwe.PublicKey { return pk.key }

// EvaluationKey bundles the relinearization key with one Galois key per
// supported rotation.
type EvaluationKey struct {
	rlk    *rlwe.RelinearizationKey
	galois map[int]*rlwe.GaloisKey
	set    *rlwe.MemEvaluationKeySet
}

func NewEvaluationKey(rlk *rlwe.RelinearizationKey, galois map[int]*rlwe.GaloisKey) *EvaluationKey {
	gks := make([]*rlwe.GaloisKey, 0, len(galois))
	for _, rot := range sortedRotations(galois) {
		gks = append(gks, galois[rot])
	}
	return &EvaluationKey{
		rlk:    rlk,
		galois: galois,
		set:    rlwe.NewMemEvaluationKeySet(rlk, gks...),
	}
}

func (evk *EvaluationKey) Backend() string { return Name }
func (evk *EvaluationKey) Rotations() []int { return sortedRotations(evk.galois) }

func sortedRotations(galois map[int]*rlwe.GaloisKey) []int {
	rots := make([]int, 0, len(galois))
	for rot := range galois {
		rots = append(rots, rot)
	}
	sort.Ints(rots)
	return rots
}
