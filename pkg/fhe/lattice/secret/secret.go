// Package secret adds key generation and decryption to the lattice
// backend. Only the client links it.
package secret

import (
	"github.com/Farx1/SA-FHE/pkg/activation"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/fhe/keyring"
	"github.com/Farx1/SA-FHE/pkg/fhe/lattice"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

type Backend struct {
	*lattice.Backend
}

var _ keyring.Backend = (*Backend)(nil)

func New(p fhe.Parameters) (*Backend, error) {
	b, err := lattice.New(p)
	if err != nil {
		return nil, err
	}
	return &Backend{Backend: b}, nil
}

type SecretKey struct {
	sk *rlwe.SecretKey
}

func (k *SecretKey) Backend() string { return lattice.Name }

func (k *SecretKey) Zero() {
	if k == nil || k.sk == nil {
		return
	}
	for _, row := range k.sk.Value.Q.Coeffs {
		clear(row)
	}
	for _, row := range k.sk.Value.P.Coeffs {
		clear(row)
	}
	k.sk = nil
}

// GenerateKeys samples a fresh key pair from the system CSPRNG. Seeded
// generation is refused.
func (b *Backend) GenerateKeys(opts keyring.Options) (*keyring.KeyPair, error) {
	const op = "secret.GenerateKeys"
	if len(opts.Seed) > 0 {
		return nil, fault.Errorf(fault.InvalidParameters, op, "seeded key generation is not available for %s", lattice.Name)
	}
	params := b.BGVParameters()
	slots := b.Slots()
	for _, rot := range opts.Rotations {
		if rot <= 0 || rot >= slots {
			return nil, fault.Errorf(fault.InvalidParameters, op, "rotation %d outside (0, %d)", rot, slots)
		}
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)

	galois := make(map[int]*rlwe.GaloisKey, len(opts.Rotations))
	for _, rot := range opts.Rotations {
		galois[rot] = kgen.GenGaloisKeyNew(params.GaloisElement(rot), sk)
	}

	return &keyring.KeyPair{
		Public:     lattice.NewPublicKey(pk),
		Evaluation: lattice.NewEvaluationKey(rlk, galois),
		Secret:     &SecretKey{sk: sk},
	}, nil
}

type Decryptor struct {
	b   *Backend
	dec *rlwe.Decryptor
	ecd *bgv.Encoder
	sub *bgv.Evaluator
}

func (b *Backend) NewDecryptor(sk keyring.SecretKey) (keyring.Decryptor, error) {
	key, ok := sk.(*SecretKey)
	if !ok || key == nil || key.sk == nil {
		return nil, fault.Errorf(fault.DecryptionError, "secret.NewDecryptor", "secret key of type %T is unusable", sk)
	}
	params := b.BGVParameters()
	return &Decryptor{
		b:   b,
		dec: rlwe.NewDecryptor(params, key.sk),
		ecd: bgv.NewEncoder(params),
		sub: bgv.NewEvaluator(params, nil, true),
	}, nil
}

// Decrypt re-encodes the decoded message and measures what is left of the
// ciphertext under the key. A residual above the decryption ceiling means
// the key does not match or the noise has overflowed.
func (d *Decryptor) Decrypt(ct fhe.Ciphertext) ([]int64, error) {
	const op = "secret.Decrypt"
	if err := fhe.CheckBackend(lattice.Name, op, ct); err != nil {
		return nil, err
	}
	c, ok := ct.(*lattice.Ciphertext)
	if !ok || c == nil {
		return nil, fault.Errorf(fault.DecryptionError, op, "ciphertext of type %T", ct)
	}
	params := d.b.BGVParameters()
	t := params.PlaintextModulus()
	n := c.Slots()
	if n <= 0 {
		n = 1
	}

	out := make([]int64, n)
	if c.IsConstant() {
		for i := range out {
			out[i] = c.ConstantValue()
		}
		return out, nil
	}

	el := c.Element()
	pt := d.dec.DecryptNew(el)
	values := make([]uint64, params.MaxSlots())
	if err := d.ecd.Decode(pt, values); err != nil {
		return nil, fault.New(fault.DecryptionError, op, err)
	}

	if err := d.ecd.Encode(values, pt); err != nil {
		return nil, fault.New(fault.DecryptionError, op, err)
	}
	residual, err := d.sub.SubNew(el, pt)
	if err != nil {
		return nil, fault.New(fault.DecryptionError, op, err)
	}
	// Plaintexts are embedded as m/t mod Q, so the residual is the error itself.
	_, _, e := rlwe.Norm(residual, d.dec)
	if ceiling := d.b.Noise().Ceiling(); e > ceiling {
		return nil, fault.Errorf(fault.DecryptionError, op,
			"residual noise of %.1f bits exceeds %.1f: wrong key or exhausted noise budget", e, ceiling)
	}

	for i := range out {
		out[i] = activation.Center(values[i], t)
	}
	return out, nil
}
