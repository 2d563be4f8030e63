package lattice

import (
	"encoding"
	"math"

	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/serialization"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

func (b *Backend) MarshalCiphertext(ct fhe.Ciphertext) ([]byte, error) {
	if err := fhe.CheckBackend(Name, "lattice.MarshalCiphertext", ct); err != nil {
		return nil, err
	}
	c, ok := ct.(*Ciphertext)
	if !ok || c == nil {
		return nil, fault.Errorf(fault.CircuitMismatch, "lattice.MarshalCiphertext", "ciphertext of type %T", ct)
	}
	env := serialization.CiphertextBytes{
		Backend: Name,
		Slots:   c.slots,
		Bits:    c.bits,
		Noise:   c.noise,
	}
	if c.el == nil {
		env.Constant, env.Value = true, c.constant
		return serialization.SerializeCiphertext(env)
	}
	data, err := serialization.MarshalBinary(c.el)
	if err != nil {
		return nil, err
	}
	env.Data = data
	return serialization.SerializeCiphertext(env)
}

// UnmarshalCiphertext rejects elements that do not match the ring or sit
// below the top level. The noise estimate is never trusted below fresh.
func (b *Backend) UnmarshalCiphertext(data []byte) (fhe.Ciphertext, error) {
	const op = "lattice.UnmarshalCiphertext"
	env, err := serialization.DeserializeCiphertext(data)
	if err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	if env.Backend != Name {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "ciphertext from backend %q", env.Backend)
	}
	if env.Slots < 0 || env.Slots > b.Slots() {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "%d slots exceed ring capacity %d", env.Slots, b.Slots())
	}
	if env.Constant {
		c := b.constant(env.Value)
		c.slots, c.bits = env.Slots, env.Bits
		return c, nil
	}

	el := new(rlwe.Ciphertext)
	if err := serialization.UnmarshalBinary(el, env.Data); err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	if el.Degree() != 1 || el.N() != b.bgv.N() || el.Level() != b.bgv.MaxLevel() {
		return nil, fault.Errorf(fault.CircuitMismatch, op,
			"element degree %d, ring %d, level %d does not match parameters", el.Degree(), el.N(), el.Level())
	}
	noise := env.Noise
	if math.IsNaN(noise) || noise < b.noise.Fresh() {
		noise = b.noise.Fresh()
	}
	return NewCiphertext(el, noise, env.Slots, env.Bits), nil
}

func (b *Backend) MarshalPublicKey(pk fhe.PublicKey) ([]byte, error) {
	key, ok := pk.(*PublicKey)
	if !ok || key == nil || key.key == nil {
		return nil, fault.Errorf(fault.CircuitMismatch, "lattice.MarshalPublicKey", "public key of type %T", pk)
	}
	return serialization.SerializePublicKey(Name, key.key)
}

func (b *Backend) UnmarshalPublicKey(data []byte) (fhe.PublicKey, error) {
	const op = "lattice.UnmarshalPublicKey"
	raw, err := serialization.DeserializePublicKey(Name, data)
	if err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	pk := new(rlwe.PublicKey)
	if err := serialization.UnmarshalBinary(pk, raw); err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	return NewPublicKey(pk), nil
}

func (b *Backend) MarshalEvaluationKey(evk fhe.EvaluationKey) ([]byte, error) {
	key, ok := evk.(*EvaluationKey)
	if !ok || key == nil {
		return nil, fault.Errorf(fault.CircuitMismatch, "lattice.MarshalEvaluationKey", "evaluation key of type %T", evk)
	}
	gks := make(map[int]encoding.BinaryMarshaler, len(key.galois))
	for rot, gk := range key.galois {
		gks[rot] = gk
	}
	return serialization.SerializeEvaluationKey(Name, key.rlk, gks)
}

// UnmarshalEvaluationKey checks every Galois key against the rotation it
// claims to implement.
func (b *Backend) UnmarshalEvaluationKey(data []byte) (fhe.EvaluationKey, error) {
	const op = "lattice.UnmarshalEvaluationKey"
	env, err := serialization.DeserializeEvaluationKey(Name, data)
	if err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	if len(env.Relin) == 0 {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "missing relinearization key")
	}
	rlk := new(rlwe.RelinearizationKey)
	if err := serialization.UnmarshalBinary(rlk, env.Relin); err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}

	galois := make(map[int]*rlwe.GaloisKey, len(env.Galois))
	for rot, raw := range env.Galois {
		gk := new(rlwe.GaloisKey)
		if err := serialization.UnmarshalBinary(gk, raw); err != nil {
			return nil, fault.New(fault.CircuitMismatch, op, err)
		}
		if want := b.bgv.GaloisElement(rot); gk.GaloisElement != want {
			return nil, fault.Errorf(fault.CircuitMismatch, op,
				"key for rotation %d has Galois element %d, expected %d", rot, gk.GaloisElement, want)
		}
		galois[rot] = gk
	}
	return NewEvaluationKey(rlk, galois), nil
}
