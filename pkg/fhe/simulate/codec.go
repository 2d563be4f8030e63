package simulate

import (
	"encoding"
	"math"

	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/serialization"
)

type payload struct {
	KeyID  string
	Values []uint64
}

func (b *Backend) MarshalCiphertext(ct fhe.Ciphertext) ([]byte, error) {
	c, err := unwrap("simulate.MarshalCiphertext", ct)
	if err != nil {
		return nil, err
	}
	env := serialization.CiphertextBytes{
		Backend: Name,
		Slots:   c.slots,
		Bits:    c.bits,
		Noise:   c.noise,
	}
	if c.constant {
		env.Constant, env.Value = true, c.value
		return serialization.SerializeCiphertext(env)
	}
	if env.Data, err = serialization.EncodeGob(payload{KeyID: c.keyID, Values: c.values}); err != nil {
		return nil, err
	}
	return serialization.SerializeCiphertext(env)
}

func (b *Backend) UnmarshalCiphertext(data []byte) (fhe.Ciphertext, error) {
	const op = "simulate.UnmarshalCiphertext"
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
	noise := env.Noise
	if math.IsNaN(noise) || noise < b.noise.Fresh() {
		noise = b.noise.Fresh()
	}
	if env.Constant {
		if half := int64(b.t() / 2); env.Value > half || env.Value < -half {
			return nil, fault.Errorf(fault.CircuitMismatch, op, "constant %d outside centered range", env.Value)
		}
		return &Ciphertext{constant: true, value: env.Value, slots: env.Slots, bits: env.Bits}, nil
	}

	var p payload
	if err := serialization.DecodeGob(env.Data, &p); err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	if len(p.Values) == 0 || len(p.Values) > b.Slots() {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "%d packed values", len(p.Values))
	}
	for _, v := range p.Values {
		if v >= b.t() {
			return nil, fault.Errorf(fault.CircuitMismatch, op, "value %d exceeds plaintext modulus", v)
		}
	}
	return &Ciphertext{keyID: p.KeyID, values: p.Values, noise: noise, slots: env.Slots, bits: env.Bits}, nil
}

func (b *Backend) MarshalPublicKey(pk fhe.PublicKey) ([]byte, error) {
	key, ok := pk.(*PublicKey)
	if !ok || key == nil {
		return nil, fault.Errorf(fault.CircuitMismatch, "simulate.MarshalPublicKey", "public key of type %T", pk)
	}
	return serialization.SerializePublicKey(Name, key)
}

func (b *Backend) UnmarshalPublicKey(data []byte) (fhe.PublicKey, error) {
	const op = "simulate.UnmarshalPublicKey"
	raw, err := serialization.DeserializePublicKey(Name, data)
	if err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	pk := new(PublicKey)
	if err := serialization.UnmarshalBinary(pk, raw); err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	return pk, nil
}

func (b *Backend) MarshalEvaluationKey(evk fhe.EvaluationKey) ([]byte, error) {
	key, ok := evk.(*EvaluationKey)
	if !ok || key == nil {
		return nil, fault.Errorf(fault.CircuitMismatch, "simulate.MarshalEvaluationKey", "evaluation key of type %T", evk)
	}
	gks := make(map[int]encoding.BinaryMarshaler, len(key.rots))
	for rot := range key.rots {
		gks[rot] = rotationKey{KeyID: key.keyID, Rotation: rot}
	}
	return serialization.SerializeEvaluationKey(Name, &PublicKey{keyID: key.keyID}, gks)
}

func (b *Backend) UnmarshalEvaluationKey(data []byte) (fhe.EvaluationKey, error) {
	const op = "simulate.UnmarshalEvaluationKey"
	env, err := serialization.DeserializeEvaluationKey(Name, data)
	if err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	var owner PublicKey
	if err := serialization.UnmarshalBinary(&owner, env.Relin); err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}

	rots := make(map[int]bool, len(env.Galois))
	for rot, raw := range env.Galois {
		var rk rotationKey
		if err := serialization.UnmarshalBinary(&rk, raw); err != nil {
			return nil, fault.New(fault.CircuitMismatch, op, err)
		}
		if rk.KeyID != owner.keyID || rk.Rotation != rot {
			return nil, fault.Errorf(fault.CircuitMismatch, op, "rotation key %d does not belong to %s", rot, owner.keyID)
		}
		rots[rot] = true
	}
	return &EvaluationKey{keyID: owner.keyID, rots: rots}, nil
}
