package lattice

import (
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

// Encryptor packs quantized values into the first row of a BGV plaintext
// and encrypts under a public key. Not safe for concurrent use.
type Encryptor struct {
	b   *Backend
	enc *rlwe.Encryptor
	ecd *bgv.Encoder
}

func (b *Backend) NewEncryptor(pk fhe.PublicKey) (fhe.Encryptor, error) {
	key, ok := pk.(*PublicKey)
	if !ok || key == nil || key.key == nil {
		return nil, fault.Errorf(fault.InvalidParameters, "lattice.NewEncryptor", "public key of type %T", pk)
	}
	return &Encryptor{
		b:   b,
		enc: rlwe.NewEncryptor(b.bgv, key.key),
		ecd: bgv.NewEncoder(b.bgv),
	}, nil
}

func (e *Encryptor) Encrypt(values []uint64, bits int) (fhe.Ciphertext, error) {
	const op = "lattice.Encrypt"
	if len(values) == 0 || len(values) > e.b.Slots() {
		return nil, fault.Errorf(fault.InvalidParameters, op, "%d values do not fit %d slots", len(values), e.b.Slots())
	}
	t := e.b.t()
	slots := make([]uint64, e.b.bgv.MaxSlots())
	for i, v := range values {
		if v >= t {
			return nil, fault.Errorf(fault.InvalidParameters, op, "value %d at slot %d exceeds plaintext modulus %d", v, i, t)
		}
		slots[i] = v
	}

	pt := bgv.NewPlaintext(e.b.bgv, e.b.bgv.MaxLevel())
	if err := e.ecd.Encode(slots, pt); err != nil {
		return nil, fault.New(fault.InvalidParameters, op, err)
	}
	el, err := e.enc.EncryptNew(pt)
	if err != nil {
		return nil, fault.New(fault.InvalidParameters, op, err)
	}
	return NewCiphertext(el, e.b.noise.Fresh(), len(values), bits), nil
}
