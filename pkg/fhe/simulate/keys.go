package simulate

import (
	"fmt"

	"github.com/Farx1/SA-FHE/pkg/serialization"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type PublicKey struct {
	keyID string
}

func (pk *PublicKey) Backend() string { return Name }

func (pk *PublicKey) MarshalBinary() ([]byte, error) { return []byte(pk.keyID), nil }

func (pk *PublicKey) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty public key")
	}
	pk.keyID = string(data)
	return nil
}

type EvaluationKey struct {
	keyID string
	rots  map[int]bool
}

func (evk *EvaluationKey) Backend() string { return Name }

func (evk *EvaluationKey) Rotations() []int {
	rots := maps.Keys(evk.rots)
	slices.Sort(rots)
	return rots
}

// rotationKey binds a rotation to the key pair it was generated for.
type rotationKey struct {
	KeyID    string
	Rotation int
}

// rotationKeyGob has no methods, so gob encodes its fields directly.
type rotationKeyGob rotationKey

func (rk rotationKey) MarshalBinary() ([]byte, error) {
	return serialization.EncodeGob(rotationKeyGob(rk))
}

func (rk *rotationKey) UnmarshalBinary(data []byte) error {
	return serialization.DecodeGob(data, (*rotationKeyGob)(rk))
}

type SecretKey struct {
	keyID  string
	secret []byte
}

func (sk *SecretKey) Backend() string { return Name }

func (sk *SecretKey) Zero() {
	if sk == nil {
		return
	}
	clear(sk.secret)
	sk.secret = nil
}
