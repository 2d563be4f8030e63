// Package keyring holds the client-side half of a crypto context: key
// generation and decryption. Server code never imports it.
package keyring

import (
	"github.com/Farx1/SA-FHE/pkg/fhe"
)

// SecretKey is never serialized by this module.
type SecretKey interface {
	Backend() string
	// Zero overwrites the key material. The key is unusable afterwards.
	Zero()
}

type KeyPair struct {
	Public     fhe.PublicKey
	Evaluation fhe.EvaluationKey
	Secret     SecretKey
}

// Destroy zeroes the secret key.
func (kp *KeyPair) Destroy() {
	if kp != nil && kp.Secret != nil {
		kp.Secret.Zero()
	}
}

type Options struct {
	// Rotations lists the slot rotations the evaluation key must support.
	Rotations []int
	// Seed makes key generation deterministic. Only test backends accept it.
	Seed []byte
}

type Decryptor interface {
	// Decrypt returns the centered plaintext slots of ct.
	Decrypt(ct fhe.Ciphertext) ([]int64, error)
}

// Backend extends fhe.Backend with secret-key operations.
type Backend interface {
	fhe.Backend
	GenerateKeys(opts Options) (*KeyPair, error)
	NewDecryptor(sk SecretKey) (Decryptor, error)
}
