// Package simulate is a cleartext stand-in for the lattice backend. It
// follows the same slot semantics and noise accounting but keeps values
// in the clear, so it must never serve real traffic. New refuses to build
// a backend unless the caller opts in with Options.TestOnly.
package simulate

import (
	"crypto/rand"
	"encoding/hex"
	"hash"
	"io"

	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/fhe/keyring"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

const (
	Name = "simulated"

	DefaultMaxCompareBits = 8

	keyInfo = "sa-fhe simulated key"
)

type Options struct {
	// TestOnly must be set. The simulator leaks every value it holds.
	TestOnly bool
	// DisableRefresh makes Refresh fail like a backend without bootstrapping.
	DisableRefresh bool
	// MaxCompareBits defaults to DefaultMaxCompareBits.
	MaxCompareBits int
}

type Backend struct {
	params fhe.Parameters
	noise  fhe.NoiseModel
	opts   Options
}

var _ keyring.Backend = (*Backend)(nil)

func New(p fhe.Parameters, opts Options) (*Backend, error) {
	if !opts.TestOnly {
		return nil, fault.Errorf(fault.InvalidParameters, "simulate.New", "simulated backend is restricted to tests")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxCompareBits == 0 {
		opts.MaxCompareBits = DefaultMaxCompareBits
	}
	if opts.MaxCompareBits < 1 || opts.MaxCompareBits > 16 {
		return nil, fault.Errorf(fault.InvalidParameters, "simulate.New", "comparison width %d outside [1, 16]", opts.MaxCompareBits)
	}
	return &Backend{params: p, noise: p.NoiseModel(), opts: opts}, nil
}

func (b *Backend) Name() string { return Name }
func (b *Backend) Parameters() fhe.Parameters { return b.params }
func (b *Backend) Noise() fhe.NoiseModel { return b.noise }
func (b *Backend) CanRefresh() bool { return !b.opts.DisableRefresh }
func (b *Backend) MaxCompareBits() int { return b.opts.MaxCompareBits }
func (b *Backend) Slots() int { return b.params.Slots() }

func (b *Backend) t() uint64 { return b.params.PlaintextModulus }

// GenerateKeys derives the key from opts.Seed through HKDF when a seed is
// given, so tests can reproduce a key pair.
func (b *Backend) GenerateKeys(opts keyring.Options) (*keyring.KeyPair, error) {
	const op = "simulate.GenerateKeys"
	for _, rot := range opts.Rotations {
		if rot <= 0 || rot >= b.Slots() {
			return nil, fault.Errorf(fault.InvalidParameters, op, "rotation %d outside (0, %d)", rot, b.Slots())
		}
	}

	secret := make([]byte, 32)
	var src io.Reader = rand.Reader
	if len(opts.Seed) > 0 {
		src = hkdf.New(func() hash.Hash { return blake3.New() }, opts.Seed, nil, []byte(keyInfo))
	}
	if _, err := io.ReadFull(src, secret); err != nil {
		return nil, fault.New(fault.InvalidParameters, op, err)
	}
	id := fingerprint(secret)

	rots := make(map[int]bool, len(opts.Rotations))
	for _, rot := range opts.Rotations {
		rots[rot] = true
	}
	return &keyring.KeyPair{
		Public:     &PublicKey{keyID: id},
		Evaluation: &EvaluationKey{keyID: id, rots: rots},
		Secret:     &SecretKey{keyID: id, secret: secret},
	}, nil
}

func fingerprint(secret []byte) string {
	sum := blake3.Sum256(secret)
	return "sim-" + hex.EncodeToString(sum[:8])
}

func (b *Backend) NewEncryptor(pk fhe.PublicKey) (fhe.Encryptor, error) {
	key, ok := pk.(*PublicKey)
	if !ok || key == nil || key.keyID == "" {
		return nil, fault.Errorf(fault.InvalidParameters, "simulate.NewEncryptor", "public key of type %T", pk)
	}
	return &Encryptor{b: b, keyID: key.keyID}, nil
}

func (b *Backend) NewEvaluator(evk fhe.EvaluationKey) (fhe.Evaluator, error) {
	key, ok := evk.(*EvaluationKey)
	if !ok || key == nil || key.keyID == "" {
		return nil, fault.Errorf(fault.CircuitMismatch, "simulate.NewEvaluator", "evaluation key of type %T", evk)
	}
	return &Evaluator{b: b, keyID: key.keyID, rots: key.rots}, nil
}

func (b *Backend) NewDecryptor(sk keyring.SecretKey) (keyring.Decryptor, error) {
	key, ok := sk.(*SecretKey)
	if !ok || key == nil || key.secret == nil {
		return nil, fault.Errorf(fault.DecryptionError, "simulate.NewDecryptor", "secret key of type %T is unusable", sk)
	}
	return &Decryptor{b: b, keyID: key.keyID}, nil
}

type Encryptor struct {
	b     *Backend
	keyID string
}

func (e *Encryptor) Encrypt(values []uint64, bits int) (fhe.Ciphertext, error) {
	const op = "simulate.Encrypt"
	if len(values) == 0 || len(values) > e.b.Slots() {
		return nil, fault.Errorf(fault.InvalidParameters, op, "%d values do not fit %d slots", len(values), e.b.Slots())
	}
	for i, v := range values {
		if v >= e.b.t() {
			return nil, fault.Errorf(fault.InvalidParameters, op, "value %d at slot %d exceeds plaintext modulus %d", v, i, e.b.t())
		}
	}
	return &Ciphertext{
		keyID:  e.keyID,
		values: append([]uint64(nil), values...),
		noise:  e.b.noise.Fresh(),
		slots:  len(values),
		bits:   bits,
	}, nil
}

type Decryptor struct {
	b     *Backend
	keyID string
}

// Decrypt fails like a real decryption would: on a foreign key or once
// the tracked noise has overrun the budget.
func (d *Decryptor) Decrypt(ct fhe.Ciphertext) ([]int64, error) {
	const op = "simulate.Decrypt"
	c, err := unwrap(op, ct)
	if err != nil {
		return nil, err
	}
	n := c.slots
	if n <= 0 {
		n = 1
	}
	out := make([]int64, n)
	if c.constant {
		for i := range out {
			out[i] = c.value
		}
		return out, nil
	}
	if c.keyID != d.keyID {
		return nil, fault.Errorf(fault.DecryptionError, op, "ciphertext under key %s, decrypting with %s", c.keyID, d.keyID)
	}
	if budget := d.b.noise.Budget(c.noise); budget < 0 {
		return nil, fault.Errorf(fault.DecryptionError, op, "noise budget exhausted (%d bits)", budget)
	}
	for i := range out {
		out[i] = c.slot(i, d.b.t())
	}
	return out, nil
}
