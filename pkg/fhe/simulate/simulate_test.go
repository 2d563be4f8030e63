package simulate

import (
	"errors"
	"testing"

	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/fhe/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, opts Options) *Backend {
	t.Helper()
	opts.TestOnly = true
	b, err := New(fhe.TestParameters(), opts)
	require.NoError(t, err)
	return b
}

func newSession(t *testing.T, b *Backend, opts keyring.Options) (*keyring.KeyPair, fhe.Encryptor, fhe.Evaluator, keyring.Decryptor) {
	t.Helper()
	keys, err := b.GenerateKeys(opts)
	require.NoError(t, err)
	enc, err := b.NewEncryptor(keys.Public)
	require.NoError(t, err)
	ev, err := b.NewEvaluator(keys.Evaluation)
	require.NoError(t, err)
	dec, err := b.NewDecryptor(keys.Secret)
	require.NoError(t, err)
	return keys, enc, ev, dec
}

func TestNewRequiresTestOnly(t *testing.T) {
	_, err := New(fhe.TestParameters(), Options{})
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))

	_, err = New(fhe.TestParameters(), Options{TestOnly: true, MaxCompareBits: 17})
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))
}

func TestSeededKeysAreDeterministic(t *testing.T) {
	b := newBackend(t, Options{})
	k1, err := b.GenerateKeys(keyring.Options{Seed: []byte("seed")})
	require.NoError(t, err)
	k2, err := b.GenerateKeys(keyring.Options{Seed: []byte("seed")})
	require.NoError(t, err)
	k3, err := b.GenerateKeys(keyring.Options{})
	require.NoError(t, err)

	id := k1.Public.(*PublicKey).keyID
	assert.Equal(t, id, k2.Public.(*PublicKey).keyID)
	assert.NotEqual(t, id, k3.Public.(*PublicKey).keyID)
}

func TestEncryptDecrypt(t *testing.T) {
	b := newBackend(t, Options{})
	_, enc, _, dec := newSession(t, b, keyring.Options{})

	ct, err := enc.Encrypt([]uint64{0, 1, 255, 65536}, 16)
	require.NoError(t, err)
	got, err := dec.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 255, -1}, got)
}

func TestOperations(t *testing.T) {
	b := newBackend(t, Options{})
	_, enc, ev, dec := newSession(t, b, keyring.Options{Rotations: fhe.Rotations(4)})

	x, err := enc.Encrypt([]uint64{3, 5, 0, 7}, 3)
	require.NoError(t, err)
	fresh := ev.RemainingBudget(x)

	cond, err := ev.CompareLess(x, 5)
	require.NoError(t, err)
	got, err := dec.Decrypt(cond)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0, 1, 0}, got)
	assert.Less(t, ev.RemainingBudget(cond), fresh)

	leaf, err := ev.Select(cond, ev.Constant(10), ev.Constant(-3))
	require.NoError(t, err)
	got, err = dec.Decrypt(leaf)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, -3, 10, -3}, got)
	assert.Less(t, ev.RemainingBudget(leaf), ev.RemainingBudget(cond))

	sum, err := ev.Add(leaf, x)
	require.NoError(t, err)
	third, err := ev.Extract(sum, 3)
	require.NoError(t, err)
	got, err = dec.Decrypt(third)
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, got)

	masked, err := ev.Mask(sum)
	require.NoError(t, err)
	got, err = dec.Decrypt(masked)
	require.NoError(t, err)
	assert.Equal(t, []int64{13}, got)

	// Constant folding.
	same, err := ev.Select(cond, ev.Constant(2), ev.Constant(2))
	require.NoError(t, err)
	got, err = dec.Decrypt(same)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, got)
}

func TestCompareOutsideDomain(t *testing.T) {
	b := newBackend(t, Options{MaxCompareBits: 2})
	_, enc, ev, _ := newSession(t, b, keyring.Options{})

	x, err := enc.Encrypt([]uint64{1}, 3)
	require.NoError(t, err)
	_, err = ev.CompareLess(x, 2)
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))
}

func TestExtractNeedsRotationKey(t *testing.T) {
	b := newBackend(t, Options{})
	_, enc, ev, _ := newSession(t, b, keyring.Options{Rotations: []int{1}})

	x, err := enc.Encrypt([]uint64{1, 2, 3, 4}, 3)
	require.NoError(t, err)
	_, err = ev.Extract(x, 1)
	require.NoError(t, err)
	_, err = ev.Extract(x, 3)
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch))
	_, err = ev.Extract(x, 4)
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch))
}

func TestForeignKeys(t *testing.T) {
	b := newBackend(t, Options{})
	_, enc, ev, dec := newSession(t, b, keyring.Options{})
	_, otherEnc, _, otherDec := newSession(t, b, keyring.Options{})

	x, err := enc.Encrypt([]uint64{1, 2}, 2)
	require.NoError(t, err)
	_, err = otherDec.Decrypt(x)
	assert.True(t, errors.Is(err, fault.ErrDecryption))

	y, err := otherEnc.Encrypt([]uint64{1, 2}, 2)
	require.NoError(t, err)
	_, err = ev.Add(x, y)
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch))

	_, err = dec.Decrypt(x)
	require.NoError(t, err)
}

func TestBudgetExhaustionAndRefresh(t *testing.T) {
	b := newBackend(t, Options{})
	_, enc, ev, dec := newSession(t, b, keyring.Options{})

	x, err := enc.Encrypt([]uint64{1, 0}, 1)
	require.NoError(t, err)

	var cur fhe.Ciphertext = x
	prev := ev.RemainingBudget(cur)
	for ev.RemainingBudget(cur) >= 0 {
		cur, err = ev.Select(cur, cur, ev.Constant(0))
		require.NoError(t, err)
		budget := ev.RemainingBudget(cur)
		assert.Less(t, budget, prev)
		prev = budget
		if budget >= 0 {
			refreshed, err := ev.Refresh(cur)
			require.NoError(t, err)
			assert.Equal(t, ev.RemainingBudget(x), ev.RemainingBudget(refreshed))
		}
	}

	_, err = dec.Decrypt(cur)
	assert.True(t, errors.Is(err, fault.ErrDecryption))
	_, err = ev.Refresh(cur)
	assert.True(t, errors.Is(err, fault.ErrNoiseBudgetExceeded))
}

func TestRefreshDisabled(t *testing.T) {
	b := newBackend(t, Options{DisableRefresh: true})
	_, enc, ev, _ := newSession(t, b, keyring.Options{})
	assert.False(t, ev.CanRefresh())

	x, err := enc.Encrypt([]uint64{1}, 1)
	require.NoError(t, err)
	_, err = ev.Refresh(x)
	assert.ErrorIs(t, err, fhe.ErrRefreshUnsupported)
}

func TestCodecRoundTrip(t *testing.T) {
	b := newBackend(t, Options{})
	keys, enc, _, dec := newSession(t, b, keyring.Options{Rotations: []int{1, 2}})

	pkData, err := b.MarshalPublicKey(keys.Public)
	require.NoError(t, err)
	pk, err := b.UnmarshalPublicKey(pkData)
	require.NoError(t, err)
	assert.Equal(t, keys.Public, pk)

	evkData, err := b.MarshalEvaluationKey(keys.Evaluation)
	require.NoError(t, err)
	evk, err := b.UnmarshalEvaluationKey(evkData)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, evk.Rotations())
	ev, err := b.NewEvaluator(evk)
	require.NoError(t, err)

	x, err := enc.Encrypt([]uint64{4, 5, 6}, 3)
	require.NoError(t, err)
	data, err := b.MarshalCiphertext(x)
	require.NoError(t, err)
	y, err := b.UnmarshalCiphertext(data)
	require.NoError(t, err)

	z, err := ev.Extract(y, 2)
	require.NoError(t, err)
	got, err := dec.Decrypt(z)
	require.NoError(t, err)
	assert.Equal(t, []int64{6}, got)

	_, err = b.UnmarshalCiphertext([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch))
}

func TestDestroy(t *testing.T) {
	b := newBackend(t, Options{})
	keys, _, _, _ := newSession(t, b, keyring.Options{})
	keys.Destroy()
	_, err := b.NewDecryptor(keys.Secret)
	assert.True(t, errors.Is(err, fault.ErrDecryption))
}
