package secret

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/fhe/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	backend *Backend
	keys    *keyring.KeyPair
	enc     fhe.Encryptor
	eval    fhe.Evaluator
	dec     keyring.Decryptor
}

func setup(t *testing.T, rotations []int) *fixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}
	return newFixture(t, rotations)
}

func newFixture(t *testing.T, rotations []int) *fixture {
	t.Helper()
	b, err := New(fhe.TestParameters())
	require.NoError(t, err)
	keys, err := b.GenerateKeys(keyring.Options{Rotations: rotations})
	require.NoError(t, err)
	enc, err := b.NewEncryptor(keys.Public)
	require.NoError(t, err)
	eval, err := b.NewEvaluator(keys.Evaluation)
	require.NoError(t, err)
	dec, err := b.NewDecryptor(keys.Secret)
	require.NoError(t, err)
	return &fixture{backend: b, keys: keys, enc: enc, eval: eval, dec: dec}
}

func TestEncryptDecrypt(t *testing.T) {
	f := setup(t, nil)
	rng := rand.New(rand.NewSource(7))

	values := make([]uint64, 64)
	want := make([]int64, len(values))
	for i := range values {
		values[i] = uint64(rng.Intn(256))
		want[i] = int64(values[i])
	}
	ct, err := f.enc.Encrypt(values, 8)
	require.NoError(t, err)
	assert.Equal(t, len(values), ct.Slots())
	assert.Equal(t, 8, ct.Bits())

	got, err := f.dec.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEncryptRejects(t *testing.T) {
	f := setup(t, nil)

	_, err := f.enc.Encrypt(nil, 3)
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))

	_, err = f.enc.Encrypt(make([]uint64, f.backend.Slots()+1), 3)
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))

	_, err = f.enc.Encrypt([]uint64{65537}, 3)
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))
}

func TestWrongKeyFailsDecryption(t *testing.T) {
	f := setup(t, nil)
	other, err := f.backend.GenerateKeys(keyring.Options{})
	require.NoError(t, err)
	dec, err := f.backend.NewDecryptor(other.Secret)
	require.NoError(t, err)

	ct, err := f.enc.Encrypt([]uint64{1, 2, 3}, 2)
	require.NoError(t, err)

	_, err = dec.Decrypt(ct)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrDecryption), "%v", err)
}

func TestOperationsMatchPlaintext(t *testing.T) {
	f := setup(t, fhe.Rotations(4))
	x, err := f.enc.Encrypt([]uint64{3, 5, 0, 7}, 3)
	require.NoError(t, err)

	fresh := f.eval.RemainingBudget(x)
	assert.Greater(t, fresh, 0)

	cond, err := f.eval.CompareLess(x, 5)
	require.NoError(t, err)
	got, err := f.dec.Decrypt(cond)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0, 1, 0}, got)
	assert.Less(t, f.eval.RemainingBudget(cond), fresh)

	// A second comparison on the same input reuses its powers.
	cond2, err := f.eval.CompareLess(x, 4)
	require.NoError(t, err)
	got, err = f.dec.Decrypt(cond2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0, 1, 0}, got)

	leaf, err := f.eval.Select(cond, f.eval.Constant(10), f.eval.Constant(-3))
	require.NoError(t, err)
	got, err = f.dec.Decrypt(leaf)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, -3, 10, -3}, got)

	nested, err := f.eval.Select(cond2, leaf, x)
	require.NoError(t, err)
	got, err = f.dec.Decrypt(nested)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 5, 10, 7}, got)
	assert.Less(t, f.eval.RemainingBudget(nested), f.eval.RemainingBudget(leaf))

	sum, err := f.eval.Add(nested, leaf)
	require.NoError(t, err)
	got, err = f.dec.Decrypt(sum)
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 2, 20, 4}, got)

	third, err := f.eval.Extract(sum, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Slots())
	got, err = f.dec.Decrypt(third)
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, got)

	masked, err := f.eval.Mask(sum)
	require.NoError(t, err)
	got, err = f.dec.Decrypt(masked)
	require.NoError(t, err)
	assert.Equal(t, []int64{20}, got)
}

func TestSelectWithConstantBranch(t *testing.T) {
	f := newFixture(t, nil)
	y, err := f.enc.Encrypt([]uint64{1, 0, 1, 1}, 1)
	require.NoError(t, err)

	// y*y + 0: a ciphertext product followed by a constant addition.
	sq, err := f.eval.Select(y, y, f.eval.Constant(0))
	require.NoError(t, err)
	got, err := f.dec.Decrypt(sq)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0, 1, 1}, got)

	x, err := f.enc.Encrypt([]uint64{3, 6, 1, 5}, 3)
	require.NoError(t, err)
	e, err := f.enc.Encrypt([]uint64{11, 2, 9, 5}, 4)
	require.NoError(t, err)
	cond, err := f.eval.CompareLess(x, 4)
	require.NoError(t, err)

	sel, err := f.eval.Select(cond, e, f.eval.Constant(3))
	require.NoError(t, err)
	got, err = f.dec.Decrypt(sel)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 3, 9, 3}, got)

	sel, err = f.eval.Select(cond, f.eval.Constant(-4), e)
	require.NoError(t, err)
	got, err = f.dec.Decrypt(sel)
	require.NoError(t, err)
	assert.Equal(t, []int64{-4, 2, -4, 5}, got)

	// Constants added after the product keep its scale through a sum.
	sum, err := f.eval.Add(f.eval.Constant(7), sq)
	require.NoError(t, err)
	sum, err = f.eval.Add(sum, sel)
	require.NoError(t, err)
	got, err = f.dec.Decrypt(sum)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 9, 4, 13}, got)
}

func TestComparisonWidths(t *testing.T) {
	f := setup(t, nil)
	for _, nbits := range []int{1, 4, 8} {
		max := uint64(1)<<uint(nbits) - 1
		values := []uint64{0, max / 2, max}
		x, err := f.enc.Encrypt(values, nbits)
		require.NoError(t, err)

		c := max/2 + 1
		cond, err := f.eval.CompareLess(x, c)
		require.NoError(t, err, "bits=%d", nbits)
		got, err := f.dec.Decrypt(cond)
		require.NoError(t, err, "bits=%d", nbits)
		assert.Equal(t, []int64{1, 1, 0}, got, "bits=%d", nbits)
		assert.GreaterOrEqual(t, f.eval.RemainingBudget(cond), 0)
	}

	wide, err := f.enc.Encrypt([]uint64{1}, 9)
	require.NoError(t, err)
	_, err = f.eval.CompareLess(wide, 3)
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))
}

func TestExtractNeedsRotationKey(t *testing.T) {
	f := setup(t, []int{1})
	x, err := f.enc.Encrypt([]uint64{1, 2, 3, 4}, 3)
	require.NoError(t, err)

	_, err = f.eval.Extract(x, 1)
	require.NoError(t, err)
	_, err = f.eval.Extract(x, 2)
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch), "%v", err)
	_, err = f.eval.Extract(x, 4)
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch), "%v", err)
}

func TestRefreshUnsupported(t *testing.T) {
	f := setup(t, nil)
	assert.False(t, f.eval.CanRefresh())
	x, err := f.enc.Encrypt([]uint64{1}, 1)
	require.NoError(t, err)
	_, err = f.eval.Refresh(x)
	assert.ErrorIs(t, err, fhe.ErrRefreshUnsupported)
}

func TestCodecRoundTrip(t *testing.T) {
	f := setup(t, fhe.Rotations(4))
	b := f.backend

	pkData, err := b.MarshalPublicKey(f.keys.Public)
	require.NoError(t, err)
	pk, err := b.UnmarshalPublicKey(pkData)
	require.NoError(t, err)
	enc, err := b.NewEncryptor(pk)
	require.NoError(t, err)

	evkData, err := b.MarshalEvaluationKey(f.keys.Evaluation)
	require.NoError(t, err)
	evk, err := b.UnmarshalEvaluationKey(evkData)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, evk.Rotations())
	eval, err := b.NewEvaluator(evk)
	require.NoError(t, err)

	x, err := enc.Encrypt([]uint64{6, 1, 2, 3}, 3)
	require.NoError(t, err)
	ctData, err := b.MarshalCiphertext(x)
	require.NoError(t, err)
	y, err := b.UnmarshalCiphertext(ctData)
	require.NoError(t, err)
	assert.Equal(t, 4, y.Slots())
	assert.Equal(t, 3, y.Bits())

	out, err := eval.Extract(y, 3)
	require.NoError(t, err)
	got, err := f.dec.Decrypt(out)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, got)

	constData, err := b.MarshalCiphertext(eval.Constant(-9))
	require.NoError(t, err)
	c, err := b.UnmarshalCiphertext(constData)
	require.NoError(t, err)
	got, err = f.dec.Decrypt(c)
	require.NoError(t, err)
	assert.Equal(t, []int64{-9}, got)

	_, err = b.UnmarshalCiphertext([]byte("garbage"))
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch))
}

func TestKeyGenerationOptions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}
	b, err := New(fhe.TestParameters())
	require.NoError(t, err)

	_, err = b.GenerateKeys(keyring.Options{Seed: []byte("fixed")})
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))

	_, err = b.GenerateKeys(keyring.Options{Rotations: []int{b.Slots()}})
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))
}

func TestDestroyZeroesSecret(t *testing.T) {
	f := setup(t, nil)
	f.keys.Destroy()

	_, err := f.backend.NewDecryptor(f.keys.Secret)
	assert.True(t, errors.Is(err, fault.ErrDecryption))
}
