package evaluator

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/Farx1/SA-FHE/pkg/circuit"
	"github.com/Farx1/SA-FHE/pkg/ensemble"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/fhe/keyring"
	"github.com/Farx1/SA-FHE/pkg/fhe/lattice/secret"
	"github.com/Farx1/SA-FHE/pkg/fhe/simulate"
	"github.com/Farx1/SA-FHE/pkg/quantize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type session struct {
	backend keyring.Backend
	keys    *keyring.KeyPair
	enc     fhe.Encryptor
	ev      fhe.Evaluator
	dec     keyring.Decryptor
}

func newSession(t *testing.T, b keyring.Backend, c *circuit.Circuit) *session {
	t.Helper()
	keys, err := b.GenerateKeys(keyring.Options{Rotations: c.Rotations()})
	require.NoError(t, err)
	t.Cleanup(keys.Destroy)
	enc, err := b.NewEncryptor(keys.Public)
	require.NoError(t, err)
	ev, err := b.NewEvaluator(keys.Evaluation)
	require.NoError(t, err)
	dec, err := b.NewDecryptor(keys.Secret)
	require.NoError(t, err)
	return &session{backend: b, keys: keys, enc: enc, ev: ev, dec: dec}
}

func simulated(t *testing.T, p fhe.Parameters, opts simulate.Options) *simulate.Backend {
	t.Helper()
	opts.TestOnly = true
	b, err := simulate.New(p, opts)
	require.NoError(t, err)
	return b
}

func uniformScheme(t *testing.T, dim, bits int, lo, hi float64) *quantize.Scheme {
	t.Helper()
	min := make([]float64, dim)
	max := make([]float64, dim)
	for i := range min {
		min[i], max[i] = lo, hi
	}
	s, err := quantize.NewScheme(bits, min, max)
	require.NoError(t, err)
	return s
}

func compile(t *testing.T, m *ensemble.Model, s *quantize.Scheme) *circuit.Circuit {
	t.Helper()
	c, err := circuit.Compile(m, s, circuit.Options{Modulus: fhe.TestParameters().PlaintextModulus})
	require.NoError(t, err)
	return c
}

func (s *session) packed(t *testing.T, c *circuit.Circuit, q quantize.Vector) []fhe.Ciphertext {
	t.Helper()
	ct, err := s.enc.Encrypt(q, c.Bits)
	require.NoError(t, err)
	return []fhe.Ciphertext{ct}
}

func (s *session) perFeature(t *testing.T, c *circuit.Circuit, q quantize.Vector) []fhe.Ciphertext {
	t.Helper()
	cts := make([]fhe.Ciphertext, len(q))
	for i, v := range q {
		ct, err := s.enc.Encrypt([]uint64{v}, c.Bits)
		require.NoError(t, err)
		cts[i] = ct
	}
	return cts
}

func (s *session) scores(t *testing.T, p *Prediction) []int64 {
	t.Helper()
	out := make([]int64, len(p.Classes))
	for class, ct := range p.Classes {
		slots, err := s.dec.Decrypt(ct)
		require.NoError(t, err)
		out[class] = slots[0]
	}
	return out
}

func randomVector(rng *rand.Rand, n, bits int) quantize.Vector {
	q := make(quantize.Vector, n)
	for i := range q {
		q[i] = uint64(rng.Intn(1 << uint(bits)))
	}
	return q
}

func stumpModel() *ensemble.Model {
	return &ensemble.Model{
		NumFeatures: 768,
		Objective:   ensemble.BinaryLogistic,
		Trees: []ensemble.Tree{{Nodes: []ensemble.Node{
			{Feature: 0, Threshold: 5, Yes: 1, No: 2},
			{IsLeaf: true, Leaf: 1.0},
			{IsLeaf: true, Leaf: -1.0},
		}}},
	}
}

func TestEvaluateMatchesCleartext(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	b := simulated(t, fhe.TestParameters(), simulate.Options{DisableRefresh: true})

	for _, classes := range []int{1, 3} {
		m := ensemble.Random(rng, ensemble.RandomOptions{
			NumFeatures: 24, NumTrees: 5, Depth: 3, NumClasses: classes, Min: 0, Max: 1,
		})
		s := uniformScheme(t, 24, 3, 0, 1)
		c := compile(t, m, s)
		_, err := Check(c, b)
		require.NoError(t, err)
		sess := newSession(t, b, c)

		for trial := 0; trial < 20; trial++ {
			q := randomVector(rng, 24, 3)
			want, err := circuit.Eval(c, q)
			require.NoError(t, err)

			p, err := Evaluate(context.Background(), c, sess.packed(t, c, q), sess.ev)
			require.NoError(t, err)
			assert.Equal(t, want, sess.scores(t, p), "packed trial %d", trial)
			assert.Equal(t, s.ID(), p.SchemeID)
			assert.Equal(t, c.ID(), p.CircuitID)
			assert.GreaterOrEqual(t, p.Trace.MinBudget, 0)
			assert.Zero(t, p.Trace.Refreshes)

			p, err = Evaluate(context.Background(), c, sess.perFeature(t, c, q), sess.ev)
			require.NoError(t, err)
			assert.Equal(t, want, sess.scores(t, p), "per-feature trial %d", trial)
		}
	}
}

func TestStumpScenario(t *testing.T) {
	b := simulated(t, fhe.TestParameters(), simulate.Options{})
	s := uniformScheme(t, 768, 3, 0, 10)
	c := compile(t, stumpModel(), s)
	sess := newSession(t, b, c)

	q, err := quantize.Quantize(make([]float64, 768), s)
	require.NoError(t, err)
	p, err := Evaluate(context.Background(), c, sess.packed(t, c, q), sess.ev)
	require.NoError(t, err)

	raw := sess.scores(t, p)
	require.Len(t, raw, 1)
	assert.Equal(t, 1.0, c.Score(raw[0]))
	assert.Equal(t, "Positive", c.Labels[1])

	// Compare, select, add and mask. Feature 0 is already in slot 0, so
	// extraction hands the input back and is not counted.
	assert.Equal(t, 4, p.Trace.Operations)
	assert.Less(t, p.Trace.MinBudget, b.Noise().Budget(b.Noise().Fresh()))
}

func TestLatticeMatchesCleartext(t *testing.T) {
	b, err := secret.New(fhe.TestParameters())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(23))
	m := ensemble.Random(rng, ensemble.RandomOptions{NumFeatures: 8, NumTrees: 1, Depth: 2, Min: 0, Max: 1})
	s := uniformScheme(t, 8, 2, 0, 1)
	c := compile(t, m, s)
	_, err = Check(c, b)
	require.NoError(t, err)

	sess := newSession(t, b, c)
	for trial := 0; trial < 2; trial++ {
		q := randomVector(rng, 8, 2)
		want, err := circuit.Eval(c, q)
		require.NoError(t, err)

		p, err := Evaluate(context.Background(), c, sess.packed(t, c, q), sess.ev)
		require.NoError(t, err)
		assert.Equal(t, want, sess.scores(t, p), "trial %d", trial)
		assert.GreaterOrEqual(t, p.Trace.MinBudget, 0)
	}
}

// tightParameters leave room for a few operations but not a whole
// depth-3 circuit.
func tightParameters() fhe.Parameters {
	p := fhe.TestParameters()
	p.LogQ = []int{58, 58}
	p.NoiseBudget = 0
	return p
}

func TestRefreshKeepsBudgetNonNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	m := ensemble.Random(rng, ensemble.RandomOptions{NumFeatures: 8, NumTrees: 4, Depth: 3, Min: 0, Max: 1})
	s := uniformScheme(t, 8, 1, 0, 1)
	c := compile(t, m, s)

	b := simulated(t, tightParameters(), simulate.Options{})
	_, err := circuit.Plan(c, b.Noise())
	require.True(t, errors.Is(err, fault.ErrInvalidParameters), "circuit should not fit without refresh: %v", err)
	_, err = Check(c, b)
	require.NoError(t, err)

	sess := newSession(t, b, c)
	for trial := 0; trial < 10; trial++ {
		q := randomVector(rng, 8, 1)
		want, err := circuit.Eval(c, q)
		require.NoError(t, err)
		p, err := Evaluate(context.Background(), c, sess.packed(t, c, q), sess.ev)
		require.NoError(t, err)
		assert.Positive(t, p.Trace.Refreshes)
		assert.GreaterOrEqual(t, p.Trace.MinBudget, 0)
		assert.Equal(t, want, sess.scores(t, p))
	}
}

func TestBudgetExceededWithoutRefresh(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	m := ensemble.Random(rng, ensemble.RandomOptions{NumFeatures: 8, NumTrees: 4, Depth: 3, Min: 0, Max: 1})
	s := uniformScheme(t, 8, 1, 0, 1)
	c := compile(t, m, s)

	b := simulated(t, tightParameters(), simulate.Options{DisableRefresh: true})
	_, err := Check(c, b)
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))

	sess := newSession(t, b, c)
	_, err = Evaluate(context.Background(), c, sess.packed(t, c, randomVector(rng, 8, 1)), sess.ev)
	assert.True(t, errors.Is(err, fault.ErrNoiseBudgetExceeded), "%v", err)
	assert.False(t, fault.Retryable(err))
}

func TestEvaluateRejectsMismatchedInputs(t *testing.T) {
	b := simulated(t, fhe.TestParameters(), simulate.Options{})
	s := uniformScheme(t, 768, 3, 0, 10)
	c := compile(t, stumpModel(), s)
	sess := newSession(t, b, c)

	short, err := sess.enc.Encrypt(make([]uint64, 10), c.Bits)
	require.NoError(t, err)
	_, err = Evaluate(context.Background(), c, []fhe.Ciphertext{short}, sess.ev)
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch))

	wide, err := sess.enc.Encrypt(make([]uint64, 768), 8)
	require.NoError(t, err)
	_, err = Evaluate(context.Background(), c, []fhe.Ciphertext{wide}, sess.ev)
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch))

	// A ciphertext under another key is refused by the evaluator.
	other := newSession(t, b, c)
	_, err = Evaluate(context.Background(), c, other.packed(t, c, make(quantize.Vector, 768)), sess.ev)
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch), "%v", err)
}

func TestEvaluateHonorsDeadline(t *testing.T) {
	b := simulated(t, fhe.TestParameters(), simulate.Options{})
	s := uniformScheme(t, 768, 3, 0, 10)
	c := compile(t, stumpModel(), s)
	sess := newSession(t, b, c)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := Evaluate(ctx, c, sess.packed(t, c, make(quantize.Vector, 768)), sess.ev)
	assert.True(t, errors.Is(err, fault.ErrTimeout))

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = Evaluate(ctx, c, sess.packed(t, c, make(quantize.Vector, 768)), sess.ev)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheckRejectsBackend(t *testing.T) {
	s := uniformScheme(t, 768, 3, 0, 10)
	c := compile(t, stumpModel(), s)

	narrow := simulated(t, fhe.TestParameters(), simulate.Options{MaxCompareBits: 2})
	_, err := Check(c, narrow)
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))

	p := fhe.TestParameters()
	p.PlaintextModulus = 40961
	other := simulated(t, p, simulate.Options{})
	_, err = Check(c, other)
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))
}

func TestEvaluateLattice(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}
	b, err := secret.New(fhe.TestParameters())
	require.NoError(t, err)

	s := uniformScheme(t, 768, 3, 0, 10)
	c := compile(t, stumpModel(), s)
	budget, err := Check(c, b)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, budget.Remaining, 0)

	sess := newSession(t, b, c)
	q, err := quantize.Quantize(make([]float64, 768), s)
	require.NoError(t, err)
	p, err := Evaluate(context.Background(), c, sess.packed(t, c, q), sess.ev)
	require.NoError(t, err)
	assert.Equal(t, []int64{1024}, sess.scores(t, p))

	rng := rand.New(rand.NewSource(17))
	m := ensemble.Random(rng, ensemble.RandomOptions{NumFeatures: 12, NumTrees: 3, Depth: 2, Min: 0, Max: 1})
	s = uniformScheme(t, 12, 2, 0, 1)
	c = compile(t, m, s)
	_, err = Check(c, b)
	require.NoError(t, err)
	sess = newSession(t, b, c)
	for trial := 0; trial < 3; trial++ {
		q := randomVector(rng, 12, 2)
		want, err := circuit.Eval(c, q)
		require.NoError(t, err)

		p, err := Evaluate(context.Background(), c, sess.packed(t, c, q), sess.ev)
		require.NoError(t, err)
		assert.Equal(t, want, sess.scores(t, p), "trial %d", trial)
	}
}
