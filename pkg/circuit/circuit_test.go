package circuit

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Farx1/SA-FHE/pkg/ensemble"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/quantize"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modulus = 65537

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

// stumpModel is the single split x[0] < 5 -> 1.0 else -1.0 over 768 features.
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

func TestStumpScenario(t *testing.T) {
	s := uniformScheme(t, 768, 3, 0, 10)
	c, err := Compile(stumpModel(), s, Options{Modulus: modulus})
	require.NoError(t, err)

	assert.Equal(t, int64(1024), c.LeafScale)
	assert.Equal(t, []string{"Negative", "Positive"}, c.Labels)
	assert.Equal(t, 1, c.Comparisons())
	assert.Equal(t, []int{0}, c.Features())
	assert.Empty(t, c.Rotations())

	var cmpNode Node
	for _, n := range c.Nodes {
		if n.Kind == Comparison {
			cmpNode = n
		}
	}
	assert.Equal(t, uint64(4), cmpNode.Threshold)

	q, err := quantize.Quantize(make([]float64, 768), s)
	require.NoError(t, err)
	scores, err := Eval(c, q)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, 1.0, c.Score(scores[0]))

	q[0] = 7
	scores, err = Eval(c, q)
	require.NoError(t, err)
	assert.Equal(t, -1.0, c.Score(scores[0]))
}

func TestCompileMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, classes := range []int{1, 3} {
		m := ensemble.Random(rng, ensemble.RandomOptions{
			NumFeatures: 16, NumTrees: 6, Depth: 3, NumClasses: classes, Min: -2, Max: 2,
		})
		s := uniformScheme(t, 16, 4, -2, 2)
		c, err := Compile(m, s, Options{Modulus: modulus})
		require.NoError(t, err)
		require.NoError(t, c.Validate())
		assert.Equal(t, m.Outputs(), c.Classes)
		assert.LessOrEqual(t, c.Depth(), 3)

		tolerance := float64(len(m.Trees)+1) * 0.5 / float64(c.LeafScale)
		for trial := 0; trial < 200; trial++ {
			q := make(quantize.Vector, 16)
			for i := range q {
				q[i] = uint64(rng.Intn(16))
			}
			x, err := quantize.Dequantize(q, s)
			require.NoError(t, err)
			want, err := m.PredictRaw(x)
			require.NoError(t, err)
			got, err := Eval(c, q)
			require.NoError(t, err)
			for class := range want {
				assert.InDelta(t, want[class], c.Score(got[class]), tolerance, "trial %d class %d", trial, class)
			}
		}
	}
}

func TestFoldingAndSharing(t *testing.T) {
	s := uniformScheme(t, 2, 3, 0, 7)
	m := &ensemble.Model{
		NumFeatures: 2,
		Objective:   ensemble.Regression,
		Trees: []ensemble.Tree{
			// Identical branches fold to one leaf.
			{Nodes: []ensemble.Node{
				{Feature: 0, Threshold: 3, Yes: 1, No: 2},
				{IsLeaf: true, Leaf: 0.5},
				{IsLeaf: true, Leaf: 0.5},
			}},
			// A threshold below the range is never true.
			{Nodes: []ensemble.Node{
				{Feature: 1, Threshold: -4, Yes: 1, No: 2},
				{IsLeaf: true, Leaf: 2},
				{IsLeaf: true, Leaf: -2},
			}},
			// Two trees with the same split share one comparison.
			{Nodes: []ensemble.Node{
				{Feature: 1, Threshold: 3.2, Yes: 1, No: 2},
				{IsLeaf: true, Leaf: 1},
				{IsLeaf: true, Leaf: 0},
			}},
			{Nodes: []ensemble.Node{
				{Feature: 1, Threshold: 3.2, Yes: 1, No: 2},
				{IsLeaf: true, Leaf: 1},
				{IsLeaf: true, Leaf: 0},
			}},
		},
	}
	c, err := Compile(m, s, Options{Modulus: modulus, LeafScale: 8})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Comparisons())
	assert.Equal(t, []int{1}, c.Features())
	assert.Equal(t, []int{1}, c.Rotations())

	scores, err := Eval(c, quantize.Vector{0, 0})
	require.NoError(t, err)
	assert.Equal(t, []int64{4 - 16 + 8 + 8}, scores)
}

func TestCompileRejects(t *testing.T) {
	s := uniformScheme(t, 768, 3, 0, 10)

	_, err := Compile(stumpModel(), uniformScheme(t, 4, 3, 0, 10), Options{Modulus: modulus})
	assert.True(t, errors.Is(err, fault.ErrSchemeMismatch))

	_, err = Compile(stumpModel(), s, Options{})
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))

	_, err = Compile(stumpModel(), s, Options{Modulus: 17, LeafScale: 16})
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))

	huge := stumpModel()
	huge.Trees[0].Nodes[1].Leaf = 1e9
	_, err = Compile(huge, s, Options{Modulus: modulus})
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))
}

func TestEvalRejects(t *testing.T) {
	s := uniformScheme(t, 768, 3, 0, 10)
	c, err := Compile(stumpModel(), s, Options{Modulus: modulus})
	require.NoError(t, err)

	_, err = Eval(c, make(quantize.Vector, 3))
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch))

	q := make(quantize.Vector, 768)
	q[5] = 8
	_, err = Eval(c, q)
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))
}

func TestPlan(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m := ensemble.Random(rng, ensemble.RandomOptions{NumFeatures: 32, NumTrees: 4, Depth: 3, Min: 0, Max: 1})
	s := uniformScheme(t, 32, 3, 0, 1)
	c, err := Compile(m, s, Options{Modulus: modulus})
	require.NoError(t, err)

	nm := fhe.TestParameters().NoiseModel()
	b, err := Plan(c, nm)
	require.NoError(t, err)
	assert.Equal(t, nm.Budget(nm.Fresh()), b.Fresh)
	assert.GreaterOrEqual(t, b.Remaining, 0)
	assert.Less(t, b.Remaining, b.Fresh)
	assert.Equal(t, Sum, c.Nodes[b.Critical].Kind)

	// A small modulus chain cannot carry the same circuit.
	tight := nm
	tight.LogQ = 80
	_, err = Plan(c, tight)
	assert.True(t, errors.Is(err, fault.ErrInvalidParameters))
}

func TestArtifactRoundTrip(t *testing.T) {
	s := uniformScheme(t, 768, 3, 0, 10)
	c, err := Compile(stumpModel(), s, Options{Modulus: modulus})
	require.NoError(t, err)
	a, err := NewArtifact(s, c)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "artifact.json")
	require.NoError(t, SaveArtifact(path, a))
	loaded, err := LoadArtifact(path)
	require.NoError(t, err)

	assert.Equal(t, c.ID(), loaded.Circuit.ID())
	assert.Equal(t, s.ID(), loaded.Scheme.ID())
	if diff := cmp.Diff(c.Nodes, loaded.Circuit.Nodes); diff != "" {
		t.Errorf("nodes changed (-want +got):\n%s", diff)
	}
}

func TestArtifactRejectsTampering(t *testing.T) {
	s := uniformScheme(t, 768, 3, 0, 10)
	c, err := Compile(stumpModel(), s, Options{Modulus: modulus})
	require.NoError(t, err)

	other := uniformScheme(t, 768, 3, 0, 20)
	_, err = NewArtifact(other, c)
	assert.True(t, errors.Is(err, fault.ErrSchemeMismatch))

	a, err := NewArtifact(s, c)
	require.NoError(t, err)
	dir := t.TempDir()

	tampered := *a
	tamperedCircuit := *c
	tamperedCircuit.LeafScale = 2048
	tampered.Circuit = &tamperedCircuit
	path := filepath.Join(dir, "tampered.json")
	require.NoError(t, SaveArtifact(path, &tampered))
	_, err = LoadArtifact(path)
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch), "%v", err)

	future := *a
	future.FormatVersion = FormatVersion + 1
	path = filepath.Join(dir, "future.json")
	require.NoError(t, SaveArtifact(path, &future))
	_, err = LoadArtifact(path)
	assert.True(t, errors.Is(err, fault.ErrCircuitMismatch))

	// Re-digested content pointing at another scheme.
	swapped := &Artifact{FormatVersion: FormatVersion, Scheme: other, Circuit: c}
	swapped.Digest, err = swapped.digest()
	require.NoError(t, err)
	path = filepath.Join(dir, "swapped.json")
	require.NoError(t, SaveArtifact(path, swapped))
	_, err = LoadArtifact(path)
	assert.True(t, errors.Is(err, fault.ErrSchemeMismatch), "%v", err)

	_, err = LoadArtifact(filepath.Join(dir, "missing.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCircuitIDStable(t *testing.T) {
	s := uniformScheme(t, 768, 3, 0, 10)
	c1, err := Compile(stumpModel(), s, Options{Modulus: modulus})
	require.NoError(t, err)
	c2, err := Compile(stumpModel(), s, Options{Modulus: modulus})
	require.NoError(t, err)
	assert.Equal(t, c1.ID(), c2.ID())

	c3, err := Compile(stumpModel(), s, Options{Modulus: modulus, LeafScale: 2})
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c3.ID())
	assert.False(t, math.IsNaN(c3.Score(1)))
}
