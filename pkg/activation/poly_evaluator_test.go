package activation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModulus = 65537

// plainOps evaluates in Z_t directly and counts multiplications.
type plainOps struct {
	t    uint64
	muls int
}

func (p *plainOps) Mul(a, b uint64) (uint64, error) {
	p.muls++
	return MulMod(a, b, p.t), nil
}
func (p *plainOps) MulScalar(a uint64, k uint64) (uint64, error) { return MulMod(a, k, p.t), nil }
func (p *plainOps) Add(a, b uint64) (uint64, error) { return (a + b) % p.t, nil }
func (p *plainOps) AddScalar(a uint64, k uint64) (uint64, error) { return (a + k) % p.t, nil }

// depthOps tracks multiplicative depth instead of values.
type depthOps struct{}

func (depthOps) Mul(a, b int) (int, error) {
	if a > b {
		return a + 1, nil
	}
	return b + 1, nil
}
func (depthOps) MulScalar(a int, _ uint64) (int, error) { return a, nil }
func (depthOps) Add(a, b int) (int, error) {
	if a > b {
		return a, nil
	}
	return b, nil
}
func (depthOps) AddScalar(a int, _ uint64) (int, error) { return a, nil }

func TestSplitDegree(t *testing.T) {
	testCases := []struct {
		n, a, b int
	}{
		{1, 1, 0},
		{2, 1, 1},
		{3, 1, 2},
		{5, 2, 3},
		{6, 3, 3},
		{7, 3, 4},
		{8, 4, 4},
		{12, 7, 5},
	}
	for _, tc := range testCases {
		a, b := SplitDegree(tc.n)
		assert.Equal(t, tc.n, a+b, "n=%d", tc.n)
		assert.Equal(t, tc.a, a, "n=%d", tc.n)
		assert.Equal(t, tc.b, b, "n=%d", tc.n)
	}
}

func TestStepCoefficients(t *testing.T) {
	for _, nbits := range []int{1, 2, 3, 5} {
		m := uint64(1) << uint(nbits)
		for c := uint64(0); c <= m; c++ {
			coefs, err := StepCoefficients(c, nbits, testModulus)
			require.NoError(t, err)
			require.Len(t, coefs, int(m))
			for x := uint64(0); x < m; x++ {
				want := uint64(0)
				if x < c {
					want = 1
				}
				require.Equal(t, want, EvalPlain(coefs, x, testModulus), "bits=%d c=%d x=%d", nbits, c, x)
			}
		}
	}

	_, err := StepCoefficients(1, 0, testModulus)
	assert.Error(t, err)
	_, err = StepCoefficients(1, 4, 13)
	assert.Error(t, err)
	_, err = StepCoefficients(1, 4, 16)
	assert.Error(t, err)
	_, err = StepCoefficients(1, 4, 17)
	assert.NoError(t, err)
}

func TestPolynomialEvaluation(t *testing.T) {
	testCases := []struct {
		name  string
		coefs []uint64
		x     uint64
	}{
		{"Simple Linear", []uint64{3, 2}, 4},
		{"Simple Quadratic", []uint64{1, 2, 1}, 2},
		{"Sparse Cubic", []uint64{0, 0, 0, 5}, 7},
		{"Constant", []uint64{9, 0, 0}, 11},
		{"Zero", []uint64{0}, 11},
		{"Negative Terms", []uint64{1, testModulus - 2, 1, testModulus - 1}, 3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ops := &plainOps{t: testModulus}
			pb := NewPowerBasis(tc.x)
			got, err := EvalPolynomial(tc.coefs, pb, ops)
			require.NoError(t, err)
			assert.Equal(t, EvalPlain(tc.coefs, tc.x, testModulus), got)
		})
	}
}

func TestStepPolynomialDepth(t *testing.T) {
	for nbits := 1; nbits <= 8; nbits++ {
		t.Run(fmt.Sprintf("bits=%d", nbits), func(t *testing.T) {
			m := uint64(1) << uint(nbits)
			coefs, err := StepCoefficients(m/2, nbits, testModulus)
			require.NoError(t, err)

			depth, err := EvalPolynomial(coefs, NewPowerBasis(0), depthOps{})
			require.NoError(t, err)
			assert.LessOrEqual(t, depth, nbits, "depth must stay logarithmic in the degree")

			ops := &plainOps{t: testModulus}
			pb := NewPowerBasis(uint64(3))
			_, err = EvalPolynomial(coefs, pb, ops)
			require.NoError(t, err)
			assert.LessOrEqual(t, ops.muls, int(m)-2)

			// Powers are cached: evaluating again on the same input adds no products.
			before := ops.muls
			_, err = EvalPolynomial(coefs, pb, ops)
			require.NoError(t, err)
			assert.Equal(t, before, ops.muls)
		})
	}
}

func TestCenterReduce(t *testing.T) {
	assert.Equal(t, int64(-1), Center(testModulus-1, testModulus))
	assert.Equal(t, int64(32768), Center(32768, testModulus))
	assert.Equal(t, int64(-32768), Center(32769, testModulus))
	assert.Equal(t, uint64(testModulus-5), Reduce(-5, testModulus))
	assert.Equal(t, uint64(7), Reduce(7, testModulus))
}
