package circuit

import (
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
)

// Budget is the outcome of dry-running the noise model over a circuit.
type Budget struct {
	// Fresh is the budget of a newly encrypted input.
	Fresh int
	// Remaining is the smallest budget left on any output.
	Remaining int
	// Critical is the node holding Remaining.
	Critical int
	// Noise is the estimated noise of each node.
	Noise []fhe.Estimate
}

// Plan estimates the noise of every node for a packed input, which costs
// at least as much as single-slot inputs. It fails with InvalidParameters
// when some output would not decrypt without a refresh.
func Plan(c *Circuit, m fhe.NoiseModel) (Budget, error) {
	fresh := m.Fresh()
	features := make(map[int]fhe.Estimate)
	for _, f := range c.Features() {
		features[f] = fhe.Estimate{Bits: m.Extract(fresh, ExtractRotations(f))}
	}
	compared := make(map[int]float64)

	noise := make([]fhe.Estimate, len(c.Nodes))
	for i, n := range c.Nodes {
		switch n.Kind {
		case Leaf:
			noise[i] = fhe.Estimate{Const: true}
		case Comparison:
			cond, ok := compared[n.Feature]
			if !ok {
				cond = m.Compare(features[n.Feature].Bits, c.Bits)
				compared[n.Feature] = cond
			}
			noise[i] = m.SelectEstimate(fhe.Estimate{Bits: cond}, noise[n.True], noise[n.False])
		case Aggregate:
			noise[i] = noise[n.Inputs[0]]
		case Sum:
			acc := fhe.Estimate{Const: true}
			for _, in := range n.Inputs {
				acc = m.AddEstimate(acc, noise[in])
			}
			if !acc.Const {
				acc.Bits = m.Mask(acc.Bits)
			}
			noise[i] = acc
		}
	}

	b := Budget{Fresh: m.Budget(fresh), Remaining: m.Budget(0), Critical: -1, Noise: noise}
	for _, out := range c.Outputs {
		if noise[out].Const {
			continue
		}
		if r := m.Budget(noise[out].Bits); r < b.Remaining {
			b.Remaining, b.Critical = r, out
		}
	}
	if b.Remaining < 0 {
		return b, fault.Errorf(fault.InvalidParameters, "circuit.Plan",
			"output node %d needs %d more bits of noise budget", b.Critical, -b.Remaining)
	}
	return b, nil
}
