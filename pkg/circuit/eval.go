package circuit

import (
	"github.com/Farx1/SA-FHE/pkg/activation"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/quantize"
)

// Eval runs the circuit on cleartext quantized features with the same
// modular arithmetic the encrypted evaluation uses. It returns one
// centered raw score per class.
func Eval(c *Circuit, x quantize.Vector) ([]int64, error) {
	const op = "circuit.Eval"
	if len(x) != c.NumFeatures {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "%d features, circuit reads %d", len(x), c.NumFeatures)
	}
	top := uint64(1)<<uint(c.Bits) - 1
	for i, v := range x {
		if v > top {
			return nil, fault.Errorf(fault.InvalidParameters, op, "feature %d = %d exceeds %d-bit range", i, v, c.Bits)
		}
	}

	t := c.Modulus
	vals := make([]int64, len(c.Nodes))
	for i, n := range c.Nodes {
		switch n.Kind {
		case Leaf:
			vals[i] = n.Value
		case Comparison:
			if x[n.Feature] < n.Threshold {
				vals[i] = vals[n.True]
			} else {
				vals[i] = vals[n.False]
			}
		case Aggregate:
			vals[i] = vals[n.Inputs[0]]
		case Sum:
			acc := activation.Reduce(n.Value, t)
			for _, in := range n.Inputs {
				acc = (acc + activation.Reduce(vals[in], t)) % t
			}
			vals[i] = activation.Center(acc, t)
		}
	}

	out := make([]int64, c.Classes)
	for class, idx := range c.Outputs {
		out[class] = vals[idx]
	}
	return out, nil
}

// Score converts a raw class score back to the model's output scale.
func (c *Circuit) Score(raw int64) float64 { return float64(raw) / float64(c.LeafScale) }
