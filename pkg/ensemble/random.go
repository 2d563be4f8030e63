package ensemble

import (
	"math"
	"math/rand"
)

// RandomOptions shapes a synthetic model.
type RandomOptions struct {
	NumFeatures int
	NumTrees    int
	Depth       int
	// NumClasses above 1 builds a multi-class model with NumTrees per class.
	NumClasses int
	// Min and Max bound the split thresholds.
	Min, Max float64
}

// Random builds a complete-depth ensemble with leaves in [-1, 1], used by
// experiments and tests when no trained model is at hand.
func Random(rng *rand.Rand, opts RandomOptions) *Model {
	m := &Model{
		NumFeatures: opts.NumFeatures,
		Objective:   BinaryLogistic,
		BaseScore:   []float64{0},
	}
	classes := 1
	if opts.NumClasses > 1 {
		classes = opts.NumClasses
		m.Objective = MultiSoftmax
		m.NumClasses = classes
		m.BaseScore = make([]float64, classes)
	}

	for class := 0; class < classes; class++ {
		for i := 0; i < opts.NumTrees; i++ {
			t := Tree{Class: class}
			var grow func(depth int) int
			grow = func(depth int) int {
				idx := len(t.Nodes)
				t.Nodes = append(t.Nodes, Node{})
				if depth == opts.Depth {
					t.Nodes[idx] = Node{IsLeaf: true, Leaf: math.Round((rng.Float64()*2-1)*1000) / 1000}
					return idx
				}
				n := Node{
					Feature:   rng.Intn(opts.NumFeatures),
					Threshold: opts.Min + rng.Float64()*(opts.Max-opts.Min),
				}
				n.Yes = grow(depth + 1)
				n.No = grow(depth + 1)
				t.Nodes[idx] = n
				return idx
			}
			grow(0)
			m.Trees = append(m.Trees, t)
		}
	}
	return m
}
