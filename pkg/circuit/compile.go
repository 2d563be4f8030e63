package circuit

import (
	"math"

	"github.com/Farx1/SA-FHE/pkg/ensemble"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/quantize"
)

// DefaultMaxLeafScale bounds the automatic leaf scale.
const DefaultMaxLeafScale = 1024

type Options struct {
	// Modulus is the plaintext modulus scores are computed in.
	Modulus uint64
	// LeafScale multiplies every leaf before rounding. Zero selects the
	// largest power of two up to MaxLeafScale that cannot overflow.
	LeafScale    int64
	MaxLeafScale int64
}

type nodeKey struct {
	kind      Kind
	value     int64
	feature   int
	threshold uint64
	yes, no   int
}

type compiler struct {
	scheme *quantize.Scheme
	scale  float64
	nodes  []Node
	shared map[nodeKey]int
}

func (b *compiler) add(n Node) int {
	if n.Kind == Leaf || n.Kind == Comparison {
		k := nodeKey{n.Kind, n.Value, n.Feature, n.Threshold, n.True, n.False}
		if idx, ok := b.shared[k]; ok {
			return idx
		}
		b.shared[k] = len(b.nodes)
	}
	b.nodes = append(b.nodes, n)
	return len(b.nodes) - 1
}

func (b *compiler) leaf(v float64) int {
	return b.add(Node{Kind: Leaf, Value: int64(math.Round(v * b.scale))})
}

// tree compiles the subtree at idx. Comparisons that cannot distinguish
// their branches fold away.
func (b *compiler) tree(t ensemble.Tree, idx int) int {
	n := t.Nodes[idx]
	if n.IsLeaf {
		return b.leaf(n.Leaf)
	}
	yes := b.tree(t, n.Yes)
	no := b.tree(t, n.No)
	c := b.scheme.QuantizeThreshold(n.Feature, n.Threshold)
	switch {
	case yes == no:
		return yes
	case c == 0:
		return no
	case c > b.scheme.MaxLevel():
		return yes
	}
	return b.add(Node{Kind: Comparison, Feature: n.Feature, Threshold: c, True: yes, False: no})
}

// Compile lowers model onto the integer grid of scheme.
func Compile(model *ensemble.Model, scheme *quantize.Scheme, opts Options) (*Circuit, error) {
	const op = "circuit.Compile"
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if scheme.Dim() != model.NumFeatures {
		return nil, fault.Errorf(fault.SchemeMismatch, op,
			"scheme %s quantizes %d features, model reads %d", scheme.ID(), scheme.Dim(), model.NumFeatures)
	}
	if opts.Modulus < 3 {
		return nil, fault.Errorf(fault.InvalidParameters, op, "plaintext modulus %d too small", opts.Modulus)
	}

	scale, err := leafScale(model, opts)
	if err != nil {
		return nil, err
	}

	b := &compiler{scheme: scheme, scale: float64(scale), shared: make(map[nodeKey]int)}
	outputs := model.Outputs()
	aggregates := make([][]int, outputs)
	for _, t := range model.Trees {
		root := b.tree(t, 0)
		agg := b.add(Node{Kind: Aggregate, Inputs: []int{root}, Class: t.Class})
		aggregates[t.Class] = append(aggregates[t.Class], agg)
	}
	sums := make([]int, outputs)
	for class := range sums {
		base := int64(math.Round(model.Base(class) * float64(scale)))
		sums[class] = b.add(Node{Kind: Sum, Value: base, Inputs: aggregates[class], Class: class})
	}

	c := &Circuit{
		NumFeatures: model.NumFeatures,
		Bits:        scheme.Bits(),
		Classes:     outputs,
		LeafScale:   scale,
		Modulus:     opts.Modulus,
		Labels:      append([]string(nil), model.LabelSet()...),
		Objective:   model.Objective,
		SchemeID:    scheme.ID(),
		Nodes:       b.nodes,
		Outputs:     sums,
	}
	c.seal()
	return c, nil
}

// scoreBound is the largest absolute raw score any class can reach.
func scoreBound(model *ensemble.Model, scale float64) float64 {
	bound := make([]float64, model.Outputs())
	for class := range bound {
		bound[class] = math.Abs(model.Base(class))*scale + 0.5
	}
	for _, t := range model.Trees {
		top := 0.0
		for _, n := range t.Nodes {
			if n.IsLeaf {
				top = math.Max(top, math.Abs(n.Leaf))
			}
		}
		bound[t.Class] += top*scale + 0.5
	}
	max := 0.0
	for _, v := range bound {
		max = math.Max(max, v)
	}
	return max
}

func leafScale(model *ensemble.Model, opts Options) (int64, error) {
	const op = "circuit.Compile"
	half := float64(opts.Modulus / 2)
	if opts.LeafScale < 0 {
		return 0, fault.Errorf(fault.InvalidParameters, op, "negative leaf scale %d", opts.LeafScale)
	}
	if opts.LeafScale > 0 {
		if scoreBound(model, float64(opts.LeafScale)) >= half {
			return 0, fault.Errorf(fault.InvalidParameters, op,
				"leaf scale %d overflows plaintext modulus %d", opts.LeafScale, opts.Modulus)
		}
		return opts.LeafScale, nil
	}

	max := opts.MaxLeafScale
	if max <= 0 {
		max = DefaultMaxLeafScale
	}
	scale := int64(1)
	for scale*2 <= max {
		scale *= 2
	}
	for ; scale >= 1; scale /= 2 {
		if scoreBound(model, float64(scale)) < half {
			return scale, nil
		}
	}
	return 0, fault.Errorf(fault.InvalidParameters, op, "scores cannot fit plaintext modulus %d at any leaf scale", opts.Modulus)
}
