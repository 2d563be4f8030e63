// Package circuit compiles a trained tree ensemble and a quantization
// scheme into a branch-free circuit of comparisons and oblivious selects.
package circuit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/bits"

	"github.com/Farx1/SA-FHE/pkg/ensemble"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/zeebo/blake3"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Kind uint8

const (
	// Leaf is an integer constant.
	Leaf Kind = iota
	// Comparison selects True where x[Feature] < Threshold, False elsewhere.
	Comparison
	// Aggregate closes one tree.
	Aggregate
	// Sum adds the aggregates of one class to the base score.
	Sum
)

func (k Kind) String() string {
	switch k {
	case Leaf:
		return "leaf"
	case Comparison:
		return "comparison"
	case Aggregate:
		return "aggregate"
	case Sum:
		return "sum"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Node references its operands by index; operands always precede it.
type Node struct {
	Kind      Kind   `json:"kind"`
	Value     int64  `json:"value,omitempty"`
	Feature   int    `json:"feature,omitempty"`
	Threshold uint64 `json:"threshold,omitempty"`
	True      int    `json:"true,omitempty"`
	False     int    `json:"false,omitempty"`
	Inputs    []int  `json:"inputs,omitempty"`
	Class     int    `json:"class,omitempty"`
}

// Circuit is immutable once compiled and may be shared between goroutines.
type Circuit struct {
	NumFeatures int                `json:"num_features"`
	Bits        int                `json:"bits"`
	Classes     int                `json:"classes"`
	LeafScale   int64              `json:"leaf_scale"`
	Modulus     uint64             `json:"plaintext_modulus"`
	Labels      []string           `json:"labels"`
	Objective   ensemble.Objective `json:"objective"`
	SchemeID    string             `json:"scheme_id"`
	Nodes       []Node             `json:"nodes"`
	// Outputs holds the Sum node of each class.
	Outputs []int `json:"outputs"`

	id string
}

// ID is a digest of the circuit's content.
func (c *Circuit) ID() string {
	if c.id != "" {
		return c.id
	}
	return c.digest()
}

func (c *Circuit) digest() string {
	data, err := json.Marshal(c)
	if err != nil {
		panic(err)
	}
	sum := blake3.Sum256(data)
	return "hc-" + hex.EncodeToString(sum[:8])
}

func (c *Circuit) seal() { c.id = c.digest() }

// Features lists the distinct features any comparison reads.
func (c *Circuit) Features() []int {
	set := make(map[int]struct{})
	for _, n := range c.Nodes {
		if n.Kind == Comparison {
			set[n.Feature] = struct{}{}
		}
	}
	features := maps.Keys(set)
	slices.Sort(features)
	return features
}

// Rotations lists the power-of-two slot rotations needed to move every used
// feature of a packed input to slot 0.
func (c *Circuit) Rotations() []int {
	set := make(map[int]struct{})
	for _, f := range c.Features() {
		for j := 0; f>>j > 0; j++ {
			if (f>>j)&1 == 1 {
				set[1<<j] = struct{}{}
			}
		}
	}
	rots := maps.Keys(set)
	slices.Sort(rots)
	return rots
}

// ExtractRotations is the number of rotations that bring feature f to slot 0.
func ExtractRotations(f int) int { return bits.OnesCount(uint(f)) }

// Comparisons counts the comparison nodes after sharing and folding.
func (c *Circuit) Comparisons() int {
	n := 0
	for _, node := range c.Nodes {
		if node.Kind == Comparison {
			n++
		}
	}
	return n
}

// Depth is the longest chain of nested comparisons.
func (c *Circuit) Depth() int {
	depth := make([]int, len(c.Nodes))
	max := 0
	for i, n := range c.Nodes {
		switch n.Kind {
		case Comparison:
			d := depth[n.True]
			if depth[n.False] > d {
				d = depth[n.False]
			}
			depth[i] = d + 1
		case Aggregate, Sum:
			for _, in := range n.Inputs {
				if depth[in] > depth[i] {
					depth[i] = depth[in]
				}
			}
		}
		if depth[i] > max {
			max = depth[i]
		}
	}
	return max
}

// Validate checks structural well-formedness: operand order, feature
// range and one Sum per class.
func (c *Circuit) Validate() error {
	if c.NumFeatures <= 0 || c.Classes <= 0 || c.Bits < 1 || c.LeafScale <= 0 || c.Modulus < 3 {
		return fmt.Errorf("circuit header is incomplete")
	}
	if len(c.Outputs) != c.Classes {
		return fmt.Errorf("%d outputs for %d classes", len(c.Outputs), c.Classes)
	}
	ref := func(i, at int) error {
		if i < 0 || i >= at {
			return fmt.Errorf("node %d references %d", at, i)
		}
		return nil
	}
	for i, n := range c.Nodes {
		switch n.Kind {
		case Leaf:
		case Comparison:
			if n.Feature < 0 || n.Feature >= c.NumFeatures {
				return fmt.Errorf("node %d reads feature %d of %d", i, n.Feature, c.NumFeatures)
			}
			if err := ref(n.True, i); err != nil {
				return err
			}
			if err := ref(n.False, i); err != nil {
				return err
			}
		case Aggregate, Sum:
			for _, in := range n.Inputs {
				if err := ref(in, i); err != nil {
					return err
				}
			}
			if n.Class < 0 || n.Class >= c.Classes {
				return fmt.Errorf("node %d targets class %d", i, n.Class)
			}
		default:
			return fmt.Errorf("node %d has unknown kind %d", i, n.Kind)
		}
	}
	for class, out := range c.Outputs {
		if out < 0 || out >= len(c.Nodes) || c.Nodes[out].Kind != Sum || c.Nodes[out].Class != class {
			return fmt.Errorf("output %d does not point at the class sum", class)
		}
	}
	return nil
}

// Packing describes how a request lays out its features.
type Packing int

const (
	// Packed is one ciphertext holding every feature in its slots.
	Packed Packing = iota
	// PerFeature is one single-slot ciphertext per feature.
	PerFeature
)

// Layout reports how inputs must be packed, rejecting anything else.
func (c *Circuit) Layout(inputs []fhe.Ciphertext) (Packing, error) {
	switch {
	case len(inputs) == 1 && inputs[0] != nil && inputs[0].Slots() == c.NumFeatures:
		return Packed, nil
	case len(inputs) == c.NumFeatures:
		for i, in := range inputs {
			if in == nil || in.Slots() != 1 {
				return 0, fmt.Errorf("input %d is not a single-slot ciphertext", i)
			}
		}
		return PerFeature, nil
	}
	return 0, fmt.Errorf("%d inputs do not match %d features", len(inputs), c.NumFeatures)
}
