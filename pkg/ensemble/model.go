// Package ensemble holds trained decision-tree ensembles in cleartext.
package ensemble

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/Farx1/SA-FHE/pkg/fault"
)

type Objective string

const (
	BinaryLogistic Objective = "binary:logistic"
	MultiSoftmax   Objective = "multi:softprob"
	Regression     Objective = "reg:squarederror"
)

// DefaultLabels are the sentiment classes of the reference deployment.
var DefaultLabels = []string{"Negative", "Positive"}

// Node is one entry of a flattened tree. Internal nodes route x[Feature] <
// Threshold to Yes, everything else to No.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Yes       int     `json:"yes"`
	No        int     `json:"no"`
	Leaf      float64 `json:"leaf"`
	IsLeaf    bool    `json:"is_leaf"`
}

// Tree is rooted at Nodes[0]. Class selects the output it contributes to.
type Tree struct {
	Class int    `json:"class"`
	Nodes []Node `json:"nodes"`
}

type Model struct {
	NumFeatures int       `json:"num_features"`
	NumClasses  int       `json:"num_classes"`
	Objective   Objective `json:"objective"`
	BaseScore   []float64 `json:"base_score"`
	Labels      []string  `json:"labels"`
	Trees       []Tree    `json:"trees"`
}

// Outputs is the number of raw scores the model produces: one for binary
// and regression models, one per class otherwise.
func (m *Model) Outputs() int {
	if m.Objective == MultiSoftmax {
		return m.NumClasses
	}
	return 1
}

func (m *Model) Validate() error {
	if m.NumFeatures <= 0 {
		return fault.Errorf(fault.InvalidParameters, "ensemble.Validate", "model has %d features", m.NumFeatures)
	}
	switch m.Objective {
	case BinaryLogistic, Regression:
	case MultiSoftmax:
		if m.NumClasses < 2 {
			return fault.Errorf(fault.InvalidParameters, "ensemble.Validate",
				"multi-class model declares %d classes", m.NumClasses)
		}
	default:
		return fault.Errorf(fault.InvalidParameters, "ensemble.Validate", "unsupported objective %q", m.Objective)
	}
	if len(m.Trees) == 0 {
		return fault.Errorf(fault.InvalidParameters, "ensemble.Validate", "model has no trees")
	}
	if len(m.BaseScore) != 0 && len(m.BaseScore) != m.Outputs() {
		return fault.Errorf(fault.InvalidParameters, "ensemble.Validate",
			"%d base scores for %d outputs", len(m.BaseScore), m.Outputs())
	}
	for ti, tree := range m.Trees {
		if tree.Class < 0 || tree.Class >= m.Outputs() {
			return fault.Errorf(fault.InvalidParameters, "ensemble.Validate",
				"tree %d targets class %d of %d", ti, tree.Class, m.Outputs())
		}
		if err := m.validateTree(tree); err != nil {
			return fault.Errorf(fault.InvalidParameters, "ensemble.Validate", "tree %d: %v", ti, err)
		}
	}
	return nil
}

func (m *Model) validateTree(tree Tree) error {
	if len(tree.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	visited := make([]bool, len(tree.Nodes))
	var walk func(idx, depth int) error
	walk = func(idx, depth int) error {
		if idx < 0 || idx >= len(tree.Nodes) {
			return fmt.Errorf("child index %d out of range", idx)
		}
		if visited[idx] {
			return fmt.Errorf("node %d reached twice", idx)
		}
		visited[idx] = true
		n := tree.Nodes[idx]
		if n.IsLeaf {
			if math.IsNaN(n.Leaf) || math.IsInf(n.Leaf, 0) {
				return fmt.Errorf("leaf %d is not finite", idx)
			}
			return nil
		}
		if n.Feature < 0 || n.Feature >= m.NumFeatures {
			return fmt.Errorf("node %d splits on feature %d of %d", idx, n.Feature, m.NumFeatures)
		}
		if err := walk(n.Yes, depth+1); err != nil {
			return err
		}
		return walk(n.No, depth+1)
	}
	return walk(0, 0)
}

// Base returns the bias added to output class.
func (m *Model) Base(class int) float64 {
	if len(m.BaseScore) == 0 {
		return 0
	}
	return m.BaseScore[class]
}

// PredictRaw sums the leaf reached in every tree plus the base score.
func (m *Model) PredictRaw(x []float64) ([]float64, error) {
	if len(x) != m.NumFeatures {
		return nil, fault.Errorf(fault.SchemeMismatch, "ensemble.PredictRaw",
			"vector has %d features, model expects %d", len(x), m.NumFeatures)
	}
	out := make([]float64, m.Outputs())
	for c := range out {
		out[c] = m.Base(c)
	}
	for _, tree := range m.Trees {
		idx := 0
		for !tree.Nodes[idx].IsLeaf {
			n := tree.Nodes[idx]
			if x[n.Feature] < n.Threshold {
				idx = n.Yes
			} else {
				idx = n.No
			}
		}
		out[tree.Class] += tree.Nodes[idx].Leaf
	}
	return out, nil
}

// Depth is the longest root-to-leaf path over all trees.
func (m *Model) Depth() int {
	max := 0
	for _, tree := range m.Trees {
		var depth func(idx int) int
		depth = func(idx int) int {
			n := tree.Nodes[idx]
			if n.IsLeaf {
				return 0
			}
			a, b := depth(n.Yes), depth(n.No)
			if a > b {
				return a + 1
			}
			return b + 1
		}
		if d := depth(0); d > max {
			max = d
		}
	}
	return max
}

// LabelSet returns the configured labels, falling back to DefaultLabels for
// binary models and class indices otherwise.
func (m *Model) LabelSet() []string {
	if len(m.Labels) != 0 {
		return m.Labels
	}
	if m.Objective == BinaryLogistic {
		return DefaultLabels
	}
	labels := make([]string, m.Outputs())
	for i := range labels {
		labels[i] = fmt.Sprintf("class_%d", i)
	}
	return labels
}

func LoadModelFromJSON(filepath string) (*Model, error) {
	modelFile, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}

	var model Model
	if err := json.Unmarshal(modelFile, &model); err != nil {
		return nil, err
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}
	return &model, nil
}

func SaveModelToJSON(filepath string, m *Model) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode model: %v", err)
	}
	return os.WriteFile(filepath, data, 0o644)
}
