package ensemble

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// xgbNode mirrors one node of Booster.get_dump(dump_format="json").
type xgbNode struct {
	NodeID         int       `json:"nodeid"`
	Split          string    `json:"split"`
	SplitCondition float64   `json:"split_condition"`
	Yes            int       `json:"yes"`
	No             int       `json:"no"`
	Leaf           *float64  `json:"leaf"`
	Children       []xgbNode `json:"children"`
}

// DumpOptions describe what the JSON dump itself does not record.
type DumpOptions struct {
	NumFeatures int
	NumClasses  int
	Objective   Objective
	BaseScore   []float64
	Labels      []string
}

// LoadXGBoostDump reads an XGBoost JSON tree dump. With more than one
// class, tree i contributes to class i mod NumClasses.
func LoadXGBoostDump(path string, opts DumpOptions) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var dump []xgbNode
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("failed to decode xgboost dump: %v", err)
	}

	m := &Model{
		NumFeatures: opts.NumFeatures,
		NumClasses:  opts.NumClasses,
		Objective:   opts.Objective,
		BaseScore:   opts.BaseScore,
		Labels:      opts.Labels,
	}
	if m.Objective == "" {
		m.Objective = BinaryLogistic
	}
	if m.NumClasses == 0 {
		m.NumClasses = 2
	}

	for i, root := range dump {
		tree := Tree{}
		if m.Objective == MultiSoftmax {
			tree.Class = i % m.NumClasses
		}
		if _, err := flattenXGB(&root, &tree); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		m.Trees = append(m.Trees, tree)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// flattenXGB appends n and its subtree to t in pre-order and returns n's index.
func flattenXGB(n *xgbNode, t *Tree) (int, error) {
	idx := len(t.Nodes)
	if n.Leaf != nil {
		t.Nodes = append(t.Nodes, Node{IsLeaf: true, Leaf: *n.Leaf})
		return idx, nil
	}

	feature, err := parseSplit(n.Split)
	if err != nil {
		return 0, err
	}
	t.Nodes = append(t.Nodes, Node{Feature: feature, Threshold: n.SplitCondition})

	var yes, no *xgbNode
	for i := range n.Children {
		switch n.Children[i].NodeID {
		case n.Yes:
			yes = &n.Children[i]
		case n.No:
			no = &n.Children[i]
		}
	}
	if yes == nil || no == nil {
		return 0, fmt.Errorf("node %d is missing children %d/%d", n.NodeID, n.Yes, n.No)
	}
	if t.Nodes[idx].Yes, err = flattenXGB(yes, t); err != nil {
		return 0, err
	}
	if t.Nodes[idx].No, err = flattenXGB(no, t); err != nil {
		return 0, err
	}
	return idx, nil
}

func parseSplit(split string) (int, error) {
	name := strings.TrimPrefix(split, "f")
	idx, err := strconv.Atoi(name)
	if err != nil {
		return 0, fmt.Errorf("unsupported split feature %q", split)
	}
	return idx, nil
}
