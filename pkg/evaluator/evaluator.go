// Package evaluator runs a compiled circuit over ciphertexts. It only sees
// the server-side surface of a backend: no secret-key type is reachable
// from here.
package evaluator

import (
	"context"
	"errors"
	"fmt"

	"github.com/Farx1/SA-FHE/pkg/circuit"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
)

// Prediction holds one encrypted raw score per class, tagged with the
// scheme and circuit that produced it.
type Prediction struct {
	Classes   []fhe.Ciphertext
	SchemeID  string
	CircuitID string
	Trace     Trace
}

// Trace summarizes the work done for one evaluation.
type Trace struct {
	Operations int
	Refreshes  int
	// MinBudget is the lowest budget any intermediate result reached.
	MinBudget int
}

type run struct {
	ctx   context.Context
	c     *circuit.Circuit
	ev    fhe.Evaluator
	trace Trace

	packing  circuit.Packing
	inputs   []fhe.Ciphertext
	features map[int]fhe.Ciphertext
	vals     []fhe.Ciphertext
}

// Evaluate walks c in compiled order. Inputs are either one packed
// ciphertext or one single-slot ciphertext per feature.
func Evaluate(ctx context.Context, c *circuit.Circuit, inputs []fhe.Ciphertext, ev fhe.Evaluator) (*Prediction, error) {
	const op = "evaluator.Evaluate"
	packing, err := c.Layout(inputs)
	if err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	for i, in := range inputs {
		if in.Bits() > c.Bits {
			return nil, fault.Errorf(fault.CircuitMismatch, op, "input %d is %d bits wide, circuit compares %d", i, in.Bits(), c.Bits)
		}
		if budget := ev.RemainingBudget(in); budget < 0 {
			return nil, fault.Errorf(fault.NoiseBudgetExceeded, op, "input %d arrives with budget %d", i, budget)
		}
	}

	r := &run{
		ctx:      ctx,
		c:        c,
		ev:       ev,
		packing:  packing,
		inputs:   append([]fhe.Ciphertext(nil), inputs...),
		features: make(map[int]fhe.Ciphertext),
		vals:     make([]fhe.Ciphertext, len(c.Nodes)),
	}
	r.trace.MinBudget = ev.RemainingBudget(ev.Constant(0))

	for i, n := range c.Nodes {
		if err := r.alive(); err != nil {
			return nil, err
		}
		v, err := r.node(n)
		if err != nil {
			return nil, fmt.Errorf("node %d (%s): %w", i, n.Kind, err)
		}
		r.vals[i] = v
	}

	out := make([]fhe.Ciphertext, c.Classes)
	for class, idx := range c.Outputs {
		out[class] = r.vals[idx]
	}
	return &Prediction{Classes: out, SchemeID: c.SchemeID, CircuitID: c.ID(), Trace: r.trace}, nil
}

func (r *run) alive() error {
	err := r.ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fault.New(fault.Timeout, "evaluator.Evaluate", err)
	}
	return err
}

func (r *run) node(n circuit.Node) (fhe.Ciphertext, error) {
	switch n.Kind {
	case circuit.Leaf:
		return r.ev.Constant(n.Value), nil

	case circuit.Comparison:
		x, err := r.feature(n.Feature)
		if err != nil {
			return nil, err
		}
		if x, err = r.prepare(fhe.OpCompare, r.c.Bits, x); err != nil {
			return nil, err
		}
		r.features[n.Feature] = x
		cond, err := r.apply(func() (fhe.Ciphertext, error) { return r.ev.CompareLess(x, n.Threshold) }, x)
		if err != nil {
			return nil, err
		}
		if cond, err = r.prepare(fhe.OpSelect, 0, cond); err != nil {
			return nil, err
		}
		yes, err := r.operand(fhe.OpSelect, n.True)
		if err != nil {
			return nil, err
		}
		no, err := r.operand(fhe.OpSelect, n.False)
		if err != nil {
			return nil, err
		}
		return r.apply(func() (fhe.Ciphertext, error) { return r.ev.Select(cond, yes, no) }, cond, yes, no)

	case circuit.Aggregate:
		return r.vals[n.Inputs[0]], nil

	case circuit.Sum:
		acc := r.ev.Constant(n.Value)
		for _, in := range n.Inputs {
			var err error
			if acc, err = r.prepare(fhe.OpAdd, 0, acc); err != nil {
				return nil, err
			}
			term, err := r.operand(fhe.OpAdd, in)
			if err != nil {
				return nil, err
			}
			prev := acc
			if acc, err = r.apply(func() (fhe.Ciphertext, error) { return r.ev.Add(prev, term) }, prev, term); err != nil {
				return nil, err
			}
		}
		acc, err := r.prepare(fhe.OpMask, 0, acc)
		if err != nil {
			return nil, err
		}
		return r.apply(func() (fhe.Ciphertext, error) { return r.ev.Mask(acc) }, acc)
	}
	return nil, fault.Errorf(fault.CircuitMismatch, "evaluator.Evaluate", "unknown node kind %d", n.Kind)
}

// feature returns x[f] in slot 0, extracting it from a packed input once.
func (r *run) feature(f int) (fhe.Ciphertext, error) {
	if x, ok := r.features[f]; ok {
		return x, nil
	}
	if r.packing == circuit.PerFeature {
		r.features[f] = r.inputs[f]
		return r.inputs[f], nil
	}
	packed, err := r.prepare(fhe.OpExtract, circuit.ExtractRotations(f), r.inputs[0])
	if err != nil {
		return nil, err
	}
	r.inputs[0] = packed
	x, err := r.apply(func() (fhe.Ciphertext, error) { return r.ev.Extract(packed, f) }, packed)
	if err != nil {
		return nil, err
	}
	r.features[f] = x
	return x, nil
}

// operand fetches node idx, refreshed for op if needed. A refreshed value
// replaces the stored one so later consumers reuse it.
func (r *run) operand(op fhe.Op, idx int) (fhe.Ciphertext, error) {
	x, err := r.prepare(op, 0, r.vals[idx])
	if err != nil {
		return nil, err
	}
	r.vals[idx] = x
	return x, nil
}

// prepare refreshes x when its budget cannot absorb op.
func (r *run) prepare(op fhe.Op, arg int, x fhe.Ciphertext) (fhe.Ciphertext, error) {
	if !r.ev.CanRefresh() || r.ev.RemainingBudget(x) > r.ev.Cost(op, arg) {
		return x, nil
	}
	out, err := r.ev.Refresh(x)
	if err != nil {
		return nil, fmt.Errorf("refresh before %s: %w", op, err)
	}
	r.trace.Refreshes++
	return out, nil
}

// apply runs one homomorphic operation and rejects a result that can no
// longer be decrypted. A backend may hand back one of the operands
// unchanged (Extract of slot 0, Select between equal branches); that is
// not counted as an operation.
func (r *run) apply(f func() (fhe.Ciphertext, error), operands ...fhe.Ciphertext) (fhe.Ciphertext, error) {
	out, err := f()
	if err != nil {
		return nil, err
	}
	for _, in := range operands {
		if out == in {
			return out, nil
		}
	}
	r.trace.Operations++
	budget := r.ev.RemainingBudget(out)
	if budget < r.trace.MinBudget {
		r.trace.MinBudget = budget
	}
	if budget < 0 {
		return nil, fault.Errorf(fault.NoiseBudgetExceeded, "evaluator.Evaluate", "budget fell to %d bits", budget)
	}
	return out, nil
}

// Check verifies at startup that backend can run c. Without refresh the
// whole circuit must fit the fresh budget.
func Check(c *circuit.Circuit, backend fhe.Backend) (circuit.Budget, error) {
	const op = "evaluator.Check"
	p := backend.Parameters()
	if c.Bits > backend.MaxCompareBits() {
		return circuit.Budget{}, fault.Errorf(fault.InvalidParameters, op,
			"circuit compares %d-bit values, backend %s supports %d", c.Bits, backend.Name(), backend.MaxCompareBits())
	}
	if c.Modulus != p.PlaintextModulus {
		return circuit.Budget{}, fault.Errorf(fault.InvalidParameters, op,
			"circuit computes modulo %d, backend modulo %d", c.Modulus, p.PlaintextModulus)
	}
	if c.NumFeatures > p.Slots() {
		return circuit.Budget{}, fault.Errorf(fault.InvalidParameters, op,
			"%d features do not fit %d slots", c.NumFeatures, p.Slots())
	}
	b, err := circuit.Plan(c, backend.Noise())
	if err != nil && !backend.CanRefresh() {
		return b, err
	}
	return b, nil
}
