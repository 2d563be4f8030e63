package simulate

import (
	"github.com/Farx1/SA-FHE/pkg/activation"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
)

type stepKey struct {
	c    uint64
	bits int
}

// Evaluator mirrors the lattice evaluator slot for slot. Comparisons run
// the same interpolated step polynomial, so out-of-domain inputs behave
// as they would under encryption.
type Evaluator struct {
	b     *Backend
	keyID string
	rots  map[int]bool
	steps map[stepKey][]uint64
}

func (ev *Evaluator) operand(op string, ct fhe.Ciphertext) (*Ciphertext, error) {
	c, err := unwrap(op, ct)
	if err != nil {
		return nil, err
	}
	if !c.constant && c.keyID != ev.keyID {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "ciphertext under key %s, evaluator holds %s", c.keyID, ev.keyID)
	}
	return c, nil
}

func (ev *Evaluator) constant(v int64) *Ciphertext {
	t := ev.b.t()
	return &Ciphertext{constant: true, value: activation.Center(activation.Reduce(v, t), t)}
}

func (ev *Evaluator) Constant(v int64) fhe.Ciphertext { return ev.constant(v) }

func (ev *Evaluator) Add(a, b fhe.Ciphertext) (fhe.Ciphertext, error) {
	x, err := ev.operand("simulate.Add", a)
	if err != nil {
		return nil, err
	}
	y, err := ev.operand("simulate.Add", b)
	if err != nil {
		return nil, err
	}
	if x.constant && y.constant {
		return ev.constant(x.value + y.value), nil
	}

	t := ev.b.t()
	n := length(x, y)
	out := make([]uint64, n)
	for i := range out {
		out[i] = (x.raw(i, t) + y.raw(i, t)) % t
	}
	return &Ciphertext{
		keyID:  ev.keyID,
		values: out,
		noise:  ev.b.noise.AddEstimate(x.estimate(), y.estimate()).Bits,
		slots:  max(x.slots, y.slots),
	}, nil
}

func (ev *Evaluator) step(c uint64, bits int) ([]uint64, error) {
	k := stepKey{c, bits}
	if coefs, ok := ev.steps[k]; ok {
		return coefs, nil
	}
	coefs, err := activation.StepCoefficients(c, bits, ev.b.t())
	if err != nil {
		return nil, err
	}
	if ev.steps == nil {
		ev.steps = make(map[stepKey][]uint64)
	}
	ev.steps[k] = coefs
	return coefs, nil
}

func (ev *Evaluator) CompareLess(x fhe.Ciphertext, c uint64) (fhe.Ciphertext, error) {
	const op = "simulate.CompareLess"
	in, err := ev.operand(op, x)
	if err != nil {
		return nil, err
	}
	if in.constant {
		if in.value >= 0 && uint64(in.value) < c {
			return ev.constant(1), nil
		}
		return ev.constant(0), nil
	}
	if in.bits < 1 || in.bits > ev.b.opts.MaxCompareBits {
		return nil, fault.Errorf(fault.InvalidParameters, op, "comparison width %d outside [1, %d]", in.bits, ev.b.opts.MaxCompareBits)
	}
	coefs, err := ev.step(c, in.bits)
	if err != nil {
		return nil, fault.New(fault.InvalidParameters, op, err)
	}

	t := ev.b.t()
	out := make([]uint64, len(in.values))
	for i, v := range in.values {
		out[i] = activation.EvalPlain(coefs, v, t)
	}
	return &Ciphertext{
		keyID:  ev.keyID,
		values: out,
		noise:  ev.b.noise.Compare(in.noise, in.bits),
		slots:  in.slots,
		bits:   1,
	}, nil
}

func (ev *Evaluator) Select(cond, a, b fhe.Ciphertext) (fhe.Ciphertext, error) {
	const op = "simulate.Select"
	c, err := ev.operand(op, cond)
	if err != nil {
		return nil, err
	}
	x, err := ev.operand(op, a)
	if err != nil {
		return nil, err
	}
	y, err := ev.operand(op, b)
	if err != nil {
		return nil, err
	}

	if x.constant && y.constant && x.value == y.value {
		return y, nil
	}
	if c.constant {
		switch c.value {
		case 1:
			return x, nil
		case 0:
			return y, nil
		}
	}

	t := ev.b.t()
	n := length(c, x, y)
	if n == 0 {
		return ev.constant(c.value*(x.value-y.value) + y.value), nil
	}
	out := make([]uint64, n)
	for i := range out {
		diff := (x.raw(i, t) + t - y.raw(i, t)) % t
		out[i] = (activation.MulMod(c.raw(i, t), diff, t) + y.raw(i, t)) % t
	}

	var noise float64
	if c.constant {
		diff := ev.b.noise.SubEstimate(x.estimate(), y.estimate())
		noise = ev.b.noise.AddEstimate(fhe.Estimate{Bits: ev.b.noise.MulScalarBound(diff.Bits)}, y.estimate()).Bits
	} else {
		noise = ev.b.noise.SelectEstimate(c.estimate(), x.estimate(), y.estimate()).Bits
	}
	return &Ciphertext{
		keyID:  ev.keyID,
		values: out,
		noise:  noise,
		slots:  max(c.slots, x.slots, y.slots),
	}, nil
}

func (ev *Evaluator) Extract(x fhe.Ciphertext, index int) (fhe.Ciphertext, error) {
	const op = "simulate.Extract"
	in, err := ev.operand(op, x)
	if err != nil {
		return nil, err
	}
	if in.constant {
		return in, nil
	}
	if index < 0 || index >= in.slots {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "slot %d outside %d packed values", index, in.slots)
	}
	if index == 0 {
		return in, nil
	}

	noise := in.noise
	for j := 0; index>>j > 0; j++ {
		if (index>>j)&1 == 0 {
			continue
		}
		if rot := 1 << j; !ev.rots[rot] {
			return nil, fault.Errorf(fault.CircuitMismatch, op, "evaluation key lacks rotation %d", rot)
		}
		noise = ev.b.noise.Rotate(noise)
	}

	n := len(in.values)
	out := make([]uint64, n)
	for i := range out {
		out[i] = in.values[(i+index)%n]
	}
	return &Ciphertext{keyID: ev.keyID, values: out, noise: noise, slots: 1, bits: in.bits}, nil
}

func (ev *Evaluator) Mask(x fhe.Ciphertext) (fhe.Ciphertext, error) {
	in, err := ev.operand("simulate.Mask", x)
	if err != nil {
		return nil, err
	}
	if in.constant {
		return in, nil
	}
	return &Ciphertext{
		keyID:  ev.keyID,
		values: []uint64{in.values[0]},
		noise:  ev.b.noise.Mask(in.noise),
		slots:  1,
		bits:   in.bits,
	}, nil
}

func (ev *Evaluator) RemainingBudget(x fhe.Ciphertext) int {
	in, err := unwrap("simulate.RemainingBudget", x)
	if err != nil {
		return -1
	}
	if in.constant {
		return ev.b.noise.Budget(0)
	}
	return ev.b.noise.Budget(in.noise)
}

func (ev *Evaluator) Cost(op fhe.Op, arg int) int { return ev.b.noise.Cost(op, arg) }

func (ev *Evaluator) CanRefresh() bool { return ev.b.CanRefresh() }

// Refresh restores a fresh budget. A ciphertext whose budget is already
// gone cannot be refreshed.
func (ev *Evaluator) Refresh(x fhe.Ciphertext) (fhe.Ciphertext, error) {
	const op = "simulate.Refresh"
	if !ev.b.CanRefresh() {
		return nil, fhe.ErrRefreshUnsupported
	}
	in, err := ev.operand(op, x)
	if err != nil {
		return nil, err
	}
	if in.constant {
		return in, nil
	}
	if budget := ev.b.noise.Budget(in.noise); budget < 0 {
		return nil, fault.Errorf(fault.NoiseBudgetExceeded, op, "budget already exhausted (%d bits)", budget)
	}
	out := *in
	out.values = append([]uint64(nil), in.values...)
	out.noise = ev.b.noise.KeySwitch()
	return &out, nil
}
