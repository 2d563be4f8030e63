package lattice

import (
	"github.com/Farx1/SA-FHE/pkg/activation"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/ring"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

// Evaluator is bound to one evaluation key and is not safe for concurrent
// use; build one per request.
type Evaluator struct {
	b    *Backend
	eval *bgv.Evaluator
	rots map[int]bool
	mask []uint64
}

func (b *Backend) NewEvaluator(evk fhe.EvaluationKey) (fhe.Evaluator, error) {
	key, ok := evk.(*EvaluationKey)
	if !ok || key == nil {
		return nil, fault.Errorf(fault.CircuitMismatch, "lattice.NewEvaluator", "evaluation key of type %T", evk)
	}
	if key.rlk == nil {
		return nil, fault.Errorf(fault.InvalidParameters, "lattice.NewEvaluator", "missing relinearization key")
	}

	rots := make(map[int]bool, len(key.galois))
	for rot := range key.galois {
		rots[rot] = true
	}
	mask := make([]uint64, b.bgv.MaxSlots())
	mask[0] = 1

	return &Evaluator{
		b:    b,
		eval: bgv.NewEvaluator(b.bgv, key.set, true),
		rots: rots,
		mask: mask,
	}, nil
}

func (ev *Evaluator) unwrap(op string, ct fhe.Ciphertext) (*Ciphertext, error) {
	if err := fhe.CheckBackend(Name, op, ct); err != nil {
		return nil, err
	}
	c, ok := ct.(*Ciphertext)
	if !ok || c == nil {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "unexpected ciphertext type %T", ct)
	}
	return c, nil
}

func (ev *Evaluator) wrap(el *rlwe.Ciphertext, noise float64, slots, bits int) *Ciphertext {
	return &Ciphertext{el: el, noise: noise, slots: slots, bits: bits}
}

func maxSlots(a, b *Ciphertext) int {
	if a.slots > b.slots {
		return a.slots
	}
	return b.slots
}

// scaleFactor returns the centered k with from*k = to mod t.
func (ev *Evaluator) scaleFactor(from, to rlwe.Scale) int64 {
	t := ev.b.t()
	inv := ring.ModExp(from.Uint64()%t, t-2, t)
	return activation.Center(activation.MulMod(to.Uint64()%t, inv, t), t)
}

func (ev *Evaluator) Constant(v int64) fhe.Ciphertext { return ev.b.constant(v) }

func (ev *Evaluator) Add(a, b fhe.Ciphertext) (fhe.Ciphertext, error) {
	x, err := ev.unwrap("lattice.Add", a)
	if err != nil {
		return nil, err
	}
	y, err := ev.unwrap("lattice.Add", b)
	if err != nil {
		return nil, err
	}
	return ev.add(x, y)
}

func (ev *Evaluator) add(a, b *Ciphertext) (*Ciphertext, error) {
	if a.el == nil && b.el == nil {
		return ev.b.constant(a.constant + b.constant), nil
	}
	if a.el == nil {
		a, b = b, a
	}
	if b.el == nil {
		// The scalar is lifted to a's scale, but the new element is built
		// at the default scale and must inherit a's.
		el, err := ev.eval.AddNew(a.el, b.constant)
		if err != nil {
			return nil, fault.New(fault.CircuitMismatch, "lattice.Add", err)
		}
		el.Scale = a.el.Scale
		return ev.wrap(el, ev.b.noise.AddScalar(a.noise), maxSlots(a, b), 0), nil
	}

	// Bring the quieter operand to the other's scale before adding.
	lo, hi := a, b
	if lo.noise > hi.noise {
		lo, hi = hi, lo
	}
	loEl, loNoise := lo.el, lo.noise
	if lo.el.Scale.Cmp(hi.el.Scale) != 0 {
		k := ev.scaleFactor(lo.el.Scale, hi.el.Scale)
		tmp, err := ev.eval.MulNew(lo.el, k)
		if err != nil {
			return nil, fault.New(fault.CircuitMismatch, "lattice.Add", err)
		}
		tmp.Scale = ev.b.bgv.NewScale(hi.el.Scale.Uint64())
		loEl, loNoise = tmp, ev.b.noise.MulScalar(lo.noise, k)
	}
	el, err := ev.eval.AddNew(hi.el, loEl)
	if err != nil {
		return nil, fault.New(fault.CircuitMismatch, "lattice.Add", err)
	}
	return ev.wrap(el, ev.b.noise.Add(hi.noise, loNoise), maxSlots(a, b), 0), nil
}

func (ev *Evaluator) mulScalar(a *Ciphertext, k int64) (*Ciphertext, error) {
	t := ev.b.t()
	k = activation.Center(activation.Reduce(k, t), t)
	if a.el == nil {
		return ev.b.constant(activation.Center(activation.MulMod(activation.Reduce(a.constant, t), activation.Reduce(k, t), t), t)), nil
	}
	if k == 0 {
		return ev.b.constant(0), nil
	}
	el, err := ev.eval.MulNew(a.el, k)
	if err != nil {
		return nil, fault.New(fault.CircuitMismatch, "lattice.Mul", err)
	}
	el.Scale = ev.b.bgv.NewScale(a.el.Scale.Uint64())
	return ev.wrap(el, ev.b.noise.MulScalar(a.noise, k), a.slots, 0), nil
}

func (ev *Evaluator) mul(a, b *Ciphertext) (*Ciphertext, error) {
	if a.el == nil {
		return ev.mulScalar(b, a.constant)
	}
	if b.el == nil {
		return ev.mulScalar(a, b.constant)
	}
	el, err := ev.eval.MulRelinScaleInvariantNew(a.el, b.el)
	if err != nil {
		return nil, fault.New(fault.CircuitMismatch, "lattice.Mul", err)
	}
	return ev.wrap(el, ev.b.noise.Mul(a.noise, b.noise), maxSlots(a, b), 0), nil
}

func (ev *Evaluator) sub(a, b *Ciphertext) (*Ciphertext, error) {
	neg, err := ev.mulScalar(b, -1)
	if err != nil {
		return nil, err
	}
	return ev.add(a, neg)
}

func (ev *Evaluator) CompareLess(x fhe.Ciphertext, c uint64) (fhe.Ciphertext, error) {
	const op = "lattice.CompareLess"
	in, err := ev.unwrap(op, x)
	if err != nil {
		return nil, err
	}
	if in.el == nil {
		if in.constant >= 0 && uint64(in.constant) < c {
			return ev.b.constant(1), nil
		}
		return ev.b.constant(0), nil
	}
	if in.bits < 1 || in.bits > MaxCompareBits {
		return nil, fault.Errorf(fault.InvalidParameters, op, "comparison width %d outside [1, %d]", in.bits, MaxCompareBits)
	}

	coefs, err := activation.StepCoefficients(c, in.bits, ev.b.t())
	if err != nil {
		return nil, fault.New(fault.InvalidParameters, op, err)
	}
	if in.powers == nil {
		in.powers = activation.NewPowerBasis(in)
	}
	out, err := activation.EvalPolynomial(coefs, in.powers, polyOps{ev})
	if err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	out.slots, out.bits = in.slots, 1
	return out, nil
}

func (ev *Evaluator) Select(cond, a, b fhe.Ciphertext) (fhe.Ciphertext, error) {
	const op = "lattice.Select"
	c, err := ev.unwrap(op, cond)
	if err != nil {
		return nil, err
	}
	x, err := ev.unwrap(op, a)
	if err != nil {
		return nil, err
	}
	y, err := ev.unwrap(op, b)
	if err != nil {
		return nil, err
	}

	diff, err := ev.sub(x, y)
	if err != nil {
		return nil, err
	}
	if diff.el == nil && diff.constant == 0 {
		return y, nil
	}
	prod, err := ev.mul(c, diff)
	if err != nil {
		return nil, err
	}
	return ev.add(prod, y)
}

func (ev *Evaluator) Extract(x fhe.Ciphertext, index int) (fhe.Ciphertext, error) {
	const op = "lattice.Extract"
	in, err := ev.unwrap(op, x)
	if err != nil {
		return nil, err
	}
	if in.el == nil {
		return in, nil
	}
	if index < 0 || index >= in.slots {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "slot %d outside %d packed values", index, in.slots)
	}
	if index == 0 {
		return in, nil
	}

	el, noise := in.el, in.noise
	for j := 0; index>>j > 0; j++ {
		if (index>>j)&1 == 0 {
			continue
		}
		rot := 1 << j
		if !ev.rots[rot] {
			return nil, fault.Errorf(fault.CircuitMismatch, op, "evaluation key lacks rotation %d", rot)
		}
		if el, err = ev.eval.RotateColumnsNew(el, rot); err != nil {
			return nil, fault.New(fault.CircuitMismatch, op, err)
		}
		el.Scale = in.el.Scale
		noise = ev.b.noise.Rotate(noise)
	}
	return ev.wrap(el, noise, 1, in.bits), nil
}

func (ev *Evaluator) Mask(x fhe.Ciphertext) (fhe.Ciphertext, error) {
	const op = "lattice.Mask"
	in, err := ev.unwrap(op, x)
	if err != nil {
		return nil, err
	}
	if in.el == nil {
		return in, nil
	}
	el, err := ev.eval.MulNew(in.el, ev.mask)
	if err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	return ev.wrap(el, ev.b.noise.Mask(in.noise), 1, in.bits), nil
}

func (ev *Evaluator) RemainingBudget(x fhe.Ciphertext) int {
	in, err := ev.unwrap("lattice.RemainingBudget", x)
	if err != nil {
		return -1
	}
	if in.el == nil {
		return ev.b.noise.Budget(0)
	}
	return ev.b.noise.Budget(in.noise)
}

func (ev *Evaluator) Cost(op fhe.Op, arg int) int { return ev.b.noise.Cost(op, arg) }

func (ev *Evaluator) CanRefresh() bool { return false }

// Refresh would need BGV bootstrapping, which the scheme library does not
// provide. Circuits are checked against the fresh budget instead.
func (ev *Evaluator) Refresh(x fhe.Ciphertext) (fhe.Ciphertext, error) {
	return nil, fhe.ErrRefreshUnsupported
}

// polyOps evaluates the comparison polynomial. Every scaled power is
// brought to scale 1 so terms add without further correction.
type polyOps struct{ ev *Evaluator }

func (o polyOps) Mul(a, b *Ciphertext) (*Ciphertext, error) { return o.ev.mul(a, b) }

func (o polyOps) MulScalar(a *Ciphertext, k uint64) (*Ciphertext, error) {
	ev := o.ev
	t := ev.b.t()
	one := ev.b.bgv.NewScale(1)
	kc := activation.Center(activation.MulMod(k%t, ring.ModExp(a.el.Scale.Uint64()%t, t-2, t), t), t)

	el, err := ev.eval.MulNew(a.el, kc)
	if err != nil {
		return nil, err
	}
	el.Scale = one
	return ev.wrap(el, ev.b.noise.MulScalar(a.noise, kc), a.slots, 0), nil
}

func (o polyOps) Add(a, b *Ciphertext) (*Ciphertext, error) { return o.ev.add(a, b) }

func (o polyOps) AddScalar(a *Ciphertext, k uint64) (*Ciphertext, error) {
	return o.ev.add(a, o.ev.b.constant(int64(k%o.ev.b.t())))
}
