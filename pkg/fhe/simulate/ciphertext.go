package simulate

import (
	"github.com/Farx1/SA-FHE/pkg/activation"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
)

// Ciphertext holds its slots in the clear, reduced modulo t.
type Ciphertext struct {
	keyID    string
	constant bool
	value    int64
	values   []uint64
	noise    float64
	slots    int
	bits     int
}

func (c *Ciphertext) Backend() string { return Name }
func (c *Ciphertext) Slots() int { return c.slots }
func (c *Ciphertext) Bits() int { return c.bits }
func (c *Ciphertext) Noise() float64 { return c.noise }
func (c *Ciphertext) KeyID() string { return c.keyID }

func (c *Ciphertext) estimate() fhe.Estimate {
	return fhe.Estimate{Bits: c.noise, Const: c.constant}
}

// slot returns the centered value of slot i.
func (c *Ciphertext) slot(i int, t uint64) int64 {
	if c.constant {
		return c.value
	}
	if i < len(c.values) {
		return activation.Center(c.values[i], t)
	}
	return 0
}

func (c *Ciphertext) raw(i int, t uint64) uint64 {
	return activation.Reduce(c.slot(i, t), t)
}

func length(cts ...*Ciphertext) int {
	n := 0
	for _, c := range cts {
		if !c.constant && len(c.values) > n {
			n = len(c.values)
		}
	}
	return n
}

func unwrap(op string, ct fhe.Ciphertext) (*Ciphertext, error) {
	if err := fhe.CheckBackend(Name, op, ct); err != nil {
		return nil, err
	}
	c, ok := ct.(*Ciphertext)
	if !ok || c == nil {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "unexpected ciphertext type %T", ct)
	}
	return c, nil
}
