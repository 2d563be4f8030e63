package lattice

import (
	"github.com/Farx1/SA-FHE/pkg/activation"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

// Ciphertext wraps an rlwe ciphertext with its noise estimate. A nil
// element denotes a trivial constant broadcast to every slot.
type Ciphertext struct {
	el       *rlwe.Ciphertext
	constant int64
	noise    float64
	slots    int
	bits     int

	// powers caches x^i for comparisons sharing this input.
	powers *activation.PowerBasis[*Ciphertext]
}

// NewCiphertext wraps el. Used by the decrypting side and by tests.
func NewCiphertext(el *rlwe.Ciphertext, noise float64, slots, bits int) *Ciphertext {
	return &Ciphertext{el: el, noise: noise, slots: slots, bits: bits}
}

func (c *Ciphertext) Backend() string { return Name }
func (c *Ciphertext) Slots() int { return c.slots }
func (c *Ciphertext) Bits() int { return c.bits }

// Noise is the estimated log2 of the error term.
func (c *Ciphertext) Noise() float64 { return c.noise }

// Element is nil for constants.
func (c *Ciphertext) Element() *rlwe.Ciphertext { return c.el }

func (c *Ciphertext) IsConstant() bool { return c.el == nil }

// ConstantValue is meaningful only when IsConstant.
func (c *Ciphertext) ConstantValue() int64 { return c.constant }
