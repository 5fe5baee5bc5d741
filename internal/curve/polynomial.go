package curve

import (
	"errors"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrSingular is returned when a set of interpolation nodes cannot recover f(0).
var ErrSingular = errors.New("curve: interpolation matrix is singular")

// Polynomial holds the coefficients a_0..a_{t-1} of a polynomial over the scalar field.
type Polynomial []btcec.ModNScalar

// RandomPolynomial samples t uniformly random coefficients.
func RandomPolynomial(r io.Reader, t int) (Polynomial, error) {
	p := make(Polynomial, t)
	for i := range p {
		s, err := RandomScalar(r)
		if err != nil {
			p.Wipe()
			return nil, err
		}
		p[i].Set(s)
		s.Zero()
	}
	return p, nil
}

// Evaluate returns p(x).
func (p Polynomial) Evaluate(x *btcec.ModNScalar) *btcec.ModNScalar {
	return p.DerivativeAt(0, x)
}

// DerivativeAt returns the n-th derivative of p evaluated at x.
func (p Polynomial) DerivativeAt(n int, x *btcec.ModNScalar) *btcec.ModNScalar {
	var acc btcec.ModNScalar
	for k := len(p) - 1; k >= n; k-- {
		acc.Mul(x)
		term := fallingFactorial(k, n)
		term.Mul(&p[k])
		acc.Add(term)
	}
	return &acc
}

// Commit returns the Feldman commitments a_k·G.
func (p Polynomial) Commit() GroupPolynomial {
	g := make(GroupPolynomial, len(p))
	for i := range p {
		g[i] = *BaseMul(&p[i])
	}
	return g
}

// Wipe zeroes every coefficient.
func (p Polynomial) Wipe() {
	for i := range p {
		p[i].Zero()
	}
}

// GroupPolynomial is a polynomial with coefficients in the group, usually the
// commitment to a Polynomial.
type GroupPolynomial []btcec.JacobianPoint

// DerivativeAt evaluates the n-th derivative of the committed polynomial at x in the exponent.
func (g GroupPolynomial) DerivativeAt(n int, x *btcec.ModNScalar) *btcec.JacobianPoint {
	var acc btcec.JacobianPoint
	for k := len(g) - 1; k >= n; k-- {
		acc = *Mul(x, &acc)
		acc = *Add(&acc, Mul(fallingFactorial(k, n), &g[k]))
	}
	return &acc
}

// Add returns the coefficient-wise sum of g and o, which must have equal length.
func (g GroupPolynomial) Add(o GroupPolynomial) GroupPolynomial {
	out := make(GroupPolynomial, len(g))
	for i := range g {
		out[i] = *Add(&g[i], &o[i])
	}
	return out
}

// Constant returns the zero-degree coefficient.
func (g GroupPolynomial) Constant() *btcec.JacobianPoint {
	c := g[0]
	return &c
}

// Encode returns the compressed encoding of every coefficient.
func (g GroupPolynomial) Encode() [][]byte {
	out := make([][]byte, len(g))
	for i := range g {
		out[i] = PointBytes(&g[i])
	}
	return out
}

// DecodeGroupPolynomial parses t compressed points.
func DecodeGroupPolynomial(enc [][]byte, t int) (GroupPolynomial, error) {
	if len(enc) != t {
		return nil, ErrInvalidPoint
	}
	g := make(GroupPolynomial, t)
	for i, b := range enc {
		p, err := DecodePoint(b)
		if err != nil {
			return nil, err
		}
		g[i] = *p
	}
	return g, nil
}

// fallingFactorial returns k·(k-1)···(k-n+1).
func fallingFactorial(k, n int) *btcec.ModNScalar {
	acc := ScalarFromUint(1)
	for i := 0; i < n; i++ {
		acc.Mul(ScalarFromUint(uint32(k - i)))
	}
	return acc
}
