package curve

import (
	"github.com/btcsuite/btcd/btcec/v2"
)

// Node is an interpolation point: the abscissa of a share and the order of
// the derivative it carries.
type Node struct {
	X    btcec.ModNScalar
	Rank int
}

// PartyX is the evaluation point of the party with the given id.
func PartyX(id int) *btcec.ModNScalar {
	return ScalarFromUint(uint32(id) + 1)
}

// PartyNode returns the interpolation node of a party.
func PartyNode(id int, rank uint8) Node {
	return Node{X: *PartyX(id), Rank: int(rank)}
}

// BirkhoffCoefficients returns c such that Σ c_i·f^(rank_i)(x_i) = f(0) for
// every polynomial f of degree below len(nodes). With all ranks zero these
// are the Lagrange coefficients at zero.
func BirkhoffCoefficients(nodes []Node) ([]btcec.ModNScalar, error) {
	t := len(nodes)
	if t == 0 {
		return nil, ErrSingular
	}

	// Row k of a is column k of the Birkhoff matrix; solve M^T c = e_0.
	a := make([][]btcec.ModNScalar, t)
	for k := range a {
		a[k] = make([]btcec.ModNScalar, t+1)
	}
	for i, nd := range nodes {
		for k := nd.Rank; k < t; k++ {
			v := fallingFactorial(k, nd.Rank)
			for e := 0; e < k-nd.Rank; e++ {
				v.Mul(&nd.X)
			}
			a[k][i].Set(v)
		}
	}
	a[0][t].SetInt(1)

	for col := 0; col < t; col++ {
		pivot := -1
		for row := col; row < t; row++ {
			if !a[row][col].IsZero() {
				pivot = row
				break
			}
		}
		if pivot < 0 {
			return nil, ErrSingular
		}
		a[col], a[pivot] = a[pivot], a[col]

		var inv btcec.ModNScalar
		inv.InverseValNonConst(&a[col][col])
		for j := col; j <= t; j++ {
			a[col][j].Mul(&inv)
		}
		for row := 0; row < t; row++ {
			if row == col || a[row][col].IsZero() {
				continue
			}
			var f btcec.ModNScalar
			f.Set(&a[row][col])
			for j := col; j <= t; j++ {
				var tmp btcec.ModNScalar
				tmp.Mul2(&f, &a[col][j]).Negate()
				a[row][j].Add(&tmp)
			}
		}
	}

	c := make([]btcec.ModNScalar, t)
	for i := range c {
		c[i].Set(&a[i][t])
	}
	return c, nil
}

// InterpolatePoints combines points carrying f^(rank_i)(x_i)·G into f(0)·G.
func InterpolatePoints(nodes []Node, points []*btcec.JacobianPoint) (*btcec.JacobianPoint, error) {
	c, err := BirkhoffCoefficients(nodes)
	if err != nil {
		return nil, err
	}
	var acc btcec.JacobianPoint
	for i, p := range points {
		acc = *Add(&acc, Mul(&c[i], p))
	}
	return &acc, nil
}
