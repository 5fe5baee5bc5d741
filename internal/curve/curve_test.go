package curve

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointEncodingRoundTrip(t *testing.T) {
	k, err := RandomScalar(rand.Reader)
	require.NoError(t, err)
	p := BaseMul(k)

	enc := EncodePoint(p)
	dec, err := DecodePoint(enc[:])
	require.NoError(t, err)
	assert.True(t, Equal(p, dec))

	_, err = DecodePoint(make([]byte, PointSize))
	assert.ErrorIs(t, err, ErrInvalidPoint)
	_, err = DecodePoint(enc[:32])
	assert.ErrorIs(t, err, ErrInvalidPoint)
}

func TestPointArithmetic(t *testing.T) {
	a, b := ScalarFromUint(7), ScalarFromUint(11)
	var sum btcec.ModNScalar
	sum.Add2(a, b)

	assert.True(t, Equal(Add(BaseMul(a), BaseMul(b)), BaseMul(&sum)))
	assert.True(t, Equal(Sub(BaseMul(&sum), BaseMul(b)), BaseMul(a)))
	assert.True(t, IsIdentity(Sub(BaseMul(a), BaseMul(a))))
	assert.True(t, Equal(Mul(b, BaseMul(a)), BaseMul(new(btcec.ModNScalar).Mul2(a, b))))
	assert.True(t, IsIdentity(Mul(a, Sum())))
}

func TestScalarEncoding(t *testing.T) {
	_, err := ScalarFromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidScalar)

	over := btcec.S256().Params().N.Bytes()
	_, err = ScalarFromBytes(over)
	assert.ErrorIs(t, err, ErrInvalidScalar)

	s := ScalarFromUint(5)
	dec, err := ScalarFromBytes(EncodeScalar(s))
	require.NoError(t, err)
	assert.True(t, s.Equals(dec))
	assert.True(t, ScalarFromBig(ScalarToBig(s)).Equals(s))

	assert.Equal(t, byte(1), Bit(s, 0))
	assert.Equal(t, byte(0), Bit(s, 1))
	assert.Equal(t, byte(1), Bit(s, 2))
}

func TestPolynomialDerivative(t *testing.T) {
	// f(x) = 3 + 2x + 5x^2 + x^3
	p := Polynomial{*ScalarFromUint(3), *ScalarFromUint(2), *ScalarFromUint(5), *ScalarFromUint(1)}
	x := ScalarFromUint(2)

	assert.True(t, p.Evaluate(x).Equals(ScalarFromUint(3+4+20+8)))
	// f'(x) = 2 + 10x + 3x^2
	assert.True(t, p.DerivativeAt(1, x).Equals(ScalarFromUint(2+20+12)))
	// f''(x) = 10 + 6x
	assert.True(t, p.DerivativeAt(2, x).Equals(ScalarFromUint(10+12)))

	commits := p.Commit()
	for n := 0; n < 3; n++ {
		assert.True(t, Equal(commits.DerivativeAt(n, x), BaseMul(p.DerivativeAt(n, x))), "derivative %d", n)
	}
}

func TestBirkhoffRecoversConstant(t *testing.T) {
	cases := []struct {
		name  string
		ids   []int
		ranks []uint8
	}{
		{"lagrange 2 of 3", []int{1, 2}, []uint8{0, 0}},
		{"lagrange 3 of 5", []int{0, 2, 4}, []uint8{0, 0, 0}},
		{"one ranked party", []int{0, 3}, []uint8{0, 1}},
		{"mixed ranks", []int{0, 1, 2}, []uint8{0, 1, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := RandomPolynomial(rand.Reader, len(tc.ids))
			require.NoError(t, err)

			nodes := make([]Node, len(tc.ids))
			points := make([]*btcec.JacobianPoint, len(tc.ids))
			var secret btcec.ModNScalar
			c := mustCoefficients(t, tc.ids, tc.ranks, nodes)
			for i, id := range tc.ids {
				share := p.DerivativeAt(int(tc.ranks[i]), PartyX(id))
				points[i] = BaseMul(share)
				secret.Add(share.Mul(&c[i]))
			}
			assert.True(t, secret.Equals(&p[0]))

			pk, err := InterpolatePoints(nodes, points)
			require.NoError(t, err)
			assert.True(t, Equal(pk, BaseMul(&p[0])))
		})
	}
}

func TestBirkhoffSingular(t *testing.T) {
	nodes := []Node{PartyNode(0, 1), PartyNode(1, 1)}
	_, err := BirkhoffCoefficients(nodes)
	assert.ErrorIs(t, err, ErrSingular)
}

func mustCoefficients(t *testing.T, ids []int, ranks []uint8, nodes []Node) []btcec.ModNScalar {
	t.Helper()
	for i, id := range ids {
		nodes[i] = PartyNode(id, ranks[i])
	}
	c, err := BirkhoffCoefficients(nodes)
	require.NoError(t, err)
	return c
}
