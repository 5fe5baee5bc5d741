package curve

import (
	"crypto/subtle"

	"github.com/btcsuite/btcd/btcec/v2"
)

// BaseMul returns k·G.
func BaseMul(k *btcec.ModNScalar) *btcec.JacobianPoint {
	var r btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(k, &r)
	return &r
}

// Mul returns k·p.
func Mul(k *btcec.ModNScalar, p *btcec.JacobianPoint) *btcec.JacobianPoint {
	q := *p
	q.ToAffine()
	var r btcec.JacobianPoint
	if IsIdentity(&q) {
		return &r
	}
	btcec.ScalarMultNonConst(k, &q, &r)
	return &r
}

// Add returns a+b.
func Add(a, b *btcec.JacobianPoint) *btcec.JacobianPoint {
	var r btcec.JacobianPoint
	btcec.AddNonConst(a, b, &r)
	return &r
}

// Neg returns -p.
func Neg(p *btcec.JacobianPoint) *btcec.JacobianPoint {
	q := *p
	q.ToAffine()
	if IsIdentity(&q) {
		return &q
	}
	q.Y.Negate(1).Normalize()
	return &q
}

// Sub returns a-b.
func Sub(a, b *btcec.JacobianPoint) *btcec.JacobianPoint {
	return Add(a, Neg(b))
}

// Sum adds up every point in ps.
func Sum(ps ...*btcec.JacobianPoint) *btcec.JacobianPoint {
	var acc btcec.JacobianPoint
	for _, p := range ps {
		btcec.AddNonConst(&acc, p, &acc)
	}
	return &acc
}

// IsIdentity reports whether p is the point at infinity.
func IsIdentity(p *btcec.JacobianPoint) bool {
	q := *p
	if q.Z.Normalize().IsZero() {
		return true
	}
	q.ToAffine()
	return q.X.IsZero() && q.Y.IsZero()
}

// Equal compares two points by value.
func Equal(a, b *btcec.JacobianPoint) bool {
	ea, eb := EncodePoint(a), EncodePoint(b)
	return subtle.ConstantTimeCompare(ea[:], eb[:]) == 1
}

// EncodePoint returns the 33-byte compressed form of p. The identity encodes
// as all zero bytes.
func EncodePoint(p *btcec.JacobianPoint) [PointSize]byte {
	var out [PointSize]byte
	if IsIdentity(p) {
		return out
	}
	q := *p
	q.ToAffine()
	copy(out[:], btcec.NewPublicKey(&q.X, &q.Y).SerializeCompressed())
	return out
}

// PointBytes is EncodePoint as a slice.
func PointBytes(p *btcec.JacobianPoint) []byte {
	b := EncodePoint(p)
	return b[:]
}

// DecodePoint parses a compressed point. The identity is rejected.
func DecodePoint(b []byte) (*btcec.JacobianPoint, error) {
	if len(b) != PointSize {
		return nil, ErrInvalidPoint
	}
	pk, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, ErrInvalidPoint
	}
	var p btcec.JacobianPoint
	pk.AsJacobian(&p)
	return &p, nil
}

// PublicKey converts a non-identity point to a btcec public key.
func PublicKey(p *btcec.JacobianPoint) *btcec.PublicKey {
	q := *p
	q.ToAffine()
	return btcec.NewPublicKey(&q.X, &q.Y)
}
