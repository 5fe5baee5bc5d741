// Package proof carries zero-knowledge proofs of discrete-log knowledge bound
// to a session label.
package proof

import (
	"errors"
	"io"
	"math/big"

	"github.com/bnb-chain/tss-lib/v2/crypto"
	"github.com/bnb-chain/tss-lib/v2/crypto/schnorr"
	"github.com/bnb-chain/tss-lib/v2/tss"
	"github.com/btcsuite/btcd/btcec/v2"

	"dkls-node/internal/curve"
)

var ErrMalformed = errors.New("proof: malformed dlog proof")

// DLog is a Schnorr proof that the prover knows x with X = x·G.
type DLog struct {
	Alpha []byte `cbor:"1,keyasint"`
	T     []byte `cbor:"2,keyasint"`
}

// ProveDLog proves knowledge of x for X = x·G under session.
func ProveDLog(session []byte, x *btcec.ModNScalar, X *btcec.JacobianPoint, rand io.Reader) (*DLog, error) {
	pub, err := toECPoint(X)
	if err != nil {
		return nil, err
	}
	secret := curve.ScalarToBig(x)
	defer secret.SetInt64(0)

	zk, err := schnorr.NewZKProof(session, secret, pub, rand)
	if err != nil {
		return nil, err
	}
	alpha, err := fromECPoint(zk.Alpha)
	if err != nil {
		return nil, err
	}
	t := make([]byte, curve.ScalarSize)
	zk.T.FillBytes(t)
	return &DLog{Alpha: curve.PointBytes(alpha), T: t}, nil
}

// Verify checks the proof for X under session.
func (p *DLog) Verify(session []byte, X *btcec.JacobianPoint) bool {
	if p == nil || len(p.T) != curve.ScalarSize {
		return false
	}
	alpha, err := curve.DecodePoint(p.Alpha)
	if err != nil {
		return false
	}
	alphaEC, err := toECPoint(alpha)
	if err != nil {
		return false
	}
	pub, err := toECPoint(X)
	if err != nil {
		return false
	}
	zk := &schnorr.ZKProof{Alpha: alphaEC, T: new(big.Int).SetBytes(p.T)}
	return zk.Verify(session, pub)
}

func toECPoint(p *btcec.JacobianPoint) (*crypto.ECPoint, error) {
	if curve.IsIdentity(p) {
		return nil, ErrMalformed
	}
	q := *p
	q.ToAffine()
	x, y := q.X.Bytes(), q.Y.Bytes()
	return crypto.NewECPoint(tss.S256(), new(big.Int).SetBytes(x[:]), new(big.Int).SetBytes(y[:]))
}

func fromECPoint(p *crypto.ECPoint) (*btcec.JacobianPoint, error) {
	if p == nil {
		return nil, ErrMalformed
	}
	enc := make([]byte, curve.PointSize)
	enc[0] = 0x02
	if p.Y().Bit(0) == 1 {
		enc[0] = 0x03
	}
	p.X().FillBytes(enc[1:])
	return curve.DecodePoint(enc)
}
