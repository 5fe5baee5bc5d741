package dsg

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"dkls-node/internal/curve"
)

// Signature is a low-s ECDSA signature with its public-key recovery id.
type Signature struct {
	R          [32]byte
	S          [32]byte
	RecoveryID byte
	// PublicKey is the (possibly derived) key the signature verifies under.
	PublicKey [curve.PointSize]byte
}

func (s *Signature) scalars() (*btcec.ModNScalar, *btcec.ModNScalar, error) {
	r, err := curve.ScalarFromBytes(s.R[:])
	if err != nil {
		return nil, nil, err
	}
	v, err := curve.ScalarFromBytes(s.S[:])
	if err != nil {
		return nil, nil, err
	}
	return r, v, nil
}

// DER returns the ASN.1 DER encoding of (r, s).
func (s *Signature) DER() ([]byte, error) {
	r, v, err := s.scalars()
	if err != nil {
		return nil, err
	}
	return ecdsa.NewSignature(r, v).Serialize(), nil
}

// Compact returns r || s || v, the 65-byte form wallets expect.
func (s *Signature) Compact() []byte {
	out := make([]byte, 0, 65)
	out = append(out, s.R[:]...)
	out = append(out, s.S[:]...)
	return append(out, s.RecoveryID)
}

// Verify checks the signature over digest against PublicKey.
func (s *Signature) Verify(digest []byte) bool {
	pub, err := btcec.ParsePubKey(s.PublicKey[:])
	if err != nil {
		return false
	}
	return s.VerifyWith(pub, digest)
}

// VerifyWith checks the signature over digest against pub.
func (s *Signature) VerifyWith(pub *btcec.PublicKey, digest []byte) bool {
	r, v, err := s.scalars()
	if err != nil || r.IsZero() || v.IsZero() {
		return false
	}
	return ecdsa.NewSignature(r, v).Verify(digest, pub)
}
