// Package curve wraps the secp256k1 arithmetic of btcec with the encodings
// and helpers the protocols share.
package curve

import (
	"errors"
	"io"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	ScalarSize = 32
	PointSize  = 33
)

var (
	ErrInvalidScalar = errors.New("curve: invalid scalar encoding")
	ErrInvalidPoint  = errors.New("curve: invalid point encoding")
)

// RandomScalar samples a uniform non-zero scalar by rejection.
func RandomScalar(r io.Reader) (*btcec.ModNScalar, error) {
	var buf [ScalarSize]byte
	defer Wipe(buf[:])
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		var s btcec.ModNScalar
		if overflow := s.SetBytes(&buf); overflow == 0 && !s.IsZero() {
			return &s, nil
		}
	}
}

// ScalarFromBytes decodes a canonical 32-byte big-endian scalar.
func ScalarFromBytes(b []byte) (*btcec.ModNScalar, error) {
	if len(b) != ScalarSize {
		return nil, ErrInvalidScalar
	}
	var buf [ScalarSize]byte
	copy(buf[:], b)
	var s btcec.ModNScalar
	if s.SetBytes(&buf) != 0 {
		return nil, ErrInvalidScalar
	}
	return &s, nil
}

// ScalarFromUint returns v as a scalar.
func ScalarFromUint(v uint32) *btcec.ModNScalar {
	var s btcec.ModNScalar
	s.SetInt(v)
	return &s
}

// EncodeScalar returns the 32-byte big-endian encoding of s.
func EncodeScalar(s *btcec.ModNScalar) []byte {
	b := s.Bytes()
	return b[:]
}

// ScalarToBig converts s for APIs that work on big integers.
func ScalarToBig(s *btcec.ModNScalar) *big.Int {
	b := s.Bytes()
	return new(big.Int).SetBytes(b[:])
}

// ScalarFromBig reduces v modulo the group order.
func ScalarFromBig(v *big.Int) *btcec.ModNScalar {
	var buf [ScalarSize]byte
	new(big.Int).Mod(v, btcec.S256().Params().N).FillBytes(buf[:])
	var s btcec.ModNScalar
	s.SetBytes(&buf)
	return &s
}

// Bit returns bit i (little-endian order) of the canonical encoding of s as 0 or 1.
func Bit(s *btcec.ModNScalar, i int) byte {
	b := s.Bytes()
	return (b[ScalarSize-1-i/8] >> (uint(i) % 8)) & 1
}

// Wipe zeroes b.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WipeScalars zeroes every scalar in s.
func WipeScalars(s ...*btcec.ModNScalar) {
	for _, v := range s {
		if v != nil {
			v.Zero()
		}
	}
}
