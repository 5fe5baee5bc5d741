package keyshare

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"

	"dkls-node/internal/curve"
)

// HardenedOffset is the first hardened child index. Hardened children need
// the private key and cannot be derived from a shared key.
const HardenedOffset = 1 << 31

var ErrHardenedPath = errors.New("keyshare: hardened derivation not supported")

// Derivation is the result of walking a non-hardened path from the root key.
type Derivation struct {
	// Offset is added to the root secret to obtain the child secret.
	Offset    btcec.ModNScalar
	PublicKey *btcec.JacobianPoint
	ChainCode [32]byte
}

// DerivePublicKey walks path from the share's root key with BIP32 public
// derivation. An empty path returns the root key with a zero offset.
func (k *KeyShare) DerivePublicKey(path []uint32) (*Derivation, error) {
	pub, err := k.Public()
	if err != nil {
		return nil, err
	}
	return Derive(pub, k.ChainCode, path)
}

// Derive walks path from pub and chain code.
func Derive(pub *btcec.JacobianPoint, chainCode [32]byte, path []uint32) (*Derivation, error) {
	d := &Derivation{PublicKey: pub, ChainCode: chainCode}
	for _, index := range path {
		if index >= HardenedOffset {
			return nil, ErrHardenedPath
		}
		enc := curve.EncodePoint(d.PublicKey)
		mac := hmac.New(sha512.New, d.ChainCode[:])
		mac.Write(enc[:])
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], index)
		mac.Write(idx[:])
		sum := mac.Sum(nil)

		il, err := curve.ScalarFromBytes(sum[:32])
		if err != nil {
			// Probability below 2^-127; BIP32 skips to the next index.
			return nil, err
		}
		child := curve.Add(d.PublicKey, curve.BaseMul(il))
		if curve.IsIdentity(child) {
			return nil, curve.ErrInvalidPoint
		}
		d.Offset.Add(il)
		d.PublicKey = child
		copy(d.ChainCode[:], sum[32:])
	}
	return d, nil
}
