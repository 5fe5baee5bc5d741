package curve

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Hash is SHA-256 over a label and length-prefixed parts.
func Hash(label string, parts ...[]byte) [32]byte {
	h := sha256.New()
	writePart(h, []byte(label))
	for _, p := range parts {
		writePart(h, p)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// HashToScalar maps the hash of label and parts to a scalar.
func HashToScalar(label string, parts ...[]byte) *btcec.ModNScalar {
	d := Hash(label, parts...)
	var s btcec.ModNScalar
	s.SetByteSlice(d[:])
	return &s
}

// U32 encodes v big-endian for hashing.
func U32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func writePart(h hash.Hash, p []byte) {
	var l [8]byte
	binary.BigEndian.PutUint64(l[:], uint64(len(p)))
	h.Write(l[:])
	h.Write(p)
}
