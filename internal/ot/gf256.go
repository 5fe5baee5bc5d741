package ot

import (
	"crypto/subtle"
	"encoding/binary"
)

// gf256 is an element of GF(2^256) modulo x^256 + x^10 + x^5 + x^2 + 1,
// stored as little-endian 64-bit limbs.
type gf256 [4]uint64

func gfFromBytes(b []byte) gf256 {
	var e gf256
	for k := range e {
		e[k] = binary.LittleEndian.Uint64(b[8*k:])
	}
	return e
}

func (e gf256) bytes() []byte {
	out := make([]byte, 32)
	for k := range e {
		binary.LittleEndian.PutUint64(out[8*k:], e[k])
	}
	return out
}

func (e *gf256) add(o gf256) {
	for k := range e {
		e[k] ^= o[k]
	}
}

// addMasked adds o when bit is 1, without branching on bit.
func (e *gf256) addMasked(o gf256, bit byte) {
	mask := -uint64(bit & 1)
	for k := range e {
		e[k] ^= o[k] & mask
	}
}

func (e gf256) equal(o gf256) bool {
	return subtle.ConstantTimeCompare(e.bytes(), o.bytes()) == 1
}

// gfMul multiplies in constant time with respect to both operands.
func gfMul(a, b gf256) gf256 {
	var r [8]uint64
	for i := 0; i < 256; i++ {
		mask := -((a[i/64] >> (uint(i) % 64)) & 1)
		w, s := i/64, uint(i)%64
		for k := 0; k < 4; k++ {
			r[w+k] ^= (b[k] << s) & mask
			if w+k+1 < 8 {
				r[w+k+1] ^= (b[k] >> (64 - s)) & mask
			}
		}
	}
	return gfReduce(r)
}

func gfReduce(r [8]uint64) gf256 {
	res := gf256{r[0], r[1], r[2], r[3]}
	hi := [4]uint64{r[4], r[5], r[6], r[7]}
	var over uint64
	for _, sh := range [...]uint{0, 2, 5, 10} {
		var carry uint64
		for k := 0; k < 4; k++ {
			res[k] ^= (hi[k] << sh) | carry
			carry = hi[k] >> (64 - sh)
		}
		over ^= carry
	}
	for _, sh := range [...]uint{0, 2, 5, 10} {
		res[0] ^= over << sh
	}
	return res
}
