package keyshare

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/fxamacker/cbor/v2"

	"dkls-node/internal/curve"
	"dkls-node/internal/ot"
)

const (
	magic         uint32 = 0x444b4c53 // "DKLS"
	formatVersion uint16 = 1
	headerSize           = 4 + 2 + 2 + 4 + 4
)

var (
	ErrBadMagic   = errors.New("keyshare: bad magic")
	ErrBadVersion = errors.New("keyshare: unsupported version")
	ErrCorrupt    = errors.New("keyshare: corrupt blob")
)

type wire struct {
	KeyID            []byte   `cbor:"1,keyasint"`
	PartyID          uint8    `cbor:"2,keyasint"`
	Threshold        uint8    `cbor:"3,keyasint"`
	Ranks            []byte   `cbor:"4,keyasint"`
	PublicKey        []byte   `cbor:"5,keyasint"`
	SecretShare      []byte   `cbor:"6,keyasint"`
	ShareCommitments [][]byte `cbor:"7,keyasint"`
	ChainCode        []byte   `cbor:"8,keyasint"`
	ZeroSeeds        [][]byte `cbor:"9,keyasint"`
	SenderSeeds      [][]byte `cbor:"10,keyasint"`
	ReceiverSeeds    [][]byte `cbor:"11,keyasint"`
}

// Export serializes k as
// [magic u32][version u16][flags u16][length u32][crc32 u32][cbor body].
func Export(k *KeyShare) ([]byte, error) {
	w := wire{
		KeyID:       k.KeyID[:],
		PartyID:     k.PartyID,
		Threshold:   k.Threshold,
		Ranks:       k.Ranks,
		PublicKey:   k.PublicKey[:],
		SecretShare: k.SecretShare[:],
		ChainCode:   k.ChainCode[:],
	}
	for i := range k.ShareCommitments {
		w.ShareCommitments = append(w.ShareCommitments, k.ShareCommitments[i][:])
	}
	for i := range k.ZeroSeeds {
		if i == int(k.PartyID) {
			w.ZeroSeeds = append(w.ZeroSeeds, nil)
			continue
		}
		w.ZeroSeeds = append(w.ZeroSeeds, k.ZeroSeeds[i][:])
	}
	for _, s := range k.SenderSeeds {
		var b []byte
		if s != nil {
			var err error
			if b, err = s.MarshalBinary(); err != nil {
				return nil, err
			}
		}
		w.SenderSeeds = append(w.SenderSeeds, b)
	}
	for _, s := range k.ReceiverSeeds {
		var b []byte
		if s != nil {
			var err error
			if b, err = s.MarshalBinary(); err != nil {
				return nil, err
			}
		}
		w.ReceiverSeeds = append(w.ReceiverSeeds, b)
	}

	body, err := cbor.Marshal(w)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(body))
	off := 0
	binary.BigEndian.PutUint32(out[off:], magic)
	off += 4
	binary.BigEndian.PutUint16(out[off:], formatVersion)
	off += 2
	binary.BigEndian.PutUint16(out[off:], 0)
	off += 2
	binary.BigEndian.PutUint32(out[off:], uint32(len(body)))
	off += 4
	binary.BigEndian.PutUint32(out[off:], crc32.ChecksumIEEE(body))
	out = append(out, body...)
	curve.Wipe(body)
	return out, nil
}

// Import parses and validates a blob produced by Export.
func Import(b []byte) (*KeyShare, error) {
	if len(b) < headerSize {
		return nil, ErrCorrupt
	}
	off := 0
	if binary.BigEndian.Uint32(b[off:]) != magic {
		return nil, ErrBadMagic
	}
	off += 4
	if v := binary.BigEndian.Uint16(b[off:]); v != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	off += 4 // version and flags
	length := binary.BigEndian.Uint32(b[off:])
	off += 4
	want := binary.BigEndian.Uint32(b[off:])
	body := b[headerSize:]
	if uint64(len(body)) != uint64(length) || crc32.ChecksumIEEE(body) != want {
		return nil, ErrCorrupt
	}

	var w wire
	if err := cbor.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	k, err := fromWire(&w)
	if err != nil {
		return nil, err
	}
	if err := k.Validate(); err != nil {
		k.Wipe()
		return nil, err
	}
	return k, nil
}

func fromWire(w *wire) (*KeyShare, error) {
	n := len(w.Ranks)
	self := int(w.PartyID)
	if len(w.ShareCommitments) != n || len(w.ZeroSeeds) != n || len(w.SenderSeeds) != n || len(w.ReceiverSeeds) != n || self >= n {
		return nil, fmt.Errorf("%w: per-party material has wrong length", ErrCorrupt)
	}
	k := &KeyShare{
		PartyID:          w.PartyID,
		Threshold:        w.Threshold,
		Ranks:            append([]uint8{}, w.Ranks...),
		ShareCommitments: make([][curve.PointSize]byte, n),
		ZeroSeeds:        make([][32]byte, n),
		SenderSeeds:      make([]*ot.SenderSeed, n),
		ReceiverSeeds:    make([]*ot.ReceiverSeed, n),
	}
	if err := copyExact(k.KeyID[:], w.KeyID, "key id"); err != nil {
		return nil, err
	}
	if err := copyExact(k.PublicKey[:], w.PublicKey, "public key"); err != nil {
		return nil, err
	}
	if err := copyExact(k.SecretShare[:], w.SecretShare, "secret share"); err != nil {
		return nil, err
	}
	if err := copyExact(k.ChainCode[:], w.ChainCode, "chain code"); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if err := copyExact(k.ShareCommitments[i][:], w.ShareCommitments[i], "share commitment"); err != nil {
			return nil, err
		}
		if i == self {
			if len(w.ZeroSeeds[i]) != 0 || len(w.SenderSeeds[i]) != 0 || len(w.ReceiverSeeds[i]) != 0 {
				return nil, fmt.Errorf("%w: pairwise material for own party", ErrCorrupt)
			}
			continue
		}
		if err := copyExact(k.ZeroSeeds[i][:], w.ZeroSeeds[i], "zero seed"); err != nil {
			return nil, err
		}
		k.SenderSeeds[i] = new(ot.SenderSeed)
		if err := k.SenderSeeds[i].UnmarshalBinary(w.SenderSeeds[i]); err != nil {
			return nil, fmt.Errorf("%w: sender seed %d: %v", ErrCorrupt, i, err)
		}
		k.ReceiverSeeds[i] = new(ot.ReceiverSeed)
		if err := k.ReceiverSeeds[i].UnmarshalBinary(w.ReceiverSeeds[i]); err != nil {
			return nil, fmt.Errorf("%w: receiver seed %d: %v", ErrCorrupt, i, err)
		}
	}
	return k, nil
}

func copyExact(dst, src []byte, what string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%w: %s has length %d", ErrCorrupt, what, len(src))
	}
	copy(dst, src)
	return nil
}
