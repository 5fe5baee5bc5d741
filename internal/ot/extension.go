package ot

import (
	"crypto/subtle"

	"golang.org/x/crypto/sha3"

	"dkls-node/internal/curve"
)

const (
	labelPRG = "dkls-node/kos/prg"
	labelChi = "dkls-node/kos/chi"
)

// ExtensionMsg is sent by the extension receiver: the masked columns and the
// KOS consistency-check values.
type ExtensionMsg struct {
	U []byte `cbor:"1,keyasint"`
	X []byte `cbor:"2,keyasint"`
	T []byte `cbor:"3,keyasint"`
}

type row = [KappaBytes]byte

// extendReceive expands the base-OT seed into extCols correlated OTs with
// the given choice bits. It returns the receiver rows t_j and the message
// for the extension sender.
func extendReceive(seed *SenderSeed, sid []byte, choices []byte) ([]row, *ExtensionMsg) {
	cols := make([][]byte, Kappa)
	u := make([]byte, Kappa*extBytes)
	t1 := make([]byte, extBytes)
	for i := 0; i < Kappa; i++ {
		t0 := make([]byte, extBytes)
		prg(seed.Pads[i][0][:], sid, i, t0)
		prg(seed.Pads[i][1][:], sid, i, t1)
		dst := u[i*extBytes : (i+1)*extBytes]
		subtle.XORBytes(dst, t0, t1)
		subtle.XORBytes(dst, dst, choices)
		cols[i] = t0
	}
	curve.Wipe(t1)

	rows := transpose(cols)
	for _, c := range cols {
		curve.Wipe(c)
	}

	chi := challenges(sid, u)
	var xs, ts gf256
	for j := 0; j < extCols; j++ {
		xs.addMasked(chi[j], (choices[j/8]>>(uint(j)%8))&1)
		ts.add(gfMul(gfFromBytes(rows[j][:]), chi[j]))
	}
	return rows, &ExtensionMsg{U: u, X: xs.bytes(), T: ts.bytes()}
}

// extendSend derives the sender rows q_j = t_j ⊕ x_j·Δ and runs the KOS
// consistency check against the receiver's message.
func extendSend(seed *ReceiverSeed, sid []byte, msg *ExtensionMsg) ([]row, error) {
	if msg == nil || len(msg.U) != Kappa*extBytes || len(msg.X) != 32 || len(msg.T) != 32 {
		return nil, ErrMalformed
	}
	cols := make([][]byte, Kappa)
	masked := make([]byte, extBytes)
	for i := 0; i < Kappa; i++ {
		q := make([]byte, extBytes)
		prg(seed.Pads[i][:], sid, i, q)
		subtle.XORBytes(masked, q, msg.U[i*extBytes:(i+1)*extBytes])
		subtle.ConstantTimeCopy(int(seed.Choice(i)), q, masked)
		cols[i] = q
	}
	rows := transpose(cols)
	for _, c := range cols {
		curve.Wipe(c)
	}

	chi := challenges(sid, msg.U)
	var qs gf256
	for j := 0; j < extCols; j++ {
		qs.add(gfMul(gfFromBytes(rows[j][:]), chi[j]))
	}
	expect := gfFromBytes(msg.T)
	expect.add(gfMul(gfFromBytes(msg.X), gfFromBytes(seed.Choices[:])))
	if !qs.equal(expect) {
		wipeRows(rows)
		return nil, ErrVerification
	}
	return rows, nil
}

// transpose turns Kappa columns of extCols bits into extCols rows of Kappa bits.
func transpose(cols [][]byte) []row {
	rows := make([]row, extCols)
	for i := 0; i < Kappa; i++ {
		col := cols[i]
		byteIdx, bitIdx := i/8, uint(i)%8
		for j := 0; j < extCols; j++ {
			bit := (col[j/8] >> (uint(j) % 8)) & 1
			rows[j][byteIdx] |= bit << bitIdx
		}
	}
	return rows
}

func challenges(sid, u []byte) []gf256 {
	h := sha3.NewShake256()
	h.Write([]byte(labelChi))
	h.Write(sid)
	h.Write(u)
	buf := make([]byte, extCols*32)
	h.Read(buf)
	chi := make([]gf256, extCols)
	for j := range chi {
		chi[j] = gfFromBytes(buf[j*32:])
	}
	return chi
}

func prg(key, sid []byte, i int, out []byte) {
	h := sha3.NewShake256()
	h.Write([]byte(labelPRG))
	h.Write(sid)
	h.Write(curve.U32(uint32(i)))
	h.Write(key)
	h.Read(out)
}

func wipeRows(rows []row) {
	for i := range rows {
		curve.Wipe(rows[i][:])
	}
}
