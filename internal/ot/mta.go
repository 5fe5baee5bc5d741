package ot

import (
	"crypto/subtle"
	"io"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/sha3"

	"dkls-node/internal/curve"
)

const (
	labelGadget  = "dkls-node/mta/gadget"
	labelCOTe    = "dkls-node/mta/cote"
	labelRound1  = "dkls-node/mta/round1"
	labelChi1    = "dkls-node/mta/chi1"
	labelChi2    = "dkls-node/mta/chi2"
	labelCheck   = "dkls-node/mta/check"
	mtaInputs    = 3
	tauEntrySize = mtaInputs * curve.ScalarSize
)

// MtARound1 is sent by the receiver (the party holding β) to the sender.
type MtARound1 = ExtensionMsg

// MtARound2 is sent by the sender (the party holding α1, α2) to the receiver.
type MtARound2 struct {
	Tau []byte `cbor:"1,keyasint"`
	R   []byte `cbor:"2,keyasint"`
	U   []byte `cbor:"3,keyasint"`
}

var gadget = sync.OnceValue(func() []btcec.ModNScalar {
	g := make([]btcec.ModNScalar, L)
	g[0].SetInt(1)
	for j := 1; j < Kappa; j++ {
		g[j].Add2(&g[j-1], &g[j-1])
	}
	for j := Kappa; j < L; j++ {
		g[j].Set(curve.HashToScalar(labelGadget, curve.U32(uint32(j))))
	}
	return g
})

// MtAReceiver is the party contributing the multiplier β. It holds the
// SenderSeed of the pair.
type MtAReceiver struct {
	sid     []byte
	choices []byte
	rows    []row
	r1      [32]byte
	done    bool
}

// NewMtAReceiver encodes beta into choice bits and runs the extension
// receiver, returning the first MtA message.
func NewMtAReceiver(sid []byte, seed *SenderSeed, beta *btcec.ModNScalar, rand io.Reader) (*MtAReceiver, *MtARound1, error) {
	choices := make([]byte, extBytes)
	if _, err := io.ReadFull(rand, choices); err != nil {
		return nil, nil, err
	}

	g := gadget()
	var acc btcec.ModNScalar
	for j := Kappa; j < L; j++ {
		var term btcec.ModNScalar
		term.SetInt(uint32(bitAt(choices, j)))
		acc.Add(term.Mul(&g[j]))
	}
	var enc btcec.ModNScalar
	enc.NegateVal(&acc).Add(beta)
	eb := enc.Bytes()
	for k := 0; k < KappaBytes; k++ {
		choices[k] = eb[curve.ScalarSize-1-k]
	}
	curve.Wipe(eb[:])
	enc.Zero()
	acc.Zero()

	rows, msg := extendReceive(seed, sid, choices)
	r := &MtAReceiver{
		sid:     append([]byte(nil), sid...),
		choices: choices,
		rows:    rows,
		r1:      round1Digest(msg),
	}
	return r, msg, nil
}

// Finish checks the sender's message and returns the receiver's additive
// shares of α1·β and α2·β.
func (r *MtAReceiver) Finish(msg *MtARound2) ([2]btcec.ModNScalar, error) {
	var shares [2]btcec.ModNScalar
	if r.done {
		return shares, ErrState
	}
	r.done = true
	defer r.Wipe()

	if msg == nil || len(msg.Tau) != L*tauEntrySize || len(msg.R) != 32 || len(msg.U) != curve.ScalarSize {
		return shares, ErrMalformed
	}
	u, err := curve.ScalarFromBytes(msg.U)
	if err != nil {
		return shares, ErrMalformed
	}
	chi1, chi2 := mtaChallenges(r.sid, r.r1[:], msg.Tau)

	g := gadget()
	check := make([]byte, 0, L*curve.ScalarSize)
	for j := 0; j < L; j++ {
		var omega btcec.ModNScalar
		omega.SetInt(uint32(bitAt(r.choices, j)))
		pads := cote(r.sid, j, r.rows[j][:])

		var tb [mtaInputs]btcec.ModNScalar
		for c := 0; c < mtaInputs; c++ {
			off := j*tauEntrySize + c*curve.ScalarSize
			tau, err := curve.ScalarFromBytes(msg.Tau[off : off+curve.ScalarSize])
			if err != nil {
				return shares, ErrMalformed
			}
			tb[c].Mul2(&omega, tau).Add(&pads[c])
		}

		var combo, tmp btcec.ModNScalar
		combo.Set(&tb[0])
		combo.Add(tmp.Mul2(chi1, &tb[1]))
		combo.Add(tmp.Mul2(chi2, &tb[2]))
		var val btcec.ModNScalar
		val.Mul2(&omega, u).Add(combo.Negate())
		check = append(check, curve.EncodeScalar(&val)...)

		for c := 0; c < 2; c++ {
			shares[c].Add(tmp.Mul2(&g[j], &tb[c]))
		}
		curve.WipeScalars(&tb[0], &tb[1], &tb[2], &pads[0], &pads[1], &pads[2])
	}

	digest := curve.Hash(labelCheck, r.sid, check)
	if subtle.ConstantTimeCompare(digest[:], msg.R) != 1 {
		shares[0].Zero()
		shares[1].Zero()
		return shares, ErrVerification
	}
	return shares, nil
}

// Wipe zeroes the receiver state.
func (r *MtAReceiver) Wipe() {
	curve.Wipe(r.choices)
	wipeRows(r.rows)
}

// MtASend runs the sender side for inputs alpha1, alpha2 against the
// receiver's first message. It returns the sender's additive shares of
// α1·β and α2·β and the reply for the receiver.
func MtASend(sid []byte, seed *ReceiverSeed, alpha1, alpha2 *btcec.ModNScalar, msg *MtARound1, rand io.Reader) ([2]btcec.ModNScalar, *MtARound2, error) {
	var shares [2]btcec.ModNScalar
	rows, err := extendSend(seed, sid, msg)
	if err != nil {
		return shares, nil, err
	}
	defer wipeRows(rows)

	ahat, err := curve.RandomScalar(rand)
	if err != nil {
		return shares, nil, err
	}
	alphas := [mtaInputs]*btcec.ModNScalar{alpha1, alpha2, ahat}
	defer ahat.Zero()

	ta := make([][mtaInputs]btcec.ModNScalar, L)
	defer func() {
		for j := range ta {
			curve.WipeScalars(&ta[j][0], &ta[j][1], &ta[j][2])
		}
	}()

	tau := make([]byte, 0, L*tauEntrySize)
	var flipped row
	for j := 0; j < L; j++ {
		subtle.XORBytes(flipped[:], rows[j][:], seed.Choices[:])
		v0 := cote(sid, j, rows[j][:])
		v1 := cote(sid, j, flipped[:])
		for c := 0; c < mtaInputs; c++ {
			ta[j][c].NegateVal(&v0[c])
			var t btcec.ModNScalar
			t.NegateVal(&v1[c]).Add(&v0[c]).Add(alphas[c])
			tau = append(tau, curve.EncodeScalar(&t)...)
		}
		curve.WipeScalars(&v0[0], &v0[1], &v0[2], &v1[0], &v1[1], &v1[2])
	}
	curve.Wipe(flipped[:])

	r1 := round1Digest(msg)
	chi1, chi2 := mtaChallenges(sid, r1[:], tau)

	g := gadget()
	check := make([]byte, 0, L*curve.ScalarSize)
	for j := 0; j < L; j++ {
		var combo, tmp btcec.ModNScalar
		combo.Set(&ta[j][0])
		combo.Add(tmp.Mul2(chi1, &ta[j][1]))
		combo.Add(tmp.Mul2(chi2, &ta[j][2]))
		check = append(check, curve.EncodeScalar(&combo)...)

		for c := 0; c < 2; c++ {
			shares[c].Add(tmp.Mul2(&g[j], &ta[j][c]))
		}
	}
	digest := curve.Hash(labelCheck, sid, check)

	var u, tmp btcec.ModNScalar
	u.Set(alpha1)
	u.Add(tmp.Mul2(chi1, alpha2))
	u.Add(tmp.Mul2(chi2, ahat))

	return shares, &MtARound2{Tau: tau, R: digest[:], U: curve.EncodeScalar(&u)}, nil
}

func cote(sid []byte, j int, r []byte) [mtaInputs]btcec.ModNScalar {
	h := sha3.NewShake256()
	h.Write([]byte(labelCOTe))
	h.Write(sid)
	h.Write(curve.U32(uint32(j)))
	h.Write(r)
	var buf [mtaInputs * curve.ScalarSize]byte
	h.Read(buf[:])
	var out [mtaInputs]btcec.ModNScalar
	for c := range out {
		out[c].SetByteSlice(buf[c*curve.ScalarSize : (c+1)*curve.ScalarSize])
	}
	curve.Wipe(buf[:])
	return out
}

func mtaChallenges(sid, r1, tau []byte) (*btcec.ModNScalar, *btcec.ModNScalar) {
	return curve.HashToScalar(labelChi1, sid, r1, tau), curve.HashToScalar(labelChi2, sid, r1, tau)
}

func round1Digest(msg *MtARound1) [32]byte {
	return curve.Hash(labelRound1, msg.U, msg.X, msg.T)
}

func bitAt(b []byte, j int) byte {
	return (b[j/8] >> (uint(j) % 8)) & 1
}
