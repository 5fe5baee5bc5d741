package ot

import (
	"crypto/subtle"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"

	"dkls-node/internal/curve"
	"dkls-node/internal/proof"
)

const (
	labelVSOTProof = "dkls-node/vsot/dlog"
	labelVSOTPad   = "dkls-node/vsot/pad"
	labelVSOTHash  = "dkls-node/vsot/hash"
)

// VSOTMsg1 carries the sender's public key and its proof.
type VSOTMsg1 struct {
	B     []byte     `cbor:"1,keyasint"`
	Proof *proof.DLog `cbor:"2,keyasint"`
}

// VSOTMsg2 carries the receiver's Kappa blinded points.
type VSOTMsg2 struct {
	A []byte `cbor:"1,keyasint"`
}

// VSOTMsg3 carries the sender's challenges.
type VSOTMsg3 struct {
	Challenges []byte `cbor:"1,keyasint"`
}

// VSOTMsg4 carries the receiver's responses.
type VSOTMsg4 struct {
	Responses []byte `cbor:"1,keyasint"`
}

// VSOTMsg5 opens the sender's hashed pads.
type VSOTMsg5 struct {
	Openings []byte `cbor:"1,keyasint"`
}

// VSOTSender runs the sender side of Kappa verified base OTs.
type VSOTSender struct {
	sid      []byte
	b        btcec.ModNScalar
	bigB     btcec.JacobianPoint
	seed     SenderSeed
	expected [Kappa][32]byte
	step     int
}

// NewVSOTSender samples the sender key and returns the first message.
func NewVSOTSender(sid []byte, rand io.Reader) (*VSOTSender, *VSOTMsg1, error) {
	b, err := curve.RandomScalar(rand)
	if err != nil {
		return nil, nil, err
	}
	s := &VSOTSender{sid: append([]byte(nil), sid...)}
	s.b.Set(b)
	b.Zero()
	s.bigB = *curve.BaseMul(&s.b)

	pi, err := proof.ProveDLog(proofSession(sid), &s.b, &s.bigB, rand)
	if err != nil {
		s.Wipe()
		return nil, nil, err
	}
	s.step = 1
	return s, &VSOTMsg1{B: curve.PointBytes(&s.bigB), Proof: pi}, nil
}

// Challenge derives both pads per OT and answers with the challenges.
func (s *VSOTSender) Challenge(msg *VSOTMsg2) (*VSOTMsg3, error) {
	if s.step != 1 {
		return nil, ErrState
	}
	if msg == nil || len(msg.A) != Kappa*curve.PointSize {
		return nil, ErrMalformed
	}
	bB := curve.Mul(&s.b, &s.bigB)
	out := &VSOTMsg3{Challenges: make([]byte, Kappa*32)}
	for i := 0; i < Kappa; i++ {
		a, err := curve.DecodePoint(msg.A[i*curve.PointSize : (i+1)*curve.PointSize])
		if err != nil {
			return nil, ErrMalformed
		}
		bA := curve.Mul(&s.b, a)
		s.seed.Pads[i][0] = padHash(s.sid, i, bA)
		s.seed.Pads[i][1] = padHash(s.sid, i, curve.Sub(bA, bB))

		h0 := vsotHash(s.seed.Pads[i][0][:])
		h1 := vsotHash(s.seed.Pads[i][1][:])
		s.expected[i] = vsotHash(h0[:])
		hh1 := vsotHash(h1[:])
		subtle.XORBytes(out.Challenges[i*32:(i+1)*32], s.expected[i][:], hh1[:])
	}
	s.step = 2
	return out, nil
}

// Open checks the receiver's responses and reveals the hashed pads.
func (s *VSOTSender) Open(msg *VSOTMsg4) (*VSOTMsg5, *SenderSeed, error) {
	if s.step != 2 {
		return nil, nil, ErrState
	}
	if msg == nil || len(msg.Responses) != Kappa*32 {
		return nil, nil, ErrMalformed
	}
	ok := 1
	for i := 0; i < Kappa; i++ {
		ok &= subtle.ConstantTimeCompare(msg.Responses[i*32:(i+1)*32], s.expected[i][:])
	}
	if ok != 1 {
		s.Wipe()
		return nil, nil, ErrVerification
	}

	out := &VSOTMsg5{Openings: make([]byte, 0, Kappa*64)}
	for i := 0; i < Kappa; i++ {
		h0 := vsotHash(s.seed.Pads[i][0][:])
		h1 := vsotHash(s.seed.Pads[i][1][:])
		out.Openings = append(out.Openings, h0[:]...)
		out.Openings = append(out.Openings, h1[:]...)
	}
	seed := s.seed
	s.Wipe()
	s.step = 3
	return out, &seed, nil
}

// Wipe zeroes the sender state.
func (s *VSOTSender) Wipe() {
	s.b.Zero()
	s.seed.Wipe()
}

// VSOTReceiver runs the receiver side of Kappa verified base OTs with random choices.
type VSOTReceiver struct {
	sid        []byte
	seed       ReceiverSeed
	challenges []byte
	step       int
	rand       io.Reader
}

// NewVSOTReceiver samples the receiver's choice bits.
func NewVSOTReceiver(sid []byte, rand io.Reader) (*VSOTReceiver, error) {
	r := &VSOTReceiver{sid: append([]byte(nil), sid...), rand: rand}
	if _, err := io.ReadFull(rand, r.seed.Choices[:]); err != nil {
		return nil, err
	}
	return r, nil
}

// Blind verifies the sender key and answers with one blinded point per OT.
func (r *VSOTReceiver) Blind(msg *VSOTMsg1) (*VSOTMsg2, error) {
	if r.step != 0 {
		return nil, ErrState
	}
	if msg == nil {
		return nil, ErrMalformed
	}
	bigB, err := curve.DecodePoint(msg.B)
	if err != nil {
		return nil, ErrMalformed
	}
	if !msg.Proof.Verify(proofSession(r.sid), bigB) {
		return nil, ErrVerification
	}

	out := &VSOTMsg2{A: make([]byte, Kappa*curve.PointSize)}
	for i := 0; i < Kappa; i++ {
		a, err := curve.RandomScalar(r.rand)
		if err != nil {
			return nil, err
		}
		aG := curve.BaseMul(a)
		p0 := curve.EncodePoint(aG)
		p1 := curve.EncodePoint(curve.Add(aG, bigB))
		dst := out.A[i*curve.PointSize : (i+1)*curve.PointSize]
		copy(dst, p0[:])
		subtle.ConstantTimeCopy(int(r.seed.Choice(i)), dst, p1[:])

		r.seed.Pads[i] = padHash(r.sid, i, curve.Mul(a, bigB))
		a.Zero()
	}
	r.step = 1
	return out, nil
}

// Respond answers the sender's challenges.
func (r *VSOTReceiver) Respond(msg *VSOTMsg3) (*VSOTMsg4, error) {
	if r.step != 1 {
		return nil, ErrState
	}
	if msg == nil || len(msg.Challenges) != Kappa*32 {
		return nil, ErrMalformed
	}
	r.challenges = append([]byte(nil), msg.Challenges...)
	out := &VSOTMsg4{Responses: make([]byte, Kappa*32)}
	var masked [32]byte
	for i := 0; i < Kappa; i++ {
		h := vsotHash(r.seed.Pads[i][:])
		hh := vsotHash(h[:])
		subtle.XORBytes(masked[:], hh[:], msg.Challenges[i*32:(i+1)*32])
		subtle.ConstantTimeCopy(int(r.seed.Choice(i)), hh[:], masked[:])
		copy(out.Responses[i*32:], hh[:])
	}
	r.step = 2
	return out, nil
}

// Finish checks the sender's openings and returns the base-OT output.
func (r *VSOTReceiver) Finish(msg *VSOTMsg5) (*ReceiverSeed, error) {
	if r.step != 2 {
		return nil, ErrState
	}
	if msg == nil || len(msg.Openings) != Kappa*64 {
		return nil, ErrMalformed
	}
	ok := 1
	var opened, chal [32]byte
	for i := 0; i < Kappa; i++ {
		o0 := msg.Openings[i*64 : i*64+32]
		o1 := msg.Openings[i*64+32 : i*64+64]
		copy(opened[:], o0)
		subtle.ConstantTimeCopy(int(r.seed.Choice(i)), opened[:], o1)
		h := vsotHash(r.seed.Pads[i][:])
		ok &= subtle.ConstantTimeCompare(opened[:], h[:])

		h0, h1 := vsotHash(o0), vsotHash(o1)
		subtle.XORBytes(chal[:], h0[:], h1[:])
		ok &= subtle.ConstantTimeCompare(chal[:], r.challenges[i*32:(i+1)*32])
	}
	if ok != 1 {
		r.Wipe()
		return nil, ErrVerification
	}
	seed := r.seed
	r.Wipe()
	r.step = 3
	return &seed, nil
}

// Wipe zeroes the receiver state.
func (r *VSOTReceiver) Wipe() {
	r.seed.Wipe()
}

func proofSession(sid []byte) []byte {
	h := curve.Hash(labelVSOTProof, sid)
	return h[:]
}

func padHash(sid []byte, i int, p *btcec.JacobianPoint) [32]byte {
	return curve.Hash(labelVSOTPad, sid, curve.U32(uint32(i)), curve.PointBytes(p))
}

func vsotHash(b []byte) [32]byte {
	return curve.Hash(labelVSOTHash, b)
}
