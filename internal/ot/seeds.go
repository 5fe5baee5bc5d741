// Package ot implements the oblivious-transfer engine: verified simplest OT
// as base OT, KOS OT extension and the OT-based multiplicative-to-additive
// conversion.
package ot

import (
	"errors"

	"dkls-node/internal/curve"
)

const (
	// Kappa is the number of base OTs and the computational security level.
	Kappa      = 256
	KappaBytes = Kappa / 8

	// StatSec is the statistical security parameter.
	StatSec = 128

	// L is the number of OTs one MtA input is encoded into.
	L = Kappa + 2*StatSec

	extCols  = L + Kappa + StatSec
	extBytes = extCols / 8
)

var (
	ErrMalformed    = errors.New("ot: malformed message")
	ErrVerification = errors.New("ot: consistency check failed")
	ErrState        = errors.New("ot: message out of order")
)

// SenderSeed is the base-OT output kept by the base-OT sender. It backs the
// extension receiver, which is the MtA party holding the multiplier.
type SenderSeed struct {
	Pads [Kappa][2][32]byte
}

// ReceiverSeed is the base-OT output kept by the base-OT receiver. It backs
// the extension sender, the MtA party whose inputs get multiplied.
type ReceiverSeed struct {
	Choices [KappaBytes]byte
	Pads    [Kappa][32]byte
}

// Wipe zeroes the seed.
func (s *SenderSeed) Wipe() {
	if s == nil {
		return
	}
	for i := range s.Pads {
		curve.Wipe(s.Pads[i][0][:])
		curve.Wipe(s.Pads[i][1][:])
	}
}

// Wipe zeroes the seed.
func (r *ReceiverSeed) Wipe() {
	if r == nil {
		return
	}
	curve.Wipe(r.Choices[:])
	for i := range r.Pads {
		curve.Wipe(r.Pads[i][:])
	}
}

// Choice returns the base-OT choice bit i.
func (r *ReceiverSeed) Choice(i int) byte {
	return (r.Choices[i/8] >> (uint(i) % 8)) & 1
}

// MarshalBinary packs the seed as 2·Kappa pads.
func (s *SenderSeed) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, Kappa*64)
	for i := range s.Pads {
		out = append(out, s.Pads[i][0][:]...)
		out = append(out, s.Pads[i][1][:]...)
	}
	return out, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (s *SenderSeed) UnmarshalBinary(b []byte) error {
	if len(b) != Kappa*64 {
		return ErrMalformed
	}
	for i := range s.Pads {
		copy(s.Pads[i][0][:], b[i*64:])
		copy(s.Pads[i][1][:], b[i*64+32:])
	}
	return nil
}

// MarshalBinary packs the choice bits followed by the pads.
func (r *ReceiverSeed) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, KappaBytes+Kappa*32)
	out = append(out, r.Choices[:]...)
	for i := range r.Pads {
		out = append(out, r.Pads[i][:]...)
	}
	return out, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (r *ReceiverSeed) UnmarshalBinary(b []byte) error {
	if len(b) != KappaBytes+Kappa*32 {
		return ErrMalformed
	}
	copy(r.Choices[:], b)
	for i := range r.Pads {
		copy(r.Pads[i][:], b[KappaBytes+i*32:])
	}
	return nil
}
