package dsg

import (
	"dkls-node/internal/ot"
)

const (
	roundCommit uint8 = iota + 1
	roundMtA1
	roundMtA2
	roundPartial
)

const (
	labelCommit = "dkls-node/dsg/commit"
	labelSID    = "dkls-node/dsg/sid"
	labelEcho   = "dkls-node/dsg/echo"
	labelMtA    = "dkls-node/dsg/mta"
	labelZero   = "dkls-node/dsg/zero-share"
)

// commitMsg is broadcast first and binds the nonce point.
type commitMsg struct {
	SessionShare []byte `cbor:"1,keyasint"`
	Commitment   []byte `cbor:"2,keyasint"`
	EncKey       []byte `cbor:"3,keyasint"`
}

// mtaReply answers a peer's MtA request and opens the nonce commitment.
type mtaReply struct {
	MtA    *ot.MtARound2 `cbor:"1,keyasint"`
	R      []byte        `cbor:"2,keyasint"`
	Blind  []byte        `cbor:"3,keyasint"`
	X      []byte        `cbor:"4,keyasint"`
	Gamma0 []byte        `cbor:"5,keyasint"`
	Gamma1 []byte        `cbor:"6,keyasint"`
	Echo   []byte        `cbor:"7,keyasint"`
}

// partialMsg carries the additive shares of m·φ + r·x·φ and k·φ.
type partialMsg struct {
	W []byte `cbor:"1,keyasint"`
	U []byte `cbor:"2,keyasint"`
}
