package dkg

import (
	"dkls-node/internal/ot"
	"dkls-node/internal/proof"
)

const (
	roundCommit uint8 = iota + 1
	roundReveal
	roundShare
	roundOT2
	roundOT3
	roundOT4
	roundOT5
	roundConfirm
)

const (
	labelCommit  = "dkls-node/dkg/commit"
	labelSID     = "dkls-node/dkg/sid"
	labelEcho    = "dkls-node/dkg/echo"
	labelDLog    = "dkls-node/dkg/dlog"
	labelVSOT    = "dkls-node/dkg/vsot"
	labelZero    = "dkls-node/dkg/zero-seed"
	labelChain   = "dkls-node/dkg/chain-code"
	labelConfirm = "dkls-node/dkg/confirm"
	labelKeyID   = "dkls-node/dkg/key-id"
)

// commitMsg is broadcast in the first round.
type commitMsg struct {
	SessionShare []byte `cbor:"1,keyasint"`
	Commitment   []byte `cbor:"2,keyasint"`
	EncKey       []byte `cbor:"3,keyasint"`
}

// revealMsg opens the first-round commitment.
type revealMsg struct {
	Commitments [][]byte      `cbor:"1,keyasint"`
	Blind       []byte        `cbor:"2,keyasint"`
	ChainCode   []byte        `cbor:"3,keyasint"`
	Proofs      []*proof.DLog `cbor:"4,keyasint"`
	Echo        []byte        `cbor:"5,keyasint"`
}

// shareMsg is sealed for its recipient.
type shareMsg struct {
	Share []byte       `cbor:"1,keyasint"`
	OT    *ot.VSOTMsg1 `cbor:"2,keyasint"`
}

type otFinishMsg struct {
	OT       *ot.VSOTMsg5 `cbor:"1,keyasint"`
	ZeroSeed []byte       `cbor:"2,keyasint"`
}

type confirmMsg struct {
	Digest []byte `cbor:"1,keyasint"`
}
