// Package keyshare holds the output of a DKG run for one party and its
// serialized form.
package keyshare

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"dkls-node/internal/curve"
	"dkls-node/internal/ot"
	"dkls-node/internal/setup"
)

// ErrInconsistent is returned for key shares whose parts do not agree.
var ErrInconsistent = errors.New("keyshare: inconsistent key share")

// KeyShare is one party's share of a threshold ECDSA key together with the
// pairwise material the signing protocol needs. Slices indexed by party
// hold nothing at PartyID.
type KeyShare struct {
	KeyID            [32]byte
	PartyID          uint8
	Threshold        uint8
	Ranks            []uint8
	PublicKey        [curve.PointSize]byte
	SecretShare      [curve.ScalarSize]byte
	ShareCommitments [][curve.PointSize]byte
	ChainCode        [32]byte
	ZeroSeeds        [][32]byte
	// SenderSeeds[j] is the base-OT sender output towards j, used when this
	// party contributes the multiplier of an MtA with j.
	SenderSeeds []*ot.SenderSeed
	// ReceiverSeeds[j] is the base-OT receiver output from j's instance.
	ReceiverSeeds []*ot.ReceiverSeed
}

// Total is the number of parties holding shares of the key.
func (k *KeyShare) Total() int {
	return len(k.Ranks)
}

// Secret decodes the secret share.
func (k *KeyShare) Secret() (*btcec.ModNScalar, error) {
	return curve.ScalarFromBytes(k.SecretShare[:])
}

// Public decodes the joint public key.
func (k *KeyShare) Public() (*btcec.JacobianPoint, error) {
	return curve.DecodePoint(k.PublicKey[:])
}

// Validate checks that the share is internally consistent: sizes agree,
// the secret matches its commitment and the commitments of the lowest-rank
// quorum interpolate to the public key.
func (k *KeyShare) Validate() error {
	n := k.Total()
	t := int(k.Threshold)
	if n < 2 || n > setup.MaxParties || t < 2 || t > n || int(k.PartyID) >= n {
		return fmt.Errorf("%w: parameters t=%d n=%d party=%d", ErrInconsistent, t, n, k.PartyID)
	}
	if len(k.ShareCommitments) != n || len(k.ZeroSeeds) != n || len(k.SenderSeeds) != n || len(k.ReceiverSeeds) != n {
		return fmt.Errorf("%w: per-party material has wrong length", ErrInconsistent)
	}
	for j := 0; j < n; j++ {
		if j == int(k.PartyID) {
			continue
		}
		if k.SenderSeeds[j] == nil || k.ReceiverSeeds[j] == nil {
			return fmt.Errorf("%w: missing OT seeds for party %d", ErrInconsistent, j)
		}
	}
	for _, r := range k.Ranks {
		if int(r) >= t {
			return fmt.Errorf("%w: rank %d not below threshold", ErrInconsistent, r)
		}
	}

	pub, err := k.Public()
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrInconsistent, err)
	}
	secret, err := k.Secret()
	if err != nil {
		return fmt.Errorf("%w: secret share: %v", ErrInconsistent, err)
	}
	defer secret.Zero()
	own, err := curve.DecodePoint(k.ShareCommitments[k.PartyID][:])
	if err != nil {
		return fmt.Errorf("%w: own share commitment: %v", ErrInconsistent, err)
	}
	if !curve.Equal(curve.BaseMul(secret), own) {
		return fmt.Errorf("%w: secret share does not match its commitment", ErrInconsistent)
	}

	ids := setup.RecoveryQuorum(k.Ranks, t)
	points := make([]*btcec.JacobianPoint, len(ids))
	for i, id := range ids {
		p, err := curve.DecodePoint(k.ShareCommitments[id][:])
		if err != nil {
			return fmt.Errorf("%w: share commitment %d: %v", ErrInconsistent, id, err)
		}
		points[i] = p
	}
	recovered, err := curve.InterpolatePoints(setup.Nodes(ids, k.Ranks), points)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	if !curve.Equal(recovered, pub) {
		return fmt.Errorf("%w: share commitments do not interpolate to the public key", ErrInconsistent)
	}
	return nil
}

// Wipe zeroes the secret material.
func (k *KeyShare) Wipe() {
	curve.Wipe(k.SecretShare[:])
	for i := range k.ZeroSeeds {
		curve.Wipe(k.ZeroSeeds[i][:])
	}
	for _, s := range k.SenderSeeds {
		if s != nil {
			s.Wipe()
		}
	}
	for _, s := range k.ReceiverSeeds {
		if s != nil {
			s.Wipe()
		}
	}
}
