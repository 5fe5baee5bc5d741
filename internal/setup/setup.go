// Package setup describes who takes part in a DKG or DSG run and how the
// description is authenticated before a party joins.
package setup

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"sort"
	"time"

	"dkls-node/internal/curve"
	"dkls-node/internal/mpc"
)

// MaxParties bounds n so party ids fit a byte with room for the broadcast marker.
const MaxParties = 254

// Party is a DKG participant. Its party id is its position in Keygen.Parties.
type Party struct {
	Rank      uint8
	PublicKey ed25519.PublicKey
}

// Keygen is the descriptor of one DKG run.
type Keygen struct {
	InstanceID [32]byte
	Threshold  uint8
	TTL        time.Duration
	Parties    []Party
}

// SignParty is a DSG participant identified by its key-share party id.
type SignParty struct {
	PartyID   uint8
	PublicKey ed25519.PublicKey
}

// Sign is the descriptor of one DSG run over a quorum of exactly t parties.
type Sign struct {
	InstanceID [32]byte
	TTL        time.Duration
	PublicKey  [curve.PointSize]byte
	ChainPath  []uint32
	Parties    []SignParty
}

// NewInstanceID draws a fresh random instance id.
func NewInstanceID() ([32]byte, error) {
	var id [32]byte
	_, err := io.ReadFull(rand.Reader, id[:])
	return id, err
}

// Validate rejects descriptors no DKG can complete with.
func (k *Keygen) Validate() error {
	n := len(k.Parties)
	if n < 2 || n > MaxParties {
		return mpc.SetupInvalid("party count %d out of range [2, %d]", n, MaxParties)
	}
	t := int(k.Threshold)
	if t < 2 || t > n {
		return mpc.SetupInvalid("threshold %d out of range [2, %d]", t, n)
	}
	if k.TTL <= 0 {
		return mpc.SetupInvalid("ttl must be positive")
	}
	if err := distinctKeys(len(k.Parties), func(i int) ed25519.PublicKey { return k.Parties[i].PublicKey }); err != nil {
		return err
	}
	ranks := k.Ranks()
	for i, r := range ranks {
		if int(r) >= t {
			return mpc.SetupInvalid("party %d rank %d must be below threshold %d", i, r, t)
		}
	}
	if _, err := curve.BirkhoffCoefficients(Nodes(RecoveryQuorum(ranks, t), ranks)); err != nil {
		return mpc.SetupInvalid("ranks do not allow reconstruction: %v", err)
	}
	return nil
}

// Index returns the party id owning pub.
func (k *Keygen) Index(pub ed25519.PublicKey) (int, bool) {
	for i, p := range k.Parties {
		if bytes.Equal(p.PublicKey, pub) {
			return i, true
		}
	}
	return 0, false
}

// Ranks lists the rank of every party.
func (k *Keygen) Ranks() []uint8 {
	out := make([]uint8, len(k.Parties))
	for i, p := range k.Parties {
		out[i] = p.Rank
	}
	return out
}

// Verifiers lists every party's public key in party order.
func (k *Keygen) Verifiers() []ed25519.PublicKey {
	out := make([]ed25519.PublicKey, len(k.Parties))
	for i, p := range k.Parties {
		out[i] = p.PublicKey
	}
	return out
}

// Validate checks the shape of the descriptor. Compatibility with a key
// share is checked when the share is at hand.
func (s *Sign) Validate() error {
	n := len(s.Parties)
	if n < 2 || n > MaxParties {
		return mpc.SetupInvalid("quorum size %d out of range [2, %d]", n, MaxParties)
	}
	if s.TTL <= 0 {
		return mpc.SetupInvalid("ttl must be positive")
	}
	seen := make(map[uint8]bool, n)
	for _, p := range s.Parties {
		if seen[p.PartyID] {
			return mpc.SetupInvalid("party id %d listed twice", p.PartyID)
		}
		seen[p.PartyID] = true
	}
	if err := distinctKeys(n, func(i int) ed25519.PublicKey { return s.Parties[i].PublicKey }); err != nil {
		return err
	}
	for _, c := range s.ChainPath {
		if c >= 1<<31 {
			return mpc.SetupInvalid("hardened derivation index %d not supported", c)
		}
	}
	return nil
}

// Index returns the quorum position owning pub.
func (s *Sign) Index(pub ed25519.PublicKey) (int, bool) {
	for i, p := range s.Parties {
		if bytes.Equal(p.PublicKey, pub) {
			return i, true
		}
	}
	return 0, false
}

// Verifiers lists the quorum's public keys in quorum order.
func (s *Sign) Verifiers() []ed25519.PublicKey {
	out := make([]ed25519.PublicKey, len(s.Parties))
	for i, p := range s.Parties {
		out[i] = p.PublicKey
	}
	return out
}

// RecoveryQuorum picks the t parties of lowest rank, ties broken by id.
func RecoveryQuorum(ranks []uint8, t int) []int {
	ids := make([]int, len(ranks))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool { return ranks[ids[a]] < ranks[ids[b]] })
	if t > len(ids) {
		t = len(ids)
	}
	out := append([]int(nil), ids[:t]...)
	sort.Ints(out)
	return out
}

// Nodes returns the interpolation nodes of the given party ids.
func Nodes(ids []int, ranks []uint8) []curve.Node {
	nodes := make([]curve.Node, len(ids))
	for i, id := range ids {
		nodes[i] = curve.PartyNode(id, ranks[id])
	}
	return nodes
}

func distinctKeys(n int, key func(int) ed25519.PublicKey) error {
	seen := make(map[string]int, n)
	for i := 0; i < n; i++ {
		k := key(i)
		if len(k) != ed25519.PublicKeySize {
			return mpc.SetupInvalid("party %d public key has length %d", i, len(k))
		}
		if j, dup := seen[string(k)]; dup {
			return mpc.SetupInvalid("parties %d and %d share a public key", j, i)
		}
		seen[string(k)] = i
	}
	return nil
}
