package setup

import (
	"crypto/ed25519"
	"time"

	"github.com/fxamacker/cbor/v2"

	"dkls-node/internal/curve"
	"dkls-node/internal/mpc"
)

const signatureContext = "dkls-node/setup/v1"

// Kind distinguishes the descriptor carried by an envelope.
type Kind uint8

const (
	KindKeygen Kind = 1
	KindSign   Kind = 2
)

type envelope struct {
	Kind      Kind   `cbor:"1,keyasint"`
	Body      []byte `cbor:"2,keyasint"`
	Signature []byte `cbor:"3,keyasint"`
}

type partyWire struct {
	Rank      uint8  `cbor:"1,keyasint"`
	PublicKey []byte `cbor:"2,keyasint"`
}

type keygenWire struct {
	InstanceID []byte      `cbor:"1,keyasint"`
	Threshold  uint8       `cbor:"2,keyasint"`
	TTLMillis  int64       `cbor:"3,keyasint"`
	Parties    []partyWire `cbor:"4,keyasint"`
}

type signPartyWire struct {
	PartyID   uint8  `cbor:"1,keyasint"`
	PublicKey []byte `cbor:"2,keyasint"`
}

type signWire struct {
	InstanceID []byte          `cbor:"1,keyasint"`
	TTLMillis  int64           `cbor:"2,keyasint"`
	PublicKey  []byte          `cbor:"3,keyasint"`
	ChainPath  []uint32        `cbor:"4,keyasint"`
	Parties    []signPartyWire `cbor:"5,keyasint"`
}

// SealKeygen serializes k and signs it with the setup authority key.
func SealKeygen(k *Keygen, authority ed25519.PrivateKey) ([]byte, error) {
	w := keygenWire{
		InstanceID: k.InstanceID[:],
		Threshold:  k.Threshold,
		TTLMillis:  k.TTL.Milliseconds(),
	}
	for _, p := range k.Parties {
		w.Parties = append(w.Parties, partyWire{Rank: p.Rank, PublicKey: p.PublicKey})
	}
	return seal(KindKeygen, w, authority)
}

// SealSign serializes s and signs it with the setup authority key.
func SealSign(s *Sign, authority ed25519.PrivateKey) ([]byte, error) {
	w := signWire{
		InstanceID: s.InstanceID[:],
		TTLMillis:  s.TTL.Milliseconds(),
		PublicKey:  s.PublicKey[:],
		ChainPath:  s.ChainPath,
	}
	for _, p := range s.Parties {
		w.Parties = append(w.Parties, signPartyWire{PartyID: p.PartyID, PublicKey: p.PublicKey})
	}
	return seal(KindSign, w, authority)
}

// OpenKeygen verifies the authority signature, decodes and validates the
// descriptor and finally asks accept whether to join.
func OpenKeygen(blob []byte, authority ed25519.PublicKey, accept func(*Keygen) bool) (*Keygen, error) {
	var w keygenWire
	if err := open(blob, KindKeygen, authority, &w); err != nil {
		return nil, err
	}
	if len(w.InstanceID) != 32 {
		return nil, mpc.SetupInvalid("instance id has length %d", len(w.InstanceID))
	}
	k := &Keygen{Threshold: w.Threshold, TTL: time.Duration(w.TTLMillis) * time.Millisecond}
	copy(k.InstanceID[:], w.InstanceID)
	for _, p := range w.Parties {
		k.Parties = append(k.Parties, Party{Rank: p.Rank, PublicKey: ed25519.PublicKey(p.PublicKey)})
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	if accept != nil && !accept(k) {
		return nil, mpc.SetupInvalid("descriptor rejected by local policy")
	}
	return k, nil
}

// OpenSign is OpenKeygen for signing descriptors.
func OpenSign(blob []byte, authority ed25519.PublicKey, accept func(*Sign) bool) (*Sign, error) {
	var w signWire
	if err := open(blob, KindSign, authority, &w); err != nil {
		return nil, err
	}
	if len(w.InstanceID) != 32 {
		return nil, mpc.SetupInvalid("instance id has length %d", len(w.InstanceID))
	}
	if len(w.PublicKey) != curve.PointSize {
		return nil, mpc.SetupInvalid("public key has length %d", len(w.PublicKey))
	}
	s := &Sign{TTL: time.Duration(w.TTLMillis) * time.Millisecond, ChainPath: w.ChainPath}
	copy(s.InstanceID[:], w.InstanceID)
	copy(s.PublicKey[:], w.PublicKey)
	for _, p := range w.Parties {
		s.Parties = append(s.Parties, SignParty{PartyID: p.PartyID, PublicKey: ed25519.PublicKey(p.PublicKey)})
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if accept != nil && !accept(s) {
		return nil, mpc.SetupInvalid("descriptor rejected by local policy")
	}
	return s, nil
}

// PeekKind reports which descriptor an envelope carries without verifying it.
func PeekKind(blob []byte) (Kind, error) {
	var env envelope
	if err := cbor.Unmarshal(blob, &env); err != nil {
		return 0, mpc.SetupInvalid("malformed envelope: %v", err)
	}
	return env.Kind, nil
}

func seal(kind Kind, body interface{}, authority ed25519.PrivateKey) ([]byte, error) {
	b, err := cbor.Marshal(body)
	if err != nil {
		return nil, err
	}
	env := envelope{Kind: kind, Body: b, Signature: ed25519.Sign(authority, signedBytes(kind, b))}
	return cbor.Marshal(env)
}

func open(blob []byte, kind Kind, authority ed25519.PublicKey, body interface{}) error {
	var env envelope
	if err := cbor.Unmarshal(blob, &env); err != nil {
		return mpc.SetupInvalid("malformed envelope: %v", err)
	}
	if env.Kind != kind {
		return mpc.SetupInvalid("envelope kind %d, want %d", env.Kind, kind)
	}
	if len(authority) != ed25519.PublicKeySize || !ed25519.Verify(authority, signedBytes(kind, env.Body), env.Signature) {
		return mpc.SetupInvalid("setup signature does not verify")
	}
	if err := cbor.Unmarshal(env.Body, body); err != nil {
		return mpc.SetupInvalid("malformed descriptor: %v", err)
	}
	return nil
}

func signedBytes(kind Kind, body []byte) []byte {
	out := make([]byte, 0, len(signatureContext)+1+len(body))
	out = append(out, signatureContext...)
	out = append(out, byte(kind))
	return append(out, body...)
}
