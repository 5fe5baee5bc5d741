package session

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeContext = "dkls-node/envelope/v1"
	sealContext     = "dkls-node/p2p/v1"
	broadcastTo     = 0xff
)

// Envelope is the signed frame around every round message.
type Envelope struct {
	Instance  []byte `cbor:"1,keyasint"`
	Round     uint8  `cbor:"2,keyasint"`
	From      uint8  `cbor:"3,keyasint"`
	To        uint8  `cbor:"4,keyasint"`
	Sealed    bool   `cbor:"5,keyasint"`
	Payload   []byte `cbor:"6,keyasint"`
	Signature []byte `cbor:"7,keyasint"`
}

func (e *Envelope) signedBytes() []byte {
	out := make([]byte, 0, len(envelopeContext)+len(e.Instance)+4+len(e.Payload))
	out = append(out, envelopeContext...)
	out = append(out, e.Instance...)
	out = append(out, e.Round, e.From, e.To)
	if e.Sealed {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return append(out, e.Payload...)
}

func (e *Envelope) sign(key ed25519.PrivateKey) {
	e.Signature = ed25519.Sign(key, e.signedBytes())
}

func (e *Envelope) verify(key ed25519.PublicKey) bool {
	return len(e.Signature) == ed25519.SignatureSize && ed25519.Verify(key, e.signedBytes(), e.Signature)
}

func (e *Envelope) marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

func (e *Envelope) nonce() []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	n[0], n[1], n[2] = e.Round, e.From, e.To
	return n
}

func (e *Envelope) aad() []byte {
	out := append([]byte(nil), e.Instance...)
	return append(out, e.Round, e.From, e.To)
}

// ephemeral is a per-run x25519 key used only for p2p sealing.
type ephemeral struct {
	priv []byte
	pub  []byte
}

func newEphemeral(rand io.Reader) (*ephemeral, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand, priv); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &ephemeral{priv: priv, pub: pub}, nil
}

// pairKey derives the AEAD shared by parties a and b.
func (k *ephemeral) pairKey(instance []byte, a, b int, peerPub []byte) (cipher.AEAD, error) {
	secret, err := curve25519.X25519(k.priv, peerPub)
	if err != nil {
		return nil, err
	}
	if a > b {
		a, b = b, a
	}
	info := append([]byte(sealContext), byte(a), byte(b))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, instance, info), key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	for i := range key {
		key[i] = 0
	}
	for i := range secret {
		secret[i] = 0
	}
	return aead, err
}

func (k *ephemeral) wipe() {
	for i := range k.priv {
		k.priv[i] = 0
	}
}
