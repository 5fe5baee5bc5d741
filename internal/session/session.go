package session

import (
	"context"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"dkls-node/internal/logger"
	"dkls-node/internal/metrics"
	"dkls-node/internal/mpc"
	"dkls-node/internal/transport"
)

// Config describes one party's view of a protocol run.
type Config struct {
	InstanceID [32]byte
	Protocol   string
	Self       int
	Signer     ed25519.PrivateKey
	Verifiers  []ed25519.PublicKey
	Transport  transport.Transport
	Rand       io.Reader
}

// Session drives the rounds of one protocol run for one party: it signs,
// seals and frames outgoing messages and collects each round's messages
// from every peer.
type Session struct {
	cfg   Config
	n     int
	log   *logrus.Entry
	eph   *ephemeral
	aeads []cipher.AEAD

	inbox map[uint8]map[int]*Envelope
	seen  map[seenKey][32]byte
	last  uint8
}

type seenKey struct {
	round uint8
	from  int
}

// New validates cfg and creates the per-run encryption key.
func New(cfg Config) (*Session, error) {
	n := len(cfg.Verifiers)
	if n < 2 || n > broadcastTo {
		return nil, mpc.SetupInvalid("session needs between 2 and %d parties, got %d", broadcastTo, n)
	}
	if cfg.Self < 0 || cfg.Self >= n {
		return nil, mpc.SetupInvalid("party index %d out of range", cfg.Self)
	}
	if len(cfg.Signer) != ed25519.PrivateKeySize {
		return nil, mpc.SetupInvalid("missing signing key")
	}
	own := cfg.Signer.Public().(ed25519.PublicKey)
	if !own.Equal(cfg.Verifiers[cfg.Self]) {
		return nil, mpc.SetupInvalid("signing key does not match party %d", cfg.Self)
	}
	if cfg.Transport == nil {
		return nil, mpc.SetupInvalid("missing transport")
	}
	eph, err := newEphemeral(cfg.Rand)
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:   cfg,
		n:     n,
		eph:   eph,
		aeads: make([]cipher.AEAD, n),
		inbox: make(map[uint8]map[int]*Envelope),
		seen:  make(map[seenKey][32]byte),
		log: logger.Log.WithFields(logrus.Fields{
			"protocol": cfg.Protocol,
			"instance": hex.EncodeToString(cfg.InstanceID[:4]),
			"party":    cfg.Self,
		}),
	}, nil
}

// N is the number of parties.
func (s *Session) N() int { return s.n }

// Self is this party's index.
func (s *Session) Self() int { return s.cfg.Self }

// Log is the session's logger.
func (s *Session) Log() *logrus.Entry { return s.log }

// Peers lists every index except Self.
func (s *Session) Peers() []int {
	out := make([]int, 0, s.n-1)
	for i := 0; i < s.n; i++ {
		if i != s.cfg.Self {
			out = append(out, i)
		}
	}
	return out
}

// EncryptionKey is this party's x25519 key for the run, published in the
// first round.
func (s *Session) EncryptionKey() []byte {
	return append([]byte(nil), s.eph.pub...)
}

// SetPeerKey installs the x25519 key published by peer.
func (s *Session) SetPeerKey(peer int, pub []byte) error {
	aead, err := s.eph.pairKey(s.cfg.InstanceID[:], s.cfg.Self, peer, pub)
	if err != nil {
		return mpc.Abort(peer, "unusable encryption key: %v", err)
	}
	s.aeads[peer] = aead
	return nil
}

// Close erases the run's encryption material.
func (s *Session) Close() {
	s.eph.wipe()
	for i := range s.aeads {
		s.aeads[i] = nil
	}
}

// Broadcast sends v to every peer.
func (s *Session) Broadcast(ctx context.Context, round uint8, v interface{}) error {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	env := &Envelope{
		Instance: s.cfg.InstanceID[:],
		Round:    round,
		From:     uint8(s.cfg.Self),
		To:       broadcastTo,
		Payload:  payload,
	}
	env.sign(s.cfg.Signer)
	raw, err := env.marshal()
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, peer := range s.Peers() {
		if err := s.cfg.Transport.Send(ctx, peer, raw); err != nil {
			result = multierror.Append(result, mpc.Transport(peer, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		if ctx.Err() != nil {
			return mpc.FromContext(ctx)
		}
		return err
	}
	return nil
}

// Send seals v for peer to. The peer's encryption key must be installed.
func (s *Session) Send(ctx context.Context, round uint8, to int, v interface{}) error {
	aead := s.aeads[to]
	if aead == nil {
		return fmt.Errorf("session: no encryption key for party %d", to)
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	env := &Envelope{
		Instance: s.cfg.InstanceID[:],
		Round:    round,
		From:     uint8(s.cfg.Self),
		To:       uint8(to),
		Sealed:   true,
	}
	env.Payload = aead.Seal(nil, env.nonce(), plain, env.aad())
	for i := range plain {
		plain[i] = 0
	}
	env.sign(s.cfg.Signer)
	raw, err := env.marshal()
	if err != nil {
		return err
	}
	if err := s.cfg.Transport.Send(ctx, to, raw); err != nil {
		if ctx.Err() != nil {
			return mpc.FromContext(ctx)
		}
		return mpc.Transport(to, err)
	}
	return nil
}

// Gather blocks until every peer's message for round has arrived and
// returns the opened payloads indexed by party. Messages for later rounds
// are kept for later calls.
func (s *Session) Gather(ctx context.Context, round uint8) ([][]byte, error) {
	if round <= s.last {
		return nil, fmt.Errorf("session: round %d already gathered", round)
	}
	start := time.Now()
	for len(s.inbox[round]) < s.n-1 {
		from, raw, err := s.cfg.Transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Warnf("[Session] round %d expired with %d of %d messages", round, len(s.inbox[round]), s.n-1)
				return nil, mpc.FromContext(ctx)
			}
			return nil, mpc.Transport(mpc.NoParty, err)
		}
		if err := s.accept(from, raw); err != nil {
			return nil, err
		}
	}

	out := make([][]byte, s.n)
	for from, env := range s.inbox[round] {
		if !env.Sealed {
			out[from] = env.Payload
			continue
		}
		aead := s.aeads[from]
		if aead == nil {
			return nil, mpc.Abort(from, "sealed message in round %d before key exchange", round)
		}
		plain, err := aead.Open(nil, env.nonce(), env.Payload, env.aad())
		if err != nil {
			return nil, mpc.Abort(from, "cannot open sealed message in round %d", round)
		}
		out[from] = plain
	}
	delete(s.inbox, round)
	s.last = round

	elapsed := time.Since(start)
	metrics.RoundGathered(s.cfg.Protocol, strconv.Itoa(int(round)), elapsed)
	s.log.Debugf("[Session] round %d gathered in %s", round, elapsed)
	return out, nil
}

func (s *Session) accept(hint int, raw []byte) error {
	var env Envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return mpc.Abort(hint, "malformed envelope: %v", err)
	}
	if string(env.Instance) != string(s.cfg.InstanceID[:]) {
		s.log.Debugf("[Session] dropping message for another instance from %d", hint)
		return nil
	}
	from := int(env.From)
	if from >= s.n || from == s.cfg.Self {
		s.log.Warnf("[Session] dropping message with sender %d", from)
		return nil
	}
	if env.To != broadcastTo && int(env.To) != s.cfg.Self {
		s.log.Warnf("[Session] dropping message from %d addressed to %d", from, env.To)
		return nil
	}
	if !env.verify(s.cfg.Verifiers[from]) {
		return mpc.Abort(from, "invalid signature on round %d message", env.Round)
	}
	if hint != from {
		s.log.Debugf("[Session] message from %d relayed as %d", from, hint)
	}

	key := seenKey{round: env.Round, from: from}
	digest := sha256.Sum256(env.signedBytes())
	if prev, ok := s.seen[key]; ok {
		if prev == digest {
			return nil
		}
		return mpc.Abort(from, "conflicting messages for round %d", env.Round)
	}
	if env.Round <= s.last {
		return mpc.Abort(from, "stale message for round %d", env.Round)
	}
	s.seen[key] = digest
	if s.inbox[env.Round] == nil {
		s.inbox[env.Round] = make(map[int]*Envelope)
	}
	s.inbox[env.Round][from] = &env
	return nil
}

// Decode unmarshals a payload received from party from, blaming it for
// anything undecodable.
func Decode(from int, payload []byte, v interface{}) error {
	if payload == nil {
		return mpc.Abort(from, "missing message")
	}
	if err := cbor.Unmarshal(payload, v); err != nil {
		return mpc.Abort(from, "malformed message: %v", err)
	}
	return nil
}

// Finish records the outcome of a run in metrics and the log.
func (s *Session) Finish(err error) {
	var ae *mpc.AbortError
	if errors.As(err, &ae) {
		metrics.Aborted(s.cfg.Protocol, ae.Party != mpc.NoParty)
		s.log.Errorf("[Session] %s aborted: %v", s.cfg.Protocol, err)
	} else if err != nil {
		s.log.Errorf("[Session] %s failed: %v", s.cfg.Protocol, err)
	} else {
		s.log.Infof("[Session] %s completed", s.cfg.Protocol)
	}
}
