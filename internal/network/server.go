package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"dkls-node/internal/config"
	"dkls-node/internal/dsg"
	"dkls-node/internal/keyshare"
	"dkls-node/internal/logger"
	"dkls-node/internal/metrics"
	"dkls-node/internal/mpc"
	"dkls-node/internal/party"
	"dkls-node/internal/session"
	"dkls-node/internal/setup"
	"dkls-node/internal/storage"
	"dkls-node/internal/tss"
)

const coordinationContext = "dkls-node/coordination/v1"

// ErrNotAuthority is returned when a node without the setup authority key
// is asked to coordinate a ceremony.
var ErrNotAuthority = errors.New("this node is not configured as a setup authority")

// Server accepts relay connections and drives the ceremonies this node
// takes part in. The node receiving a Keygen or Sign call coordinates it.
type Server struct {
	cfg          *config.Config
	name         string
	self         int // index in cfg.Peers, also the node's DKG party id
	identity     ed25519.PrivateKey
	authority    ed25519.PublicKey
	authorityKey ed25519.PrivateKey
	peerKeys     []ed25519.PublicKey
	manager      *session.Manager
	registry     *party.Registry
	transport    Transport
	store        *storage.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	ceremonies map[string]*ceremony
	signatures map[string]*dsg.Signature // by session, until collected by Sign
	ln         net.Listener
}

// ceremony is a run this node accepted and is waiting to start or running.
type ceremony struct {
	id          string
	coordinator string
	names       []string
	self        int
	keygen      *setup.Keygen
	sign        *setup.Sign
	share       *keyshare.KeyShare
	digest      []byte
	keyID       uuid.UUID
	transport   *SessionTransport
	started     bool
}

// NewServer creates a node server. cfg.Peers lists every node, this one
// included, in the same order on every node.
func NewServer(cfg *config.Config, sm *session.Manager, registry *party.Registry, transport Transport, store *storage.Store) (*Server, error) {
	identity, err := cfg.IdentityKey()
	if err != nil {
		return nil, err
	}
	authority, err := cfg.AuthorityPublicKey()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:        cfg,
		name:       cfg.Node.Name,
		self:       -1,
		identity:   identity,
		authority:  authority,
		manager:    sm,
		registry:   registry,
		transport:  transport,
		store:      store,
		ceremonies: make(map[string]*ceremony),
		signatures: make(map[string]*dsg.Signature),
	}
	if cfg.Setup.AuthorityKey != "" {
		if s.authorityKey, err = cfg.AuthorityKey(); err != nil {
			return nil, err
		}
	}
	for i, p := range cfg.Peers {
		pub, err := cfg.PeerPublicKey(p.Name)
		if err != nil {
			return nil, err
		}
		s.peerKeys = append(s.peerKeys, pub)
		if p.Name == s.name {
			s.self = i
			if !bytes.Equal(pub, identity.Public().(ed25519.PublicKey)) {
				return nil, fmt.Errorf("peer entry %s does not match the node identity key", p.Name)
			}
		}
	}
	if s.self < 0 {
		return nil, fmt.Errorf("node %s is not listed among the peers", s.name)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start listens on listenAddr and serves connections in the background.
func (s *Server) Start(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}
	s.Serve(ln)
	return nil
}

// Serve accepts connections on ln in the background.
func (s *Server) Serve(ln net.Listener) {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	logger.Log.Infof("TCP server listening on %s", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				logger.Log.Errorf("TCP accept error: %v", err)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleTCPConnection(conn)
			}()
		}
	}()
}

// Close stops accepting connections, cancels running ceremonies and waits
// for them to return.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

// Session returns the state of a ceremony this node knows about.
func (s *Server) Session(id string) (session.Snapshot, bool) {
	return s.manager.Snapshot(id)
}

// Keygen coordinates a DKG across every configured peer and returns the
// session id. ranks is indexed like the peers; nil means all zero.
func (s *Server) Keygen(ctx context.Context, threshold int, ranks []uint8) (string, error) {
	if s.authorityKey == nil {
		return "", ErrNotAuthority
	}
	if threshold == 0 {
		threshold = s.cfg.Setup.Threshold
	}
	if ranks == nil {
		ranks = make([]uint8, len(s.cfg.Peers))
	}
	if len(ranks) != len(s.cfg.Peers) {
		return "", mpc.SetupInvalid("%d ranks for %d peers", len(ranks), len(s.cfg.Peers))
	}
	id, err := setup.NewInstanceID()
	if err != nil {
		return "", err
	}
	desc := &setup.Keygen{InstanceID: id, Threshold: uint8(threshold), TTL: s.cfg.Setup.TTL}
	for i, pub := range s.peerKeys {
		desc.Parties = append(desc.Parties, setup.Party{Rank: ranks[i], PublicKey: pub})
	}
	if err := desc.Validate(); err != nil {
		return "", err
	}
	blob, err := setup.SealKeygen(desc, s.authorityKey)
	if err != nil {
		return "", err
	}

	sessionID := hex.EncodeToString(id[:])
	names := make([]string, len(s.cfg.Peers))
	for i, p := range s.cfg.Peers {
		names[i] = p.Name
	}
	s.manager.GetOrCreateSession(sessionID, "keygen", names, s.name)
	logger.Log.Infof("[Node %s] coordinating %d-of-%d keygen, session %s", s.name, threshold, len(names), sessionID)
	if err := s.announce(ctx, sessionID, names, &AnnouncePayload{Setup: blob}); err != nil {
		return sessionID, err
	}
	return sessionID, nil
}

// Sign coordinates a DSG of digest with the key keyID and waits for the
// signature. The quorum lists party ids and must include this node; it is
// chosen automatically when empty.
func (s *Server) Sign(ctx context.Context, keyID uuid.UUID, digest []byte, path []uint32, quorum []int) (*dsg.Signature, error) {
	if s.authorityKey == nil {
		return nil, ErrNotAuthority
	}
	if len(digest) != 32 {
		return nil, mpc.SetupInvalid("digest must be 32 bytes")
	}
	ks, err := s.store.LoadKeyShare(keyID, s.self)
	if err != nil {
		return nil, err
	}
	defer ks.Wipe()
	id, err := setup.NewInstanceID()
	if err != nil {
		return nil, err
	}
	sessionID := hex.EncodeToString(id[:])

	if len(quorum) == 0 {
		all := make([]int, ks.Total())
		for i := range all {
			all[i] = i
		}
		if quorum, err = party.SelectQuorum(sessionID, ks.Ranks, int(ks.Threshold), all, s.self); err != nil {
			return nil, err
		}
	}
	desc := &setup.Sign{InstanceID: id, TTL: s.cfg.Setup.TTL, PublicKey: ks.PublicKey, ChainPath: path}
	names := make([]string, len(quorum))
	member := false
	for i, pid := range quorum {
		if pid < 0 || pid >= len(s.peerKeys) {
			return nil, mpc.SetupInvalid("unknown party id %d", pid)
		}
		member = member || pid == s.self
		names[i] = s.cfg.Peers[pid].Name
		desc.Parties = append(desc.Parties, setup.SignParty{PartyID: uint8(pid), PublicKey: s.peerKeys[pid]})
	}
	if !member {
		return nil, mpc.SetupInvalid("the coordinating node must be part of the quorum")
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	blob, err := setup.SealSign(desc, s.authorityKey)
	if err != nil {
		return nil, err
	}

	state := s.manager.GetOrCreateSession(sessionID, "sign", names, s.name)
	s.manager.SetKeyID(sessionID, keyID)
	logger.Log.Infof("[Node %s] coordinating signature with key %s, quorum %v, session %s", s.name, keyID, quorum, sessionID)
	payload := &AnnouncePayload{Setup: blob, KeyID: keyID.String(), Digest: digest}
	if err := s.announce(ctx, sessionID, names, payload); err != nil {
		return nil, err
	}

	select {
	case <-state.Done:
	case <-ctx.Done():
		return nil, mpc.FromContext(ctx)
	}
	snap, _ := s.manager.Snapshot(sessionID)
	s.mu.Lock()
	sig := s.signatures[sessionID]
	delete(s.signatures, sessionID)
	s.mu.Unlock()
	if sig == nil {
		return nil, fmt.Errorf("signing session %s failed: %s", sessionID, snap.Error)
	}
	return sig, nil
}

func (s *Server) announce(ctx context.Context, sessionID string, names []string, payload *AnnouncePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := s.coordination(Announce, sessionID, body)
	if err := s.deliver(ctx, names, msg); err != nil {
		s.manager.Finish(sessionID, err)
		s.cleanup(sessionID)
		return err
	}
	return nil
}

// deliver sends a coordination message to each named node, handling the
// local copy in place.
func (s *Server) deliver(ctx context.Context, names []string, msg *CoordinationMessage) error {
	var remote []string
	local := false
	for _, n := range names {
		if n == s.name {
			local = true
			continue
		}
		remote = append(remote, n)
	}
	if local {
		s.handleCoordinationMessage(ctx, msg)
	}
	return broadcastCoordination(ctx, s.transport, remote, msg)
}

func (s *Server) handleTCPConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(s.cfg.Setup.TTL))

	var wireMsg WireMessage
	if err := json.NewDecoder(conn).Decode(&wireMsg); err != nil {
		logger.Log.Errorf("Failed to decode wire message from %s: %v", conn.RemoteAddr(), err)
		return
	}
	metrics.WireMessage("in", wireMsg.MessageType)

	switch wireMsg.MessageType {
	case KindProtocol:
		var msg ProtocolMessage
		if err := json.Unmarshal(wireMsg.Payload, &msg); err != nil {
			logger.Log.Errorf("Failed to unmarshal protocol message: %v", err)
			return
		}
		if !s.registry.Deliver(msg.SessionID, msg.From, msg.Data) {
			logger.Log.Debugf("No active ceremony for session %s. Parking message.", msg.SessionID)
		}
	case KindCoordination:
		var msg CoordinationMessage
		if err := json.Unmarshal(wireMsg.Payload, &msg); err != nil {
			logger.Log.Errorf("Failed to unmarshal coordination message: %v", err)
			return
		}
		if err := s.verifyCoordination(&msg); err != nil {
			logger.Log.Warnf("Dropping coordination message for session %s: %v", msg.SessionID, err)
			return
		}
		s.handleCoordinationMessage(s.ctx, &msg)
	default:
		logger.Log.Errorf("Unknown message type received: %s", wireMsg.MessageType)
	}
}

func (s *Server) handleCoordinationMessage(ctx context.Context, msg *CoordinationMessage) {
	logger.Log.Debugf("[Node %s] handling %s from %s for session %s", s.name, msg.Type, msg.From, msg.SessionID)

	switch msg.Type {
	case Announce:
		if err := s.accept(msg); err != nil {
			logger.Log.Warnf("[Node %s] rejecting session %s: %v", s.name, msg.SessionID, err)
			body, _ := json.Marshal(&RejectPayload{Reason: err.Error()})
			s.reply(ctx, msg.From, s.coordination(Reject, msg.SessionID, body))
			return
		}
		s.reply(ctx, msg.From, s.coordination(Ack, msg.SessionID, nil))

	case Ack:
		state, ok := s.manager.GetSession(msg.SessionID)
		if !ok || state.Coordinator != s.name {
			return
		}
		if s.manager.RecordAcknowledgement(msg.SessionID, msg.From) {
			logger.Log.Infof("All parties acknowledged. Starting session %s.", msg.SessionID)
			start := s.coordination(Start, msg.SessionID, nil)
			if err := s.deliver(ctx, state.Participants, start); err != nil {
				logger.Log.Errorf("Coordinator failed to broadcast Start: %v", err)
			}
		}

	case Reject:
		var payload RejectPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			payload.Reason = "unreadable reason"
		}
		state, ok := s.manager.GetSession(msg.SessionID)
		if !ok || state.Coordinator != s.name {
			return
		}
		s.manager.Finish(msg.SessionID, fmt.Errorf("%s rejected the session: %s", msg.From, payload.Reason))
		s.cleanup(msg.SessionID)

	case Start:
		c, ok := s.claim(msg.SessionID, msg.From)
		if !ok {
			logger.Log.Warnf("Start for unknown session %s from %s", msg.SessionID, msg.From)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(c)
		}()
	}
}

// accept opens an announced setup and prepares the local run.
func (s *Server) accept(msg *CoordinationMessage) (err error) {
	var payload AnnouncePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("malformed announce: %w", err)
	}
	kind, err := setup.PeekKind(payload.Setup)
	if err != nil {
		return err
	}
	pub := s.identity.Public().(ed25519.PublicKey)
	c := &ceremony{id: msg.SessionID, coordinator: msg.From}
	defer func() {
		if err != nil && c.share != nil {
			c.share.Wipe()
		}
	}()

	var (
		instance  [32]byte
		verifiers []ed25519.PublicKey
		protocol  string
		ttl       time.Duration
	)
	switch kind {
	case setup.KindKeygen:
		desc, err := setup.OpenKeygen(payload.Setup, s.authority, func(k *setup.Keygen) bool {
			_, ok := k.Index(pub)
			return ok
		})
		if err != nil {
			return err
		}
		c.keygen, c.self = desc, mustIndex(desc.Index(pub))
		instance, verifiers, protocol, ttl = desc.InstanceID, desc.Verifiers(), "keygen", desc.TTL
	case setup.KindSign:
		desc, err := setup.OpenSign(payload.Setup, s.authority, func(sg *setup.Sign) bool {
			i, ok := sg.Index(pub)
			return ok && int(sg.Parties[i].PartyID) == s.self
		})
		if err != nil {
			return err
		}
		if c.keyID, err = uuid.Parse(payload.KeyID); err != nil {
			return fmt.Errorf("invalid key id: %w", err)
		}
		if c.share, err = s.store.LoadKeyShare(c.keyID, s.self); err != nil {
			return err
		}
		if c.share.PublicKey != desc.PublicKey {
			return fmt.Errorf("key %s does not match the setup public key", c.keyID)
		}
		if len(payload.Digest) != 32 {
			return fmt.Errorf("digest must be 32 bytes")
		}
		c.sign, c.self, c.digest = desc, mustIndex(desc.Index(pub)), payload.Digest
		instance, verifiers, protocol, ttl = desc.InstanceID, desc.Verifiers(), "sign", desc.TTL
	default:
		return fmt.Errorf("unknown setup kind %d", kind)
	}
	if hex.EncodeToString(instance[:]) != msg.SessionID {
		return fmt.Errorf("session id does not match the setup instance id")
	}
	if c.names, err = s.namesFor(verifiers); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.ceremonies[c.id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("session %s already announced", c.id)
	}
	s.ceremonies[c.id] = c
	s.mu.Unlock()

	s.manager.GetOrCreateSession(c.id, protocol, c.names, msg.From)
	if c.sign != nil {
		s.manager.SetKeyID(c.id, c.keyID)
	}
	c.transport = NewSessionTransport(c.id, c.self, c.names, s.transport, s.registry.Register(c.id))

	// A ceremony that never starts is failed once its ttl has passed twice.
	time.AfterFunc(2*ttl, func() { s.expire(c.id) })
	return nil
}

// claim marks an accepted ceremony as started by its coordinator. It fails
// for unknown, already started or already discarded ceremonies.
func (s *Server) claim(id, coordinator string) (*ceremony, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.ceremonies[id]
	if !ok || c.coordinator != coordinator || c.started {
		return nil, false
	}
	c.started = true
	return c, true
}

// expire fails a ceremony that was accepted but never started.
func (s *Server) expire(id string) {
	s.mu.Lock()
	c, ok := s.ceremonies[id]
	unstarted := ok && !c.started
	s.mu.Unlock()
	if !unstarted {
		return
	}
	s.manager.Finish(id, mpc.ErrExpired)
	s.cleanup(id)
}

func (s *Server) run(c *ceremony) {
	defer s.cleanup(c.id)
	s.manager.UpdateStatus(c.id, session.StatusRunning)

	var err error
	switch {
	case c.keygen != nil:
		var ks *keyshare.KeyShare
		ks, err = tss.RunDKG(s.ctx, c.keygen, s.identity, c.transport)
		if err == nil {
			record, saveErr := s.store.SaveKeyShares(ks)
			if saveErr != nil {
				err = saveErr
			} else {
				s.manager.SetKeyID(c.id, record.KeyID)
				logger.Log.Infof("[Node %s] stored share %d of key %s", s.name, ks.PartyID, record.KeyID)
			}
			ks.Wipe()
		}
	case c.sign != nil:
		var sig *dsg.Signature
		sig, err = tss.RunDSG(s.ctx, c.sign, c.share, c.digest, s.identity, c.transport)
		if err == nil && c.coordinator == s.name {
			s.mu.Lock()
			s.signatures[c.id] = sig
			s.mu.Unlock()
		}
		c.share.Wipe()
	}
	if err != nil {
		logger.Log.Errorf("[Node %s] session %s failed: %v", s.name, c.id, err)
	}
	s.manager.Finish(c.id, err)
}

// cleanup forgets a ceremony. The key share of one that never started is
// wiped here; a started run wipes its own.
func (s *Server) cleanup(id string) {
	s.mu.Lock()
	c, ok := s.ceremonies[id]
	delete(s.ceremonies, id)
	unstarted := ok && !c.started
	if unstarted {
		c.started = true
	}
	s.mu.Unlock()
	if unstarted && c.share != nil {
		c.share.Wipe()
	}
	s.registry.Deregister(id)
}

func (s *Server) reply(ctx context.Context, to string, msg *CoordinationMessage) {
	if err := s.deliver(ctx, []string{to}, msg); err != nil {
		logger.Log.Errorf("Failed to send %s to %s: %v", msg.Type, to, err)
	}
}

func (s *Server) namesFor(keys []ed25519.PublicKey) ([]string, error) {
	names := make([]string, len(keys))
	for i, k := range keys {
		found := false
		for j, pk := range s.peerKeys {
			if bytes.Equal(k, pk) {
				names[i], found = s.cfg.Peers[j].Name, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("setup party %d is not a configured peer", i)
		}
	}
	return names, nil
}

func (s *Server) coordination(typ CoordinationMessageType, sessionID string, payload json.RawMessage) *CoordinationMessage {
	msg := &CoordinationMessage{Type: typ, SessionID: sessionID, From: s.name, Payload: payload}
	msg.Signature = ed25519.Sign(s.identity, coordinationBytes(msg))
	return msg
}

func (s *Server) verifyCoordination(msg *CoordinationMessage) error {
	for i, p := range s.cfg.Peers {
		if p.Name == msg.From {
			if !ed25519.Verify(s.peerKeys[i], coordinationBytes(msg), msg.Signature) {
				return fmt.Errorf("bad signature from %s", msg.From)
			}
			return nil
		}
	}
	return fmt.Errorf("unknown sender %s", msg.From)
}

func coordinationBytes(msg *CoordinationMessage) []byte {
	var b bytes.Buffer
	for _, part := range [][]byte{[]byte(coordinationContext), []byte(msg.Type), []byte(msg.SessionID), []byte(msg.From), msg.Payload} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(part)))
		b.Write(n[:])
		b.Write(part)
	}
	return b.Bytes()
}

func mustIndex(i int, ok bool) int {
	if !ok {
		panic("accepted setup does not list this node")
	}
	return i
}
