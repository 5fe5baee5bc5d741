// Package dsg runs threshold signing over a quorum of exactly t key-share
// holders. Nonce and key shares are multiplied pairwise with OT-based MtA;
// the combined signature is checked before it is released.
package dsg

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/sync/errgroup"

	"dkls-node/internal/curve"
	"dkls-node/internal/keyshare"
	"dkls-node/internal/metrics"
	"dkls-node/internal/mpc"
	"dkls-node/internal/ot"
	"dkls-node/internal/session"
	"dkls-node/internal/setup"
	"dkls-node/internal/transport"
)

// Config is the input of one quorum member to a DSG run.
type Config struct {
	Setup     *setup.Sign
	KeyShare  *keyshare.KeyShare
	Digest    []byte
	Signer    ed25519.PrivateKey
	Transport transport.Transport
	// Rand defaults to crypto/rand. It is read from several goroutines.
	Rand io.Reader
}

// Hooks that let tests play a party deviating from the protocol.
var (
	testHookReply   func(self, to int, m *mtaReply)
	testHookPartial func(self int, m *partialMsg)
)

// Run executes the DSG for the party owning cfg.Signer and returns the
// verified signature.
func Run(ctx context.Context, cfg Config) (*Signature, error) {
	self, err := validate(&cfg)
	if err != nil {
		return nil, err
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	deriv, err := cfg.KeyShare.DerivePublicKey(cfg.Setup.ChainPath)
	if err != nil {
		return nil, mpc.SetupInvalid("derivation path: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Setup.TTL)
	defer cancel()
	done := metrics.SessionStarted("dsg")

	sess, err := session.New(session.Config{
		InstanceID: cfg.Setup.InstanceID,
		Protocol:   "dsg",
		Self:       self,
		Signer:     cfg.Signer,
		Verifiers:  cfg.Setup.Verifiers(),
		Transport:  cfg.Transport,
		Rand:       rnd,
	})
	if err != nil {
		done(mpc.Kind(err))
		return nil, err
	}
	defer sess.Close()

	t := len(cfg.Setup.Parties)
	p := &party{
		cfg:       &cfg,
		sess:      sess,
		rand:      rnd,
		self:      self,
		t:         t,
		deriv:     deriv,
		round1:    make([]*commitMsg, t),
		receivers: make([]*ot.MtAReceiver, t),
		bigR:      make([]*btcec.JacobianPoint, t),
		bigX:      make([]*btcec.JacobianPoint, t),
		alice:     make([][2]btcec.ModNScalar, t),
		bob:       make([][2]btcec.ModNScalar, t),
	}
	defer p.wipe()

	sess.Log().Infof("[DSG] signing with key %x as party %d", cfg.KeyShare.KeyID[:8], cfg.KeyShare.PartyID)
	sig, err := p.run(ctx)
	if err != nil {
		sig = nil
	}
	sess.Finish(err)
	done(mpc.Kind(err))
	return sig, err
}

func validate(cfg *Config) (int, error) {
	s, ks := cfg.Setup, cfg.KeyShare
	if s == nil || ks == nil {
		return 0, mpc.SetupInvalid("missing sign setup or key share")
	}
	if err := s.Validate(); err != nil {
		return 0, err
	}
	if len(cfg.Digest) != 32 {
		return 0, mpc.SetupInvalid("digest must be 32 bytes, got %d", len(cfg.Digest))
	}
	if len(s.Parties) != int(ks.Threshold) {
		return 0, mpc.SetupInvalid("quorum has %d parties, key needs %d", len(s.Parties), ks.Threshold)
	}
	if !bytes.Equal(s.PublicKey[:], ks.PublicKey[:]) {
		return 0, mpc.SetupInvalid("setup names a different public key")
	}
	if len(cfg.Signer) != ed25519.PrivateKeySize {
		return 0, mpc.SetupInvalid("missing signing key")
	}
	self, ok := s.Index(cfg.Signer.Public().(ed25519.PublicKey))
	if !ok {
		return 0, mpc.SetupInvalid("signing key is not a quorum member")
	}
	if s.Parties[self].PartyID != ks.PartyID {
		return 0, mpc.SetupInvalid("quorum lists party %d for this key share, which is party %d", s.Parties[self].PartyID, ks.PartyID)
	}
	ids := make([]int, len(s.Parties))
	for i, sp := range s.Parties {
		if int(sp.PartyID) >= ks.Total() {
			return 0, mpc.SetupInvalid("party id %d out of range", sp.PartyID)
		}
		ids[i] = int(sp.PartyID)
	}
	if _, err := curve.BirkhoffCoefficients(setup.Nodes(ids, ks.Ranks)); err != nil {
		return 0, mpc.SetupInvalid("quorum cannot reconstruct the key: %v", err)
	}
	for _, id := range ids {
		if id != int(ks.PartyID) && (ks.SenderSeeds[id] == nil || ks.ReceiverSeeds[id] == nil) {
			return 0, mpc.SetupInvalid("key share has no OT seeds for party %d", id)
		}
	}
	return self, nil
}

type party struct {
	cfg   *Config
	sess  *session.Session
	rand  io.Reader
	self  int
	t     int
	deriv *keyshare.Derivation

	k, phi, x btcec.ModNScalar
	sidShare  [32]byte
	blind     [32]byte

	round1    []*commitMsg
	sid       []byte
	echo      [32]byte
	receivers []*ot.MtAReceiver
	bigR      []*btcec.JacobianPoint
	bigX      []*btcec.JacobianPoint
	// alice[j] holds our MtA sender shares of x_i·φ_j and k_i·φ_j,
	// bob[j] our receiver shares of x_j·φ_i and k_j·φ_i.
	alice [][2]btcec.ModNScalar
	bob   [][2]btcec.ModNScalar
}

func (p *party) run(ctx context.Context) (*Signature, error) {
	if err := p.commit(ctx); err != nil {
		return nil, err
	}
	if err := p.requestMtA(ctx); err != nil {
		return nil, err
	}
	if err := p.answerMtA(ctx); err != nil {
		return nil, err
	}
	return p.combine(ctx)
}

func (p *party) partyID(pos int) int {
	return int(p.cfg.Setup.Parties[pos].PartyID)
}

// commit samples the nonce and multiplier and commits to R_i = k_i·G.
func (p *party) commit(ctx context.Context) error {
	for _, s := range []*btcec.ModNScalar{&p.k, &p.phi} {
		v, err := curve.RandomScalar(p.rand)
		if err != nil {
			return err
		}
		s.Set(v)
		v.Zero()
	}
	for _, b := range [][]byte{p.sidShare[:], p.blind[:]} {
		if _, err := io.ReadFull(p.rand, b); err != nil {
			return err
		}
	}
	p.bigR[p.self] = curve.BaseMul(&p.k)

	own := &commitMsg{
		SessionShare: p.sidShare[:],
		Commitment:   p.commitment(p.self, p.sidShare[:], curve.PointBytes(p.bigR[p.self]), p.blind[:]),
		EncKey:       p.sess.EncryptionKey(),
	}
	p.round1[p.self] = own
	if err := p.sess.Broadcast(ctx, roundCommit, own); err != nil {
		return err
	}
	msgs, err := p.sess.Gather(ctx, roundCommit)
	if err != nil {
		return err
	}
	for _, j := range p.sess.Peers() {
		var m commitMsg
		if err := session.Decode(j, msgs[j], &m); err != nil {
			return err
		}
		if len(m.SessionShare) != 32 || len(m.Commitment) != 32 {
			return mpc.Abort(j, "malformed commitment")
		}
		if err := p.sess.SetPeerKey(j, m.EncKey); err != nil {
			return err
		}
		p.round1[j] = &m
	}

	parts := [][]byte{p.cfg.Setup.InstanceID[:], p.cfg.Digest}
	echoParts := [][]byte{p.cfg.Digest}
	for _, m := range p.round1 {
		parts = append(parts, m.SessionShare)
		echoParts = append(echoParts, m.SessionShare, m.Commitment, m.EncKey)
	}
	sid := curve.Hash(labelSID, parts...)
	p.sid = sid[:]
	p.echo = curve.Hash(labelEcho, echoParts...)
	return p.additiveShare()
}

// additiveShare sets x_i so that the quorum's x_i sum to the (derived)
// secret key: the interpolated share, re-randomized by pairwise zero shares.
func (p *party) additiveShare() error {
	ids := make([]int, p.t)
	for pos := range ids {
		ids[pos] = p.partyID(pos)
	}
	coeffs, err := curve.BirkhoffCoefficients(setup.Nodes(ids, p.cfg.KeyShare.Ranks))
	if err != nil {
		return mpc.SetupInvalid("quorum cannot reconstruct the key: %v", err)
	}
	secret, err := p.cfg.KeyShare.Secret()
	if err != nil {
		return mpc.SetupInvalid("key share: %v", err)
	}
	defer secret.Zero()

	p.x.Mul2(&coeffs[p.self], secret)
	own := p.partyID(p.self)
	for _, j := range p.sess.Peers() {
		peer := p.partyID(j)
		seed := p.cfg.KeyShare.ZeroSeeds[peer]
		z := curve.HashToScalar(labelZero, seed[:], p.sid)
		if own > peer {
			z.Negate()
		}
		p.x.Add(z)
		z.Zero()
	}
	if p.self == 0 {
		p.x.Add(&p.deriv.Offset)
	}
	p.bigX[p.self] = curve.BaseMul(&p.x)
	return nil
}

// requestMtA starts one MtA per peer with φ_i as our input.
func (p *party) requestMtA(ctx context.Context) error {
	out := make([]*ot.MtARound1, p.t)
	err := p.forPeers(func(j int) error {
		seed := p.cfg.KeyShare.SenderSeeds[p.partyID(j)]
		recv, msg, err := ot.NewMtAReceiver(p.mtaSession(p.self, j), seed, &p.phi, p.rand)
		if err != nil {
			return err
		}
		p.receivers[j] = recv
		out[j] = msg
		return nil
	})
	if err != nil {
		return err
	}
	for _, j := range p.sess.Peers() {
		if err := p.sess.Send(ctx, roundMtA1, j, out[j]); err != nil {
			return err
		}
	}
	return nil
}

// answerMtA completes the peers' MtA requests with (x_i, k_i), opens the
// nonce commitment and checks the peers' answers.
func (p *party) answerMtA(ctx context.Context) error {
	msgs, err := p.sess.Gather(ctx, roundMtA1)
	if err != nil {
		return err
	}
	replies := make([]*mtaReply, p.t)
	err = p.forPeers(func(j int) error {
		var req ot.MtARound1
		if err := session.Decode(j, msgs[j], &req); err != nil {
			return err
		}
		seed := p.cfg.KeyShare.ReceiverSeeds[p.partyID(j)]
		shares, reply, err := ot.MtASend(p.mtaSession(j, p.self), seed, &p.x, &p.k, &req, p.rand)
		if err != nil {
			return mpc.Abort(j, "MtA request: %v", err)
		}
		p.alice[j] = shares
		replies[j] = &mtaReply{
			MtA:    reply,
			R:      curve.PointBytes(p.bigR[p.self]),
			Blind:  p.blind[:],
			X:      curve.PointBytes(p.bigX[p.self]),
			Gamma0: curve.PointBytes(curve.BaseMul(&shares[0])),
			Gamma1: curve.PointBytes(curve.BaseMul(&shares[1])),
			Echo:   p.echo[:],
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, j := range p.sess.Peers() {
		if testHookReply != nil {
			testHookReply(p.self, j, replies[j])
		}
		if err := p.sess.Send(ctx, roundMtA2, j, replies[j]); err != nil {
			return err
		}
	}

	if msgs, err = p.sess.Gather(ctx, roundMtA2); err != nil {
		return err
	}
	if err := p.forPeers(func(j int) error { return p.checkReply(j, msgs[j]) }); err != nil {
		return err
	}

	sumX := curve.Sum(p.bigX...)
	if !curve.Equal(sumX, p.deriv.PublicKey) {
		return mpc.Abort(mpc.NoParty, "key shares do not add up to the public key")
	}
	return nil
}

func (p *party) checkReply(j int, raw []byte) error {
	var m mtaReply
	if err := session.Decode(j, raw, &m); err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(m.Echo, p.echo[:]) != 1 {
		return mpc.Abort(j, "first round echo mismatch")
	}
	bigR, err := curve.DecodePoint(m.R)
	if err != nil || len(m.Blind) != 32 {
		return mpc.Abort(j, "malformed nonce opening")
	}
	want := p.commitment(j, p.round1[j].SessionShare, m.R, m.Blind)
	if subtle.ConstantTimeCompare(want, p.round1[j].Commitment) != 1 {
		return mpc.Abort(j, "nonce does not open the commitment")
	}
	bigX, err := curve.DecodePoint(m.X)
	if err != nil {
		return mpc.Abort(j, "malformed key share point")
	}
	gamma0, err0 := curve.DecodePoint(m.Gamma0)
	gamma1, err1 := curve.DecodePoint(m.Gamma1)
	if err0 != nil || err1 != nil {
		return mpc.Abort(j, "malformed MtA commitments")
	}

	shares, err := p.receivers[j].Finish(m.MtA)
	if err != nil {
		return mpc.Abort(j, "MtA reply: %v", err)
	}
	p.bob[j] = shares
	if !curve.Equal(curve.Add(curve.BaseMul(&shares[0]), gamma0), curve.Mul(&p.phi, bigX)) {
		return mpc.Abort(j, "MtA output inconsistent with key share point")
	}
	if !curve.Equal(curve.Add(curve.BaseMul(&shares[1]), gamma1), curve.Mul(&p.phi, bigR)) {
		return mpc.Abort(j, "MtA output inconsistent with nonce point")
	}
	p.bigR[j] = bigR
	p.bigX[j] = bigX
	return nil
}

// combine exchanges the partial signatures and assembles the signature.
func (p *party) combine(ctx context.Context) (*Signature, error) {
	bigR := curve.Sum(p.bigR...)
	if curve.IsIdentity(bigR) {
		return nil, mpc.Abort(mpc.NoParty, "nonce point is the identity")
	}
	bigR.ToAffine()
	var r btcec.ModNScalar
	overflow := r.SetBytes(bigR.X.Bytes()) != 0
	if r.IsZero() {
		return nil, mpc.Abort(mpc.NoParty, "nonce x coordinate is zero")
	}

	var u, v, w, tmp btcec.ModNScalar
	u.Mul2(&p.k, &p.phi)
	v.Mul2(&p.x, &p.phi)
	for _, j := range p.sess.Peers() {
		v.Add(&p.alice[j][0]).Add(&p.bob[j][0])
		u.Add(&p.alice[j][1]).Add(&p.bob[j][1])
	}
	var m btcec.ModNScalar
	m.SetByteSlice(p.cfg.Digest)
	w.Mul2(&m, &p.phi).Add(tmp.Mul2(&r, &v))
	v.Zero()

	own := &partialMsg{W: curve.EncodeScalar(&w), U: curve.EncodeScalar(&u)}
	if testHookPartial != nil {
		testHookPartial(p.self, own)
	}
	if err := p.sess.Broadcast(ctx, roundPartial, own); err != nil {
		return nil, err
	}
	msgs, err := p.sess.Gather(ctx, roundPartial)
	if err != nil {
		return nil, err
	}
	for _, j := range p.sess.Peers() {
		var pm partialMsg
		if err := session.Decode(j, msgs[j], &pm); err != nil {
			return nil, err
		}
		wj, err := curve.ScalarFromBytes(pm.W)
		if err != nil {
			return nil, mpc.Abort(j, "malformed partial signature")
		}
		uj, err := curve.ScalarFromBytes(pm.U)
		if err != nil {
			return nil, mpc.Abort(j, "malformed partial signature")
		}
		w.Add(wj)
		u.Add(uj)
	}
	if u.IsZero() {
		return nil, mpc.Abort(mpc.NoParty, "combined nonce share is zero")
	}

	var s btcec.ModNScalar
	s.InverseValNonConst(&u).Mul(&w)
	sig := &Signature{PublicKey: curve.EncodePoint(p.deriv.PublicKey)}
	if bigR.Y.IsOdd() {
		sig.RecoveryID = 1
	}
	if overflow {
		sig.RecoveryID |= 2
	}
	if s.IsOverHalfOrder() {
		s.Negate()
		sig.RecoveryID ^= 1
	}
	copy(sig.R[:], curve.EncodeScalar(&r))
	copy(sig.S[:], curve.EncodeScalar(&s))

	if !sig.VerifyWith(curve.PublicKey(p.deriv.PublicKey), p.cfg.Digest) {
		return nil, mpc.Abort(mpc.NoParty, "combined signature does not verify")
	}
	if err := ctx.Err(); err != nil {
		return nil, mpc.FromContext(ctx)
	}
	p.sess.Log().Infof("[DSG] signature %x.. produced", sig.R[:4])
	return sig, nil
}

func (p *party) commitment(pos int, sidShare, bigR, blind []byte) []byte {
	h := curve.Hash(labelCommit, p.cfg.Setup.InstanceID[:], curve.U32(uint32(pos)), sidShare, bigR, blind)
	return h[:]
}

// mtaSession names the MtA in which bob contributes φ and alice (x, k).
func (p *party) mtaSession(bob, alice int) []byte {
	h := curve.Hash(labelMtA, p.sid, curve.U32(uint32(bob)), curve.U32(uint32(alice)))
	return h[:]
}

func (p *party) forPeers(fn func(j int) error) error {
	var g errgroup.Group
	for _, j := range p.sess.Peers() {
		j := j
		g.Go(func() error { return fn(j) })
	}
	return g.Wait()
}

func (p *party) wipe() {
	curve.WipeScalars(&p.k, &p.phi, &p.x)
	curve.Wipe(p.blind[:])
	for j := range p.alice {
		curve.WipeScalars(&p.alice[j][0], &p.alice[j][1], &p.bob[j][0], &p.bob[j][1])
	}
	for _, r := range p.receivers {
		if r != nil {
			r.Wipe()
		}
	}
}
