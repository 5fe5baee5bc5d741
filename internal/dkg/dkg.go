// Package dkg runs distributed key generation: Feldman VSS with
// commit-then-reveal, DLog proofs of every coefficient and the pairwise
// base-OT bootstrap the signing protocol relies on.
package dkg

import (
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
	"dkls-node/internal/proof"
	"dkls-node/internal/session"
	"dkls-node/internal/setup"
	"dkls-node/internal/transport"
)

// Config is the input of one party to a DKG run.
type Config struct {
	Setup     *setup.Keygen
	Signer    ed25519.PrivateKey
	Transport transport.Transport
	// Rand defaults to crypto/rand. It is read from several goroutines.
	Rand io.Reader
}

// Hooks that let tests play a party deviating from the protocol.
var (
	testHookReveal func(self int, m *revealMsg)
	testHookShare  func(self, to int, m *shareMsg)
)

// Run executes the DKG for the party owning cfg.Signer. It blocks until
// the key share is ready or the run fails; it never returns both.
func Run(ctx context.Context, cfg Config) (*keyshare.KeyShare, error) {
	if cfg.Setup == nil {
		return nil, mpc.SetupInvalid("missing keygen setup")
	}
	if err := cfg.Setup.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Signer) != ed25519.PrivateKeySize {
		return nil, mpc.SetupInvalid("missing signing key")
	}
	self, ok := cfg.Setup.Index(cfg.Signer.Public().(ed25519.PublicKey))
	if !ok {
		return nil, mpc.SetupInvalid("signing key is not a party of this keygen")
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.Reader
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Setup.TTL)
	defer cancel()
	done := metrics.SessionStarted("dkg")

	sess, err := session.New(session.Config{
		InstanceID: cfg.Setup.InstanceID,
		Protocol:   "dkg",
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

	n := len(cfg.Setup.Parties)
	p := &party{
		setup:         cfg.Setup,
		sess:          sess,
		rand:          rnd,
		self:          self,
		n:             n,
		t:             int(cfg.Setup.Threshold),
		ranks:         cfg.Setup.Ranks(),
		round1:        make([]*commitMsg, n),
		polys:         make([]curve.GroupPolynomial, n),
		chains:        make([][]byte, n),
		shares:        make([]btcec.ModNScalar, n),
		senders:       make([]*ot.VSOTSender, n),
		receivers:     make([]*ot.VSOTReceiver, n),
		senderSeeds:   make([]*ot.SenderSeed, n),
		receiverSeeds: make([]*ot.ReceiverSeed, n),
		zeroOwn:       make([][32]byte, n),
		zeroSeeds:     make([][32]byte, n),
	}
	defer p.wipe()

	sess.Log().Infof("[DKG] starting t=%d n=%d rank=%d", p.t, n, p.ranks[self])
	ks, err := p.run(ctx)
	if err != nil {
		p.wipeSeeds()
		ks = nil
	}
	sess.Finish(err)
	done(mpc.Kind(err))
	return ks, err
}

type party struct {
	setup *setup.Keygen
	sess  *session.Session
	rand  io.Reader
	self  int
	n, t  int
	ranks []uint8

	sidShare [32]byte
	blind    [32]byte
	chain    [32]byte
	poly     curve.Polynomial

	round1 []*commitMsg
	sid    []byte
	echo   [32]byte
	polys  []curve.GroupPolynomial
	chains [][]byte
	shares []btcec.ModNScalar

	senders       []*ot.VSOTSender
	receivers     []*ot.VSOTReceiver
	senderSeeds   []*ot.SenderSeed
	receiverSeeds []*ot.ReceiverSeed
	zeroOwn       [][32]byte
	zeroSeeds     [][32]byte
}

func (p *party) run(ctx context.Context) (*keyshare.KeyShare, error) {
	if err := p.commit(ctx); err != nil {
		return nil, err
	}
	if err := p.reveal(ctx); err != nil {
		return nil, err
	}
	if err := p.distribute(ctx); err != nil {
		return nil, err
	}
	if err := p.bootstrapOT(ctx); err != nil {
		return nil, err
	}
	return p.finalize(ctx)
}

// commit samples the polynomial and broadcasts a hash commitment to it.
func (p *party) commit(ctx context.Context) error {
	poly, err := curve.RandomPolynomial(p.rand, p.t)
	if err != nil {
		return err
	}
	p.poly = poly
	p.polys[p.self] = poly.Commit()
	for _, b := range [][]byte{p.sidShare[:], p.blind[:], p.chain[:]} {
		if _, err := io.ReadFull(p.rand, b); err != nil {
			return err
		}
	}
	p.chains[p.self] = p.chain[:]

	own := &commitMsg{
		SessionShare: p.sidShare[:],
		Commitment:   p.commitment(p.self, p.sidShare[:], p.polys[p.self].Encode(), p.blind[:], p.chain[:]),
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

	parts := [][]byte{p.setup.InstanceID[:]}
	echoParts := make([][]byte, 0, 3*p.n)
	for _, m := range p.round1 {
		parts = append(parts, m.SessionShare)
		echoParts = append(echoParts, m.SessionShare, m.Commitment, m.EncKey)
	}
	sid := curve.Hash(labelSID, parts...)
	p.sid = sid[:]
	p.echo = curve.Hash(labelEcho, echoParts...)
	return nil
}

// reveal opens the commitments with DLog proofs for every coefficient and
// checks the peers' openings.
func (p *party) reveal(ctx context.Context) error {
	own := p.polys[p.self]
	proofs := make([]*proof.DLog, p.t)
	for k := range proofs {
		pr, err := proof.ProveDLog(p.dlogSession(p.self, k), &p.poly[k], &own[k], p.rand)
		if err != nil {
			return err
		}
		proofs[k] = pr
	}
	msg := &revealMsg{
		Commitments: own.Encode(),
		Blind:       p.blind[:],
		ChainCode:   p.chain[:],
		Proofs:      proofs,
		Echo:        p.echo[:],
	}
	if testHookReveal != nil {
		testHookReveal(p.self, msg)
	}
	if err := p.sess.Broadcast(ctx, roundReveal, msg); err != nil {
		return err
	}

	msgs, err := p.sess.Gather(ctx, roundReveal)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, j := range p.sess.Peers() {
		j := j
		g.Go(func() error { return p.checkReveal(j, msgs[j]) })
	}
	return g.Wait()
}

func (p *party) checkReveal(j int, raw []byte) error {
	var m revealMsg
	if err := session.Decode(j, raw, &m); err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(m.Echo, p.echo[:]) != 1 {
		return mpc.Abort(j, "first round echo mismatch")
	}
	if len(m.Blind) != 32 || len(m.ChainCode) != 32 || len(m.Proofs) != p.t {
		return mpc.Abort(j, "malformed reveal")
	}
	poly, err := curve.DecodeGroupPolynomial(m.Commitments, p.t)
	if err != nil {
		return mpc.Abort(j, "malformed polynomial commitments: %v", err)
	}
	want := p.commitment(j, p.round1[j].SessionShare, m.Commitments, m.Blind, m.ChainCode)
	if subtle.ConstantTimeCompare(want, p.round1[j].Commitment) != 1 {
		return mpc.Abort(j, "reveal does not open the commitment")
	}
	for k := range poly {
		if !m.Proofs[k].Verify(p.dlogSession(j, k), &poly[k]) {
			return mpc.Abort(j, "invalid proof for coefficient %d", k)
		}
	}
	p.polys[j] = poly
	p.chains[j] = m.ChainCode
	return nil
}

// distribute sends every peer its VSS share together with the first base-OT
// message and checks the shares received.
func (p *party) distribute(ctx context.Context) error {
	out := make([]*shareMsg, p.n)
	err := p.forPeers(func(j int) error {
		d := p.poly.DerivativeAt(int(p.ranks[j]), curve.PartyX(j))
		sender, msg1, err := ot.NewVSOTSender(p.vsotSession(p.self, j), p.rand)
		if err != nil {
			return err
		}
		p.senders[j] = sender
		out[j] = &shareMsg{Share: curve.EncodeScalar(d), OT: msg1}
		d.Zero()
		return nil
	})
	if err != nil {
		return err
	}
	own := p.poly.DerivativeAt(int(p.ranks[p.self]), curve.PartyX(p.self))
	p.shares[p.self].Set(own)
	own.Zero()

	for _, j := range p.sess.Peers() {
		if testHookShare != nil {
			testHookShare(p.self, j, out[j])
		}
		err := p.sess.Send(ctx, roundShare, j, out[j])
		curve.Wipe(out[j].Share)
		if err != nil {
			return err
		}
	}

	msgs, err := p.sess.Gather(ctx, roundShare)
	if err != nil {
		return err
	}
	replies := make([]*ot.VSOTMsg2, p.n)
	err = p.forPeers(func(j int) error {
		var m shareMsg
		if err := session.Decode(j, msgs[j], &m); err != nil {
			return err
		}
		d, err := curve.ScalarFromBytes(m.Share)
		curve.Wipe(m.Share)
		if err != nil {
			return mpc.Abort(j, "malformed share")
		}
		defer d.Zero()
		expect := p.polys[j].DerivativeAt(int(p.ranks[p.self]), curve.PartyX(p.self))
		if !curve.Equal(curve.BaseMul(d), expect) {
			return mpc.Abort(j, "share does not match the polynomial commitments")
		}
		p.shares[j].Set(d)

		receiver, err := ot.NewVSOTReceiver(p.vsotSession(j, p.self), p.rand)
		if err != nil {
			return err
		}
		p.receivers[j] = receiver
		if replies[j], err = receiver.Blind(m.OT); err != nil {
			return mpc.Abort(j, "base OT: %v", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return p.sendEach(ctx, roundOT2, func(j int) interface{} { return replies[j] })
}

// bootstrapOT finishes the base OTs of every ordered pair and agrees on
// the pairwise zero-share seeds.
func (p *party) bootstrapOT(ctx context.Context) error {
	msgs, err := p.sess.Gather(ctx, roundOT2)
	if err != nil {
		return err
	}
	challenges := make([]*ot.VSOTMsg3, p.n)
	err = p.forPeers(func(j int) error {
		var m ot.VSOTMsg2
		if err := session.Decode(j, msgs[j], &m); err != nil {
			return err
		}
		var err error
		if challenges[j], err = p.senders[j].Challenge(&m); err != nil {
			return mpc.Abort(j, "base OT: %v", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := p.sendEach(ctx, roundOT3, func(j int) interface{} { return challenges[j] }); err != nil {
		return err
	}

	if msgs, err = p.sess.Gather(ctx, roundOT3); err != nil {
		return err
	}
	responses := make([]*ot.VSOTMsg4, p.n)
	err = p.forPeers(func(j int) error {
		var m ot.VSOTMsg3
		if err := session.Decode(j, msgs[j], &m); err != nil {
			return err
		}
		var err error
		if responses[j], err = p.receivers[j].Respond(&m); err != nil {
			return mpc.Abort(j, "base OT: %v", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := p.sendEach(ctx, roundOT4, func(j int) interface{} { return responses[j] }); err != nil {
		return err
	}

	if msgs, err = p.sess.Gather(ctx, roundOT4); err != nil {
		return err
	}
	openings := make([]*otFinishMsg, p.n)
	err = p.forPeers(func(j int) error {
		var m ot.VSOTMsg4
		if err := session.Decode(j, msgs[j], &m); err != nil {
			return err
		}
		msg5, seed, err := p.senders[j].Open(&m)
		if err != nil {
			return mpc.Abort(j, "base OT: %v", err)
		}
		p.senderSeeds[j] = seed
		if _, err := io.ReadFull(p.rand, p.zeroOwn[j][:]); err != nil {
			return err
		}
		openings[j] = &otFinishMsg{OT: msg5, ZeroSeed: p.zeroOwn[j][:]}
		return nil
	})
	if err != nil {
		return err
	}
	if err := p.sendEach(ctx, roundOT5, func(j int) interface{} { return openings[j] }); err != nil {
		return err
	}

	if msgs, err = p.sess.Gather(ctx, roundOT5); err != nil {
		return err
	}
	return p.forPeers(func(j int) error {
		var m otFinishMsg
		if err := session.Decode(j, msgs[j], &m); err != nil {
			return err
		}
		if len(m.ZeroSeed) != 32 {
			return mpc.Abort(j, "malformed zero-share seed")
		}
		seed, err := p.receivers[j].Finish(m.OT)
		if err != nil {
			return mpc.Abort(j, "base OT: %v", err)
		}
		p.receiverSeeds[j] = seed

		lo, hi := p.zeroOwn[j][:], m.ZeroSeed
		if j < p.self {
			lo, hi = hi, lo
		}
		p.zeroSeeds[j] = curve.Hash(labelZero, p.sid, lo, hi)
		curve.Wipe(m.ZeroSeed)
		return nil
	})
}

// finalize sums the shares, derives the public values and checks that
// every party arrived at the same key.
func (p *party) finalize(ctx context.Context) (*keyshare.KeyShare, error) {
	var secret btcec.ModNScalar
	for j := range p.shares {
		secret.Add(&p.shares[j])
	}
	defer secret.Zero()

	joint := p.polys[0]
	for _, g := range p.polys[1:] {
		joint = joint.Add(g)
	}
	pub := joint.Constant()
	if curve.IsIdentity(pub) {
		return nil, mpc.Abort(mpc.NoParty, "joint public key is the identity")
	}

	bigS := make([][curve.PointSize]byte, p.n)
	points := make([]*btcec.JacobianPoint, p.n)
	for k := 0; k < p.n; k++ {
		points[k] = joint.DerivativeAt(int(p.ranks[k]), curve.PartyX(k))
		bigS[k] = curve.EncodePoint(points[k])
	}
	if !curve.Equal(curve.BaseMul(&secret), points[p.self]) {
		return nil, mpc.Abort(mpc.NoParty, "own share does not match the joint commitments")
	}
	ids := setup.RecoveryQuorum(p.ranks, p.t)
	quorum := make([]*btcec.JacobianPoint, len(ids))
	for i, id := range ids {
		quorum[i] = points[id]
	}
	recovered, err := curve.InterpolatePoints(setup.Nodes(ids, p.ranks), quorum)
	if err != nil || !curve.Equal(recovered, pub) {
		return nil, mpc.Abort(mpc.NoParty, "share commitments do not recover the public key")
	}

	chain := curve.Hash(labelChain, append([][]byte{p.sid}, p.chains...)...)
	pubEnc := curve.EncodePoint(pub)
	parts := [][]byte{p.sid, pubEnc[:], chain[:]}
	for k := range bigS {
		parts = append(parts, bigS[k][:])
	}
	digest := curve.Hash(labelConfirm, parts...)
	if err := p.sess.Broadcast(ctx, roundConfirm, &confirmMsg{Digest: digest[:]}); err != nil {
		return nil, err
	}
	msgs, err := p.sess.Gather(ctx, roundConfirm)
	if err != nil {
		return nil, err
	}
	for _, j := range p.sess.Peers() {
		var m confirmMsg
		if err := session.Decode(j, msgs[j], &m); err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(m.Digest, digest[:]) != 1 {
			return nil, mpc.Abort(j, "disagrees on the generated key")
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, mpc.FromContext(ctx)
	}

	ks := &keyshare.KeyShare{
		KeyID:            curve.Hash(labelKeyID, p.sid, pubEnc[:]),
		PartyID:          uint8(p.self),
		Threshold:        uint8(p.t),
		Ranks:            append([]uint8{}, p.ranks...),
		PublicKey:        pubEnc,
		ShareCommitments: bigS,
		ChainCode:        chain,
		ZeroSeeds:        p.zeroSeeds,
		SenderSeeds:      p.senderSeeds,
		ReceiverSeeds:    p.receiverSeeds,
	}
	copy(ks.SecretShare[:], curve.EncodeScalar(&secret))
	p.sess.Log().Infof("[DKG] key %x generated", ks.KeyID[:8])
	return ks, nil
}

func (p *party) commitment(i int, sidShare []byte, commits [][]byte, blind, chain []byte) []byte {
	parts := [][]byte{p.setup.InstanceID[:], curve.U32(uint32(i)), {p.ranks[i]}, sidShare, blind, chain}
	parts = append(parts, commits...)
	h := curve.Hash(labelCommit, parts...)
	return h[:]
}

func (p *party) dlogSession(i, k int) []byte {
	h := curve.Hash(labelDLog, p.sid, curve.U32(uint32(i)), curve.U32(uint32(k)))
	return h[:]
}

// vsotSession names the base-OT instance in which sender is the OT sender.
func (p *party) vsotSession(sender, receiver int) []byte {
	h := curve.Hash(labelVSOT, p.sid, curve.U32(uint32(sender)), curve.U32(uint32(receiver)))
	return h[:]
}

// forPeers runs fn for every peer concurrently and returns the first error.
func (p *party) forPeers(fn func(j int) error) error {
	var g errgroup.Group
	for _, j := range p.sess.Peers() {
		j := j
		g.Go(func() error { return fn(j) })
	}
	return g.Wait()
}

func (p *party) sendEach(ctx context.Context, round uint8, msg func(j int) interface{}) error {
	for _, j := range p.sess.Peers() {
		if err := p.sess.Send(ctx, round, j, msg(j)); err != nil {
			return err
		}
	}
	return nil
}

func (p *party) wipe() {
	p.poly.Wipe()
	curve.Wipe(p.blind[:])
	for i := range p.shares {
		p.shares[i].Zero()
	}
	for i := range p.zeroOwn {
		curve.Wipe(p.zeroOwn[i][:])
	}
	for _, s := range p.senders {
		if s != nil {
			s.Wipe()
		}
	}
	for _, r := range p.receivers {
		if r != nil {
			r.Wipe()
		}
	}
}

func (p *party) wipeSeeds() {
	for i := range p.zeroSeeds {
		curve.Wipe(p.zeroSeeds[i][:])
	}
	for _, s := range p.senderSeeds {
		if s != nil {
			s.Wipe()
		}
	}
	for _, s := range p.receiverSeeds {
		if s != nil {
			s.Wipe()
		}
	}
}
