package dsg

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dkls-node/internal/curve"
	"dkls-node/internal/dkg"
	"dkls-node/internal/keyshare"
	"dkls-node/internal/mpc"
	"dkls-node/internal/setup"
	"dkls-node/internal/transport"
)

type keyset struct {
	shares []*keyshare.KeyShare
	keys   []ed25519.PrivateKey
}

var (
	sharedOnce sync.Once
	shared     *keyset
)

// generate runs a 2-of-3 DKG once per test binary.
func generate(t *testing.T) *keyset {
	t.Helper()
	sharedOnce.Do(func() { shared = runDKG(t, 2, 3) })
	require.NotNil(t, shared, "dkg failed")
	return shared
}

func runDKG(t *testing.T, threshold, n int) *keyset {
	id, err := setup.NewInstanceID()
	require.NoError(t, err)
	ks := &keyset{shares: make([]*keyshare.KeyShare, n)}
	desc := &setup.Keygen{InstanceID: id, Threshold: uint8(threshold), TTL: time.Minute}
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		ks.keys = append(ks.keys, priv)
		desc.Parties = append(desc.Parties, setup.Party{PublicKey: pub})
	}
	hub := transport.NewHub(n)
	defer hub.Close()

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ks.shares[i], errs[i] = dkg.Run(context.Background(), dkg.Config{
				Setup: desc, Signer: ks.keys[i], Transport: hub.Endpoint(i),
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "dkg party %d", i)
	}
	return ks
}

type signResult struct {
	pos int
	sig *Signature
	err error
}

type signing struct {
	setup  *setup.Sign
	hub    *transport.Hub
	quorum []int
	set    *keyset
}

func newSigning(t *testing.T, set *keyset, quorum []int, path []uint32, ttl time.Duration) *signing {
	t.Helper()
	id, err := setup.NewInstanceID()
	require.NoError(t, err)
	desc := &setup.Sign{InstanceID: id, TTL: ttl, PublicKey: set.shares[0].PublicKey, ChainPath: path}
	for _, pid := range quorum {
		desc.Parties = append(desc.Parties, setup.SignParty{
			PartyID:   uint8(pid),
			PublicKey: set.keys[pid].Public().(ed25519.PublicKey),
		})
	}
	return &signing{setup: desc, hub: transport.NewHub(len(quorum)), quorum: quorum, set: set}
}

// run signs with the quorum positions in pos. Once stop reports true the
// remaining parties are cancelled.
func (s *signing) run(digest []byte, pos []int, stop func(map[int]signResult) bool) map[int]signResult {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan signResult, len(pos))
	for _, p := range pos {
		p := p
		pid := s.quorum[p]
		go func() {
			sig, err := Run(ctx, Config{
				Setup:     s.setup,
				KeyShare:  s.set.shares[pid],
				Digest:    digest,
				Signer:    s.set.keys[pid],
				Transport: s.hub.Endpoint(p),
			})
			ch <- signResult{pos: p, sig: sig, err: err}
		}()
	}
	got := make(map[int]signResult, len(pos))
	for len(got) < len(pos) {
		r := <-ch
		got[r.pos] = r
		if stop != nil && stop(got) {
			cancel()
		}
	}
	return got
}

func (s *signing) runAll(t *testing.T, digest []byte) []*Signature {
	t.Helper()
	pos := make([]int, len(s.quorum))
	for i := range pos {
		pos[i] = i
	}
	got := s.run(digest, pos, nil)
	out := make([]*Signature, len(pos))
	for p, r := range got {
		require.NoError(t, r.err, "position %d", p)
		out[p] = r.sig
	}
	return out
}

func hello() []byte {
	h := sha256.Sum256([]byte("hello"))
	return h[:]
}

func TestSignAnyQuorum(t *testing.T) {
	set := generate(t)
	pub, err := btcec.ParsePubKey(set.shares[0].PublicKey[:])
	require.NoError(t, err)

	for _, quorum := range [][]int{{1, 2}, {0, 2}, {0, 1}} {
		sigs := newSigning(t, set, quorum, nil, time.Minute).runAll(t, hello())
		for _, sig := range sigs {
			assert.Equal(t, sigs[0], sig, "quorum %v", quorum)
		}
		sig := sigs[0]
		assert.True(t, sig.Verify(hello()))

		s, err := curve.ScalarFromBytes(sig.S[:])
		require.NoError(t, err)
		assert.False(t, s.IsOverHalfOrder(), "signature is not low-s")

		der, err := sig.DER()
		require.NoError(t, err)
		parsed, err := ecdsa.ParseDERSignature(der)
		require.NoError(t, err)
		assert.True(t, parsed.Verify(hello(), pub))
	}
}

func TestSignRecoveryID(t *testing.T) {
	set := generate(t)
	sig := newSigning(t, set, []int{0, 1}, nil, time.Minute).runAll(t, hello())[0]

	compact := make([]byte, 65)
	compact[0] = 27 + 4 + sig.RecoveryID
	copy(compact[1:], sig.R[:])
	copy(compact[33:], sig.S[:])
	recovered, compressed, err := ecdsa.RecoverCompact(compact, hello())
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Equal(t, set.shares[0].PublicKey[:], recovered.SerializeCompressed())
	assert.Len(t, sig.Compact(), 65)
}

func TestSignDerivedKey(t *testing.T) {
	set := generate(t)
	path := []uint32{44, 0, 7}
	deriv, err := set.shares[0].DerivePublicKey(path)
	require.NoError(t, err)

	sig := newSigning(t, set, []int{2, 0}, path, time.Minute).runAll(t, hello())[0]
	child := curve.EncodePoint(deriv.PublicKey)
	assert.Equal(t, child, sig.PublicKey)
	assert.True(t, sig.Verify(hello()))
	assert.False(t, sig.VerifyWith(curve.PublicKey(mustPublic(t, set.shares[0])), hello()))
}

func TestSignTamperedReply(t *testing.T) {
	set := generate(t)
	tampers := map[string]func(m *mtaReply){
		"gamma": func(m *mtaReply) {
			m.Gamma0 = curve.PointBytes(curve.BaseMul(curve.ScalarFromUint(3)))
		},
		"nonce": func(m *mtaReply) {
			m.R = curve.PointBytes(curve.BaseMul(curve.ScalarFromUint(11)))
		},
		"key point": func(m *mtaReply) {
			m.X = curve.PointBytes(curve.BaseMul(curve.ScalarFromUint(13)))
		},
	}
	for name, tamper := range tampers {
		t.Run(name, func(t *testing.T) {
			for tamperer := 0; tamperer < 2; tamperer++ {
				victim := 1 - tamperer
				s := newSigning(t, set, []int{1, 2}, nil, time.Minute)
				testHookReply = func(self, to int, m *mtaReply) {
					if self == tamperer {
						tamper(m)
					}
				}
				got := s.run(hello(), []int{0, 1}, doneForPos(victim))
				testHookReply = nil

				party, ok := mpc.AbortingParty(got[victim].err)
				require.True(t, ok, "victim: %v", got[victim].err)
				assert.Equal(t, tamperer, party)
				assert.Nil(t, got[victim].sig)
			}
		})
	}
}

func TestSignCorruptedPartial(t *testing.T) {
	set := generate(t)
	s := newSigning(t, set, []int{0, 2}, nil, time.Minute)
	testHookPartial = func(self int, m *partialMsg) {
		if self == 1 {
			w, err := curve.ScalarFromBytes(m.W)
			if err != nil {
				return
			}
			m.W = curve.EncodeScalar(w.Add(curve.ScalarFromUint(1)))
		}
	}
	got := s.run(hello(), []int{0, 1}, doneForPos(0))
	testHookPartial = nil

	assert.ErrorIs(t, got[0].err, mpc.ErrAbort)
	assert.Nil(t, got[0].sig)
}

func TestSignExpires(t *testing.T) {
	set := generate(t)
	s := newSigning(t, set, []int{0, 1}, nil, 300*time.Millisecond)
	got := s.run(hello(), []int{0}, nil)
	assert.ErrorIs(t, got[0].err, mpc.ErrExpired)
	assert.Nil(t, got[0].sig)
}

func TestSignRejectsInvalidSetup(t *testing.T) {
	set := generate(t)
	cases := map[string]func(cfg *Config){
		"short digest": func(cfg *Config) { cfg.Digest = cfg.Digest[:31] },
		"wrong key": func(cfg *Config) {
			cfg.Setup.PublicKey = curve.EncodePoint(curve.BaseMul(curve.ScalarFromUint(2)))
		},
		"quorum too large": func(cfg *Config) {
			cfg.Setup.Parties = append(cfg.Setup.Parties, setup.SignParty{
				PartyID: 2, PublicKey: set.keys[2].Public().(ed25519.PublicKey),
			})
		},
		"mislabelled share": func(cfg *Config) { cfg.KeyShare = set.shares[1] },
		"outsider": func(cfg *Config) {
			_, priv, err := ed25519.GenerateKey(rand.Reader)
			if err == nil {
				cfg.Signer = priv
			}
		},
		"hardened path": func(cfg *Config) { cfg.Setup.ChainPath = []uint32{keyshare.HardenedOffset} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := newSigning(t, set, []int{0, 2}, nil, time.Minute)
			cfg := Config{
				Setup:     s.setup,
				KeyShare:  set.shares[0],
				Digest:    hello(),
				Signer:    set.keys[0],
				Transport: s.hub.Endpoint(0),
			}
			mutate(&cfg)
			sig, err := Run(context.Background(), cfg)
			assert.ErrorIs(t, err, mpc.ErrSetupInvalid)
			assert.Nil(t, sig)
		})
	}
}

func TestSignAfterExportImport(t *testing.T) {
	set := generate(t)
	restored := &keyset{keys: set.keys, shares: make([]*keyshare.KeyShare, len(set.shares))}
	for i, ks := range set.shares {
		blob, err := keyshare.Export(ks)
		require.NoError(t, err)
		restored.shares[i], err = keyshare.Import(blob)
		require.NoError(t, err)
	}
	sig := newSigning(t, restored, []int{2, 1}, nil, time.Minute).runAll(t, hello())[0]
	assert.True(t, sig.Verify(hello()))
}

func mustPublic(t *testing.T, ks *keyshare.KeyShare) *btcec.JacobianPoint {
	t.Helper()
	pub, err := ks.Public()
	require.NoError(t, err)
	return pub
}

func doneForPos(pos ...int) func(map[int]signResult) bool {
	return func(got map[int]signResult) bool {
		for _, p := range pos {
			if _, ok := got[p]; !ok {
				return false
			}
		}
		return true
	}
}
