package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dkls-node/internal/mpc"
	"dkls-node/internal/transport"
)

type hello struct {
	Text string `cbor:"1,keyasint"`
}

func newSessions(t *testing.T, n int) ([]*Session, *transport.Hub) {
	t.Helper()
	hub := transport.NewHub(n)
	pubs := make([]ed25519.PublicKey, n)
	privs := make([]ed25519.PrivateKey, n)
	for i := range pubs {
		var err error
		pubs[i], privs[i], err = ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
	}
	out := make([]*Session, n)
	for i := range out {
		s, err := New(Config{
			InstanceID: [32]byte{1, 2, 3},
			Protocol:   "test",
			Self:       i,
			Signer:     privs[i],
			Verifiers:  pubs,
			Transport:  hub.Endpoint(i),
			Rand:       rand.Reader,
		})
		require.NoError(t, err)
		out[i] = s
	}
	return out, hub
}

func exchangeKeys(t *testing.T, ss []*Session) {
	for _, a := range ss {
		for _, b := range ss {
			if a != b {
				require.NoError(t, a.SetPeerKey(b.Self(), b.EncryptionKey()))
			}
		}
	}
}

func TestBroadcastAndGather(t *testing.T) {
	ss, _ := newSessions(t, 3)
	ctx := context.Background()

	// Round 2 is sent before round 1 and must be buffered.
	for _, s := range ss {
		require.NoError(t, s.Broadcast(ctx, 2, hello{Text: "second"}))
		require.NoError(t, s.Broadcast(ctx, 1, hello{Text: "first"}))
	}
	for _, s := range ss {
		for _, tc := range []struct {
			round uint8
			want  string
		}{{1, "first"}, {2, "second"}} {
			msgs, err := s.Gather(ctx, tc.round)
			require.NoError(t, err)
			assert.Nil(t, msgs[s.Self()])
			for _, peer := range s.Peers() {
				var h hello
				require.NoError(t, Decode(peer, msgs[peer], &h))
				assert.Equal(t, tc.want, h.Text)
			}
		}
	}
}

func TestSealedSend(t *testing.T) {
	ss, hub := newSessions(t, 2)
	exchangeKeys(t, ss)
	ctx := context.Background()

	var wire []byte
	hub.Intercept(func(from, to int, msg []byte) []byte {
		wire = append([]byte(nil), msg...)
		return msg
	})
	require.NoError(t, ss[0].Send(ctx, 1, 1, hello{Text: "secret"}))
	assert.NotContains(t, string(wire), "secret")

	msgs, err := ss[1].Gather(ctx, 1)
	require.NoError(t, err)
	var h hello
	require.NoError(t, Decode(0, msgs[0], &h))
	assert.Equal(t, "secret", h.Text)
}

func TestTamperedSealedPayload(t *testing.T) {
	ss, hub := newSessions(t, 2)
	exchangeKeys(t, ss)
	ctx := context.Background()

	// Re-sign the tampered envelope so only the AEAD catches it.
	hub.Intercept(func(from, to int, msg []byte) []byte {
		var env Envelope
		require.NoError(t, cbor.Unmarshal(msg, &env))
		env.Payload[0] ^= 1
		env.sign(ss[0].cfg.Signer)
		out, err := env.marshal()
		require.NoError(t, err)
		return out
	})
	require.NoError(t, ss[0].Send(ctx, 1, 1, hello{Text: "x"}))
	_, err := ss[1].Gather(ctx, 1)
	party, ok := mpc.AbortingParty(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, 0, party)
}

func TestBadSignatureBlamesSender(t *testing.T) {
	ss, hub := newSessions(t, 3)
	ctx := context.Background()
	hub.Intercept(func(from, to int, msg []byte) []byte {
		if from == 2 {
			msg[len(msg)-1] ^= 1
		}
		return msg
	})
	for _, s := range ss {
		require.NoError(t, s.Broadcast(ctx, 1, hello{Text: "hi"}))
	}
	_, err := ss[0].Gather(ctx, 1)
	party, ok := mpc.AbortingParty(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, 2, party)
}

func TestDuplicates(t *testing.T) {
	ss, _ := newSessions(t, 2)
	ctx := context.Background()

	require.NoError(t, ss[1].Broadcast(ctx, 1, hello{Text: "a"}))
	require.NoError(t, ss[1].Broadcast(ctx, 1, hello{Text: "a"}))
	_, err := ss[0].Gather(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, ss[1].Broadcast(ctx, 2, hello{Text: "b"}))
	require.NoError(t, ss[1].Broadcast(ctx, 2, hello{Text: "c"}))
	require.NoError(t, ss[1].Broadcast(ctx, 3, hello{Text: "d"}))
	_, err = ss[0].Gather(ctx, 3)
	assert.ErrorIs(t, err, mpc.ErrAbort)
}

func TestStaleMessage(t *testing.T) {
	ss, _ := newSessions(t, 3)
	ctx := context.Background()
	require.NoError(t, ss[1].Broadcast(ctx, 2, hello{}))
	require.NoError(t, ss[2].Broadcast(ctx, 2, hello{}))
	_, err := ss[0].Gather(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, ss[1].Broadcast(ctx, 1, hello{}))
	_, err = ss[0].Gather(ctx, 3)
	party, ok := mpc.AbortingParty(err)
	require.True(t, ok)
	assert.Equal(t, 1, party)
}

func TestGatherExpires(t *testing.T) {
	ss, _ := newSessions(t, 3)
	require.NoError(t, ss[1].Broadcast(context.Background(), 1, hello{}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ss[0].Gather(ctx, 1)
	assert.ErrorIs(t, err, mpc.ErrExpired)
}

func TestNewRejectsForeignKey(t *testing.T) {
	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = New(Config{
		Self:      0,
		Signer:    other,
		Verifiers: []ed25519.PublicKey{pub, pub},
		Transport: transport.NewHub(2).Endpoint(0),
		Rand:      rand.Reader,
	})
	assert.ErrorIs(t, err, mpc.ErrSetupInvalid)
}
