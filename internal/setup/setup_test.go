package setup

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dkls-node/internal/mpc"
)

func newKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func testKeygen(t *testing.T, n int, threshold uint8, ranks ...uint8) *Keygen {
	t.Helper()
	k := &Keygen{Threshold: threshold, TTL: time.Minute}
	k.InstanceID[0] = 42
	for i := 0; i < n; i++ {
		pub, _ := newKey(t)
		p := Party{PublicKey: pub}
		if i < len(ranks) {
			p.Rank = ranks[i]
		}
		k.Parties = append(k.Parties, p)
	}
	return k
}

func TestKeygenValidate(t *testing.T) {
	require.NoError(t, testKeygen(t, 3, 2).Validate())
	require.NoError(t, testKeygen(t, 3, 2, 0, 1, 1).Validate())

	cases := map[string]func(k *Keygen){
		"threshold one":      func(k *Keygen) { k.Threshold = 1 },
		"threshold above n":  func(k *Keygen) { k.Threshold = 4 },
		"zero ttl":           func(k *Keygen) { k.TTL = 0 },
		"single party":       func(k *Keygen) { k.Parties = k.Parties[:1] },
		"duplicate key":      func(k *Keygen) { k.Parties[2].PublicKey = k.Parties[0].PublicKey },
		"short key":          func(k *Keygen) { k.Parties[1].PublicKey = k.Parties[1].PublicKey[:5] },
		"rank at threshold":  func(k *Keygen) { k.Parties[0].Rank = 2 },
		"all ranks too high": func(k *Keygen) { k.Parties[0].Rank, k.Parties[1].Rank, k.Parties[2].Rank = 1, 1, 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			k := testKeygen(t, 3, 2)
			mutate(k)
			assert.ErrorIs(t, k.Validate(), mpc.ErrSetupInvalid)
		})
	}
}

func TestRecoveryQuorum(t *testing.T) {
	assert.Equal(t, []int{0, 1}, RecoveryQuorum([]uint8{0, 0, 0}, 2))
	assert.Equal(t, []int{1, 3}, RecoveryQuorum([]uint8{1, 0, 1, 0}, 2))
	assert.Equal(t, []int{0, 2, 3}, RecoveryQuorum([]uint8{0, 2, 1, 0}, 3))
}

func TestSealOpenKeygen(t *testing.T) {
	authPub, authPriv := newKey(t)
	k := testKeygen(t, 3, 2, 0, 1, 0)

	blob, err := SealKeygen(k, authPriv)
	require.NoError(t, err)

	kind, err := PeekKind(blob)
	require.NoError(t, err)
	assert.Equal(t, KindKeygen, kind)

	got, err := OpenKeygen(blob, authPub, nil)
	require.NoError(t, err)
	assert.Equal(t, k, got)

	_, err = OpenKeygen(blob, authPub, func(*Keygen) bool { return false })
	assert.ErrorIs(t, err, mpc.ErrSetupInvalid)

	otherPub, _ := newKey(t)
	_, err = OpenKeygen(blob, otherPub, nil)
	assert.ErrorIs(t, err, mpc.ErrSetupInvalid)

	_, err = OpenSign(blob, authPub, nil)
	assert.ErrorIs(t, err, mpc.ErrSetupInvalid)

	blob[len(blob)-1] ^= 1
	_, err = OpenKeygen(blob, authPub, nil)
	assert.ErrorIs(t, err, mpc.ErrSetupInvalid)
}

func TestSealOpenSign(t *testing.T) {
	authPub, authPriv := newKey(t)
	p0, _ := newKey(t)
	p2, _ := newKey(t)
	s := &Sign{
		TTL:       30 * time.Second,
		ChainPath: []uint32{0, 7},
		Parties:   []SignParty{{PartyID: 0, PublicKey: p0}, {PartyID: 2, PublicKey: p2}},
	}
	s.PublicKey[0] = 0x02
	s.InstanceID[31] = 9

	blob, err := SealSign(s, authPriv)
	require.NoError(t, err)
	got, err := OpenSign(blob, authPub, func(s *Sign) bool { return len(s.Parties) == 2 })
	require.NoError(t, err)
	assert.Equal(t, s, got)

	idx, ok := got.Index(p2)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestSignValidate(t *testing.T) {
	p0, _ := newKey(t)
	p1, _ := newKey(t)
	base := func() *Sign {
		return &Sign{TTL: time.Second, Parties: []SignParty{{PartyID: 0, PublicKey: p0}, {PartyID: 1, PublicKey: p1}}}
	}
	require.NoError(t, base().Validate())

	s := base()
	s.Parties[1].PartyID = 0
	assert.ErrorIs(t, s.Validate(), mpc.ErrSetupInvalid)

	s = base()
	s.ChainPath = []uint32{1 << 31}
	assert.ErrorIs(t, s.Validate(), mpc.ErrSetupInvalid)

	s = base()
	s.Parties = s.Parties[:1]
	assert.ErrorIs(t, s.Validate(), mpc.ErrSetupInvalid)
}
