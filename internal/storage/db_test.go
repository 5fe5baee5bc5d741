package storage

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dkls-node/internal/config"
	"dkls-node/internal/dkg"
	"dkls-node/internal/keyshare"
	"dkls-node/internal/setup"
	"dkls-node/internal/transport"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.DBConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "keys.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func generateShares(t *testing.T, ranks []uint8) []*keyshare.KeyShare {
	t.Helper()
	id, err := setup.NewInstanceID()
	require.NoError(t, err)
	desc := &setup.Keygen{InstanceID: id, Threshold: 2, TTL: time.Minute}
	keys := make([]ed25519.PrivateKey, len(ranks))
	for i, r := range ranks {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		keys[i] = priv
		desc.Parties = append(desc.Parties, setup.Party{Rank: r, PublicKey: pub})
	}
	hub := transport.NewHub(len(ranks))
	defer hub.Close()

	shares := make([]*keyshare.KeyShare, len(ranks))
	errs := make([]error, len(ranks))
	var wg sync.WaitGroup
	for i := range ranks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			shares[i], errs[i] = dkg.Run(context.Background(), dkg.Config{Setup: desc, Signer: keys[i], Transport: hub.Endpoint(i)})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "party %d", i)
	}
	return shares
}

func TestStoreSaveAndLoad(t *testing.T) {
	s := openTestStore(t)
	shares := generateShares(t, []uint8{0, 0, 1})

	record, err := s.SaveKeyShares(shares[2], shares[0])
	require.NoError(t, err)
	assert.Equal(t, KeyUUID(shares[0].KeyID), record.KeyID)
	assert.Equal(t, 2, record.Threshold)
	assert.Equal(t, 3, record.Total)
	assert.Equal(t, "0,0,1", record.Ranks)
	assert.Len(t, record.Shares, 2)

	ranks, err := ParseRanks(record.Ranks)
	require.NoError(t, err)
	assert.Equal(t, shares[0].Ranks, ranks)

	got, err := s.LoadKeyShare(record.KeyID, 2)
	require.NoError(t, err)
	assert.Equal(t, shares[2], got)

	all, err := s.LoadKeyShares(record.KeyID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, shares[0], all[0])
	assert.Equal(t, shares[2], all[1])

	_, err = s.LoadKeyShare(record.KeyID, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSaveIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	shares := generateShares(t, []uint8{0, 0, 0})

	_, err := s.SaveKeyShares(shares[1])
	require.NoError(t, err)
	record, err := s.SaveKeyShares(shares...)
	require.NoError(t, err)
	assert.Len(t, record.Shares, 3)

	keys, err := s.ListKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, record.PublicKey, keys[0].PublicKey)
}

func TestStoreRejectsMixedKeys(t *testing.T) {
	s := openTestStore(t)
	a := generateShares(t, []uint8{0, 0})
	b := generateShares(t, []uint8{0, 0})
	_, err := s.SaveKeyShares(a[0], b[1])
	assert.Error(t, err)
	_, err = s.SaveKeyShares()
	assert.Error(t, err)
}

func TestStoreUnknownKey(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetKey(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadKeyShares(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.DBConfig{Type: "mysql"})
	assert.Error(t, err)
}

func TestParseRanks(t *testing.T) {
	r, err := ParseRanks("")
	require.NoError(t, err)
	assert.Nil(t, r)
	_, err = ParseRanks("0,x")
	assert.Error(t, err)
}
