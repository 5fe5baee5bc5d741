package tss

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dkls-node/internal/config"
	"dkls-node/internal/keyshare"
	"dkls-node/internal/mpc"
	"dkls-node/internal/storage"
)

func TestSimulateKeygenAndSign(t *testing.T) {
	ctx := context.Background()
	shares, err := SimulateKeygen(ctx, 2, []uint8{0, 0, 0}, time.Minute)
	require.NoError(t, err)
	require.Len(t, shares, 3)

	digest := sha256.Sum256([]byte("hello"))
	pub := hex.EncodeToString(shares[0].PublicKey[:])
	for _, quorum := range [][]int{{1, 2}, {0, 2}} {
		sig, err := SimulateSign(ctx, []*keyshare.KeyShare{shares[quorum[0]], shares[quorum[1]]}, digest[:], nil, time.Minute)
		require.NoError(t, err, "quorum %v", quorum)

		ok, err := VerifySignature(pub, digest[:], sig.R[:], sig.S[:])
		require.NoError(t, err)
		assert.True(t, ok)

		der, err := sig.DER()
		require.NoError(t, err)
		ok, err = VerifyDER(pub, digest[:], der)
		require.NoError(t, err)
		assert.True(t, ok)

		other := sha256.Sum256([]byte("hello!"))
		ok, err = VerifySignature(pub, other[:], sig.R[:], sig.S[:])
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestSimulateSignWrongQuorumSize(t *testing.T) {
	shares, err := SimulateKeygen(context.Background(), 2, []uint8{0, 0, 0}, time.Minute)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("hello"))
	_, err = SimulateSign(context.Background(), shares, digest[:], nil, time.Minute)
	assert.ErrorIs(t, err, mpc.ErrSetupInvalid)
}

func TestSimulateKeygenInvalidSetup(t *testing.T) {
	_, err := SimulateKeygen(context.Background(), 3, []uint8{0, 0}, time.Minute)
	assert.ErrorIs(t, err, mpc.ErrSetupInvalid)
}

func TestGenerateAndSignStored(t *testing.T) {
	store, err := storage.Open(config.DBConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "keys.db")})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	record, err := GenerateAndSaveKey(ctx, store, 2, []uint8{0, 0, 1}, time.Minute)
	require.NoError(t, err)
	assert.Len(t, record.Shares, 3)

	sig, digest, err := SignMessage(ctx, store, record.KeyID, "hello", time.Minute)
	require.NoError(t, err)
	want := sha256.Sum256([]byte("hello"))
	assert.Equal(t, want[:], digest)
	ok, err := VerifySignature(record.PublicKey, digest, sig.R[:], sig.S[:])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifySignatureRejectsBadInput(t *testing.T) {
	digest := sha256.Sum256([]byte("hello"))
	_, err := VerifySignature("zz", digest[:], []byte{1}, []byte{1})
	assert.Error(t, err)
	_, err = VerifySignature("02"+hex.EncodeToString(make([]byte, 32)), digest[:], []byte{1}, []byte{1})
	assert.Error(t, err)
	_, err = VerifyDER("zz", digest[:], []byte{0x30})
	assert.Error(t, err)
}
