package proof

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dkls-node/internal/curve"
)

func TestDLogProof(t *testing.T) {
	x, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	X := curve.BaseMul(x)
	session := []byte("instance-1/party-0/coeff-0")

	p, err := ProveDLog(session, x, X, rand.Reader)
	require.NoError(t, err)
	assert.True(t, p.Verify(session, X))

	assert.False(t, p.Verify([]byte("instance-2/party-0/coeff-0"), X), "proof must not transfer across sessions")

	other := curve.BaseMul(curve.ScalarFromUint(3))
	assert.False(t, p.Verify(session, other))

	p.T[0] ^= 1
	assert.False(t, p.Verify(session, X))

	assert.False(t, (*DLog)(nil).Verify(session, X))
	assert.False(t, (&DLog{Alpha: []byte{1}, T: make([]byte, 32)}).Verify(session, X))
}
