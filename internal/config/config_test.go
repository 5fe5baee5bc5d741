package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	path := writeConfig(t, `
node:
  name: node-0
  identity_key: `+hex.EncodeToString(priv.Seed())+`
peers:
  - name: node-0
    address: 127.0.0.1:7000
    public_key: `+hex.EncodeToString(pub)+`
setup:
  authority_key: `+hex.EncodeToString(priv.Seed())+`
  ttl: 30s
database:
  type: sqlite
  path: /tmp/keys.db
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "node-0", cfg.Node.Name)
	assert.Equal(t, "127.0.0.1:8080", cfg.Node.APIAddr)
	assert.Equal(t, 30*time.Second, cfg.Setup.TTL)
	assert.Equal(t, 2, cfg.Setup.Threshold)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.True(t, cfg.Metrics.Enabled)

	id, err := cfg.IdentityKey()
	require.NoError(t, err)
	assert.Equal(t, priv, id)
	peer, err := cfg.PeerPublicKey("node-0")
	require.NoError(t, err)
	assert.Equal(t, pub, peer)
	_, err = cfg.PeerPublicKey("node-9")
	assert.Error(t, err)

	authority, err := cfg.AuthorityPublicKey()
	require.NoError(t, err)
	assert.Equal(t, pub, authority)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, "database:\n  type: sqlite\n")
	t.Setenv("DKLS_DATABASE_PATH", "/var/lib/dkls/keys.db")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/dkls/keys.db", cfg.Database.Path)
}

func TestLoadConfigInvalid(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "database:\n  type: mysql\n"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "node:\n  identity_key: abcd\n"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "peers:\n  - name: a\n    public_key: zz\n"))
	assert.Error(t, err)
}

func TestAuthorityKeyMissing(t *testing.T) {
	cfg := &Config{}
	_, err := cfg.AuthorityKey()
	assert.Error(t, err)
	_, err = cfg.AuthorityPublicKey()
	assert.Error(t, err)
}
