package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dkls-node/internal/config"
	"dkls-node/internal/dsg"
	"dkls-node/internal/dto"
	"dkls-node/internal/keyshare"
	"dkls-node/internal/mpc"
	"dkls-node/internal/session"
	"dkls-node/internal/storage"
	"dkls-node/internal/storage/models"
	"dkls-node/internal/tss"
)

type fakeNode struct {
	shares   []*keyshare.KeyShare
	keygens  int
	signErr  error
	sessions map[string]session.Snapshot
}

func (f *fakeNode) Keygen(_ context.Context, threshold int, _ []uint8) (string, error) {
	if threshold > 3 {
		return "", mpc.ErrSetupInvalid
	}
	f.keygens++
	return "session-1", nil
}

func (f *fakeNode) Sign(ctx context.Context, _ uuid.UUID, digest []byte, path []uint32, _ []int) (*dsg.Signature, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	return tss.SimulateSign(ctx, f.shares[:2], digest, path, time.Minute)
}

func (f *fakeNode) Session(id string) (session.Snapshot, bool) {
	s, ok := f.sessions[id]
	return s, ok
}

func setup(t *testing.T) (*gin.Engine, *fakeNode, *models.KeyData) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.Open(config.DBConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "keys.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	shares, err := tss.SimulateKeygen(context.Background(), 2, []uint8{0, 0, 0}, time.Minute)
	require.NoError(t, err)
	record, err := store.SaveKeyShares(shares...)
	require.NoError(t, err)

	node := &fakeNode{
		shares:   shares,
		sessions: map[string]session.Snapshot{"session-1": {SessionID: "session-1", Status: session.StatusRunning}},
	}
	h := NewHandler(node, store)

	router := gin.New()
	router.POST("/keys", h.GenerateKey)
	router.GET("/keys", h.GetKeys)
	router.GET("/keys/:id", h.GetKey)
	router.POST("/keys/:id/sign", h.SignMessage)
	router.POST("/verify", VerifySignature)
	router.GET("/sessions/:id", h.GetSession)
	return router, node, record
}

func do(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGenerateKey(t *testing.T) {
	router, node, _ := setup(t)

	w := do(router, http.MethodPost, "/keys", dto.KeygenRequest{Threshold: 2})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp dto.KeygenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "session-1", resp.SessionID)
	assert.Equal(t, 1, node.keygens)

	w = do(router, http.MethodPost, "/keys", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(router, http.MethodPost, "/keys", dto.KeygenRequest{Threshold: 9})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetKeys(t *testing.T) {
	router, _, record := setup(t)

	w := do(router, http.MethodGet, "/keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var keys []dto.PublicKeyData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, record.PublicKey, keys[0].PublicKey)
	assert.Equal(t, []int{0, 1, 2}, keys[0].LocalIDs)

	w = do(router, http.MethodGet, "/keys/"+record.KeyID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var key dto.PublicKeyData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &key))
	assert.Equal(t, 2, key.Threshold)
	assert.Equal(t, 3, key.Total)

	w = do(router, http.MethodGet, "/keys/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(router, http.MethodGet, "/keys/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignAndVerify(t *testing.T) {
	router, _, record := setup(t)

	w := do(router, http.MethodPost, "/keys/"+record.KeyID.String()+"/sign", dto.SignRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp dto.SignatureResponsePayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Signature)
	digest := sha256.Sum256([]byte("hello"))
	assert.Equal(t, digest[:], resp.Signature.M)
	assert.Equal(t, record.PublicKey, resp.PublicKey)

	w = do(router, http.MethodPost, "/verify", dto.VerifyRequest{
		PublicKey: resp.PublicKey,
		Message:   "hello",
		Signature: hex.EncodeToString(resp.Signature.Signature),
	})
	require.Equal(t, http.StatusOK, w.Code)
	var verified dto.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verified))
	assert.True(t, verified.Valid)

	w = do(router, http.MethodPost, "/verify", dto.VerifyRequest{
		PublicKey: resp.PublicKey,
		Digest:    hex.EncodeToString(digest[:]),
		Signature: hex.EncodeToString(resp.DER),
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verified))
	assert.True(t, verified.Valid)

	w = do(router, http.MethodPost, "/verify", dto.VerifyRequest{
		PublicKey: resp.PublicKey,
		Message:   "goodbye",
		Signature: hex.EncodeToString(resp.Signature.Signature),
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verified))
	assert.False(t, verified.Valid)
}

func TestSignRejectsBadRequests(t *testing.T) {
	router, node, record := setup(t)
	path := "/keys/" + record.KeyID.String() + "/sign"

	w := do(router, http.MethodPost, path, dto.SignRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(router, http.MethodPost, path, dto.SignRequest{Message: "a", Digest: "00"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(router, http.MethodPost, path, dto.SignRequest{Digest: "abcd"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	node.signErr = mpc.Abort(1, "bad partial")
	w = do(router, http.MethodPost, path, dto.SignRequest{Message: "hello"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	var resp dto.SignatureResponsePayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)

	node.signErr = mpc.ErrExpired
	w = do(router, http.MethodPost, path, dto.SignRequest{Message: "hello"})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestGetSession(t *testing.T) {
	router, _, _ := setup(t)

	w := do(router, http.MethodGet, "/sessions/session-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, session.StatusRunning, snap.Status)

	w = do(router, http.MethodGet, "/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
