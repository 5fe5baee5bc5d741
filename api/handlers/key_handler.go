package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dkls-node/internal/dsg"
	"dkls-node/internal/dto"
	"dkls-node/internal/logger"
	"dkls-node/internal/mpc"
	"dkls-node/internal/network"
	"dkls-node/internal/party"
	"dkls-node/internal/session"
	"dkls-node/internal/storage"
	"dkls-node/internal/storage/models"
)

// Node is the ceremony side of the API.
type Node interface {
	Keygen(ctx context.Context, threshold int, ranks []uint8) (string, error)
	Sign(ctx context.Context, keyID uuid.UUID, digest []byte, path []uint32, quorum []int) (*dsg.Signature, error)
	Session(id string) (session.Snapshot, bool)
}

// Keys reads stored keys.
type Keys interface {
	ListKeys() ([]models.KeyData, error)
	GetKey(id uuid.UUID) (*models.KeyData, error)
}

// Handler serves the key endpoints.
type Handler struct {
	node Node
	keys Keys
}

// NewHandler creates a Handler.
func NewHandler(node Node, keys Keys) *Handler {
	return &Handler{node: node, keys: keys}
}

// GenerateKey starts a DKG across the configured peers.
func (h *Handler) GenerateKey(c *gin.Context) {
	var req dto.KeygenRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	sessionID, err := h.node.Keygen(c.Request.Context(), req.Threshold, req.Ranks)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.KeygenResponse{
		SessionID: sessionID,
		Message:   "Key generation process started in the background.",
	})
}

// GetKeys lists the keys this node holds shares of.
func (h *Handler) GetKeys(c *gin.Context) {
	records, err := h.keys.ListKeys()
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]*dto.PublicKeyData, 0, len(records))
	for i := range records {
		d, err := dto.NewPublicKeyData(&records[i])
		if err != nil {
			writeError(c, err)
			return
		}
		out = append(out, d)
	}
	c.JSON(http.StatusOK, out)
}

// GetKey returns one key.
func (h *Handler) GetKey(c *gin.Context) {
	id, ok := keyParam(c)
	if !ok {
		return
	}
	record, err := h.keys.GetKey(id)
	if err != nil {
		writeError(c, err)
		return
	}
	d, err := dto.NewPublicKeyData(record)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// SignMessage runs a DSG with the key and waits for the signature.
func (h *Handler) SignMessage(c *gin.Context) {
	id, ok := keyParam(c)
	if !ok {
		return
	}
	var req dto.SignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	digest, err := digestOf(req.Message, req.Digest)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sig, err := h.node.Sign(c.Request.Context(), id, digest, req.Path, req.Quorum)
	if err != nil {
		logger.Log.Errorf("[API] signing with key %s failed: %v", id, err)
		c.JSON(statusOf(err), dto.SignatureResponsePayload{Error: err.Error()})
		return
	}
	der, err := sig.DER()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SignatureResponsePayload{
		Signature: dto.NewSignatureData(sig, digest),
		PublicKey: hex.EncodeToString(sig.PublicKey[:]),
		DER:       der,
	})
}

// GetSession reports the state of a ceremony.
func (h *Handler) GetSession(c *gin.Context) {
	snap, ok := h.node.Session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func keyParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return uuid.Nil, false
	}
	return id, true
}

func digestOf(message, digestHex string) ([]byte, error) {
	switch {
	case message != "" && digestHex != "":
		return nil, errors.New("set either message or digest, not both")
	case digestHex != "":
		d, err := hex.DecodeString(digestHex)
		if err != nil || len(d) != 32 {
			return nil, errors.New("digest must be 32 hex encoded bytes")
		}
		return d, nil
	case message != "":
		h := sha256.Sum256([]byte(message))
		return h[:], nil
	default:
		return nil, errors.New("message or digest is required")
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mpc.ErrSetupInvalid), errors.Is(err, party.ErrNoQuorum):
		return http.StatusBadRequest
	case errors.Is(err, network.ErrNotAuthority):
		return http.StatusForbidden
	case errors.Is(err, mpc.ErrExpired):
		return http.StatusGatewayTimeout
	case errors.Is(err, mpc.ErrAbort), errors.Is(err, mpc.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}
