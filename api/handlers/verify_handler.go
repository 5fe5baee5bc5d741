package handlers

import (
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"

	"dkls-node/internal/dto"
	"dkls-node/internal/tss"
)

// VerifySignature checks an ECDSA signature given as hex r||s or DER.
func VerifySignature(c *gin.Context) {
	var req dto.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	digest, err := digestOf(req.Message, req.Digest)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature must be hex encoded"})
		return
	}

	var valid bool
	if len(sig) == 64 {
		valid, err = tss.VerifySignature(req.PublicKey, digest, sig[:32], sig[32:])
	} else {
		valid, err = tss.VerifyDER(req.PublicKey, digest, sig)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.VerifyResponse{Valid: valid})
}
