package dto

import (
	"time"

	"github.com/google/uuid"

	"dkls-node/internal/storage"
	"dkls-node/internal/storage/models"
)

// PublicKeyData is the part of a stored key that can be shown to clients.
type PublicKeyData struct {
	KeyID     uuid.UUID `json:"keyId"`
	DKGKeyID  string    `json:"dkgKeyId"`
	PublicKey string    `json:"publicKey"`
	ChainCode string    `json:"chainCode"`
	Threshold int       `json:"threshold"`
	Total     int       `json:"total"`
	Ranks     []uint8   `json:"ranks"`
	LocalIDs  []int     `json:"localPartyIds,omitempty"` // shares held by this node
	CreatedAt time.Time `json:"createdAt"`
}

// NewPublicKeyData converts a stored key record.
func NewPublicKeyData(k *models.KeyData) (*PublicKeyData, error) {
	ranks, err := storage.ParseRanks(k.Ranks)
	if err != nil {
		return nil, err
	}
	out := &PublicKeyData{
		KeyID:     k.KeyID,
		DKGKeyID:  k.DKGKeyID,
		PublicKey: k.PublicKey,
		ChainCode: k.ChainCode,
		Threshold: k.Threshold,
		Total:     k.Total,
		Ranks:     ranks,
		CreatedAt: k.CreatedAt,
	}
	for _, s := range k.Shares {
		out.LocalIDs = append(out.LocalIDs, s.PartyID)
	}
	return out, nil
}
