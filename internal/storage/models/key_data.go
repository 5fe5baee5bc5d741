package models

import (
	"time"

	"github.com/google/uuid"
)

// KeyData is the public description of a jointly generated key.
type KeyData struct {
	KeyID     uuid.UUID  `gorm:"type:uuid;primary_key;" json:"keyId"`
	DKGKeyID  string     `gorm:"type:varchar(64);uniqueIndex" json:"dkgKeyId"`   // hex of the 32 byte id agreed in DKG
	PublicKey string     `gorm:"type:varchar(66);uniqueIndex" json:"publicKey"` // compressed, hex
	ChainCode string     `gorm:"type:varchar(64)" json:"chainCode"`
	Shares    []KeyShare `gorm:"foreignKey:KeyDataID;references:KeyID" json:"-"`
	Ranks     string     `json:"ranks"` // comma-separated, indexed by party id
	Threshold int        `json:"threshold"`
	Total     int        `json:"total"`
	CreatedAt time.Time  `json:"createdAt"`
}
