package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// KeyShare holds a single party's exported key share.
// It belongs to a KeyData record.
type KeyShare struct {
	gorm.Model
	KeyDataID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_key_party" json:"-"`
	PartyID   int       `gorm:"uniqueIndex:idx_key_party" json:"partyId"`
	ShareData []byte    `json:"-"` // keyshare.Export blob
}
