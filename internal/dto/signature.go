package dto

import (
	"github.com/bnb-chain/tss-lib/v2/common"

	"dkls-node/internal/dsg"
)

// SignatureResponsePayload is returned by the sign endpoint.
type SignatureResponsePayload struct {
	Signature *common.SignatureData `json:"signature,omitempty"`
	PublicKey string                `json:"publicKey,omitempty"` // key the signature verifies under, hex
	DER       []byte                `json:"der,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// NewSignatureData converts a signature over digest into the tss-lib
// representation clients already consume.
func NewSignatureData(sig *dsg.Signature, digest []byte) *common.SignatureData {
	return &common.SignatureData{
		Signature:         append(append([]byte(nil), sig.R[:]...), sig.S[:]...),
		SignatureRecovery: []byte{sig.RecoveryID},
		R:                 append([]byte(nil), sig.R[:]...),
		S:                 append([]byte(nil), sig.S[:]...),
		M:                 append([]byte(nil), digest...),
	}
}
