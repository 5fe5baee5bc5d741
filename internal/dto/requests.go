package dto

// KeygenRequest starts a DKG across the configured peers.
type KeygenRequest struct {
	Threshold int     `json:"threshold"`
	Ranks     []uint8 `json:"ranks"` // one per peer, all zero when empty
}

// KeygenResponse names the ceremony started by a KeygenRequest.
type KeygenResponse struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// SignRequest asks a quorum to sign. Exactly one of Message (hashed with
// SHA-256) and Digest (hex, 32 bytes) is set.
type SignRequest struct {
	Message string   `json:"message"`
	Digest  string   `json:"digest"`
	Path    []uint32 `json:"path"`
	Quorum  []int    `json:"quorum"` // party ids, chosen by the node when empty
}

// VerifyRequest checks a signature. Signature is hex r||s or DER.
type VerifyRequest struct {
	PublicKey string `json:"publicKey" binding:"required"`
	Message   string `json:"message"`
	Digest    string `json:"digest"`
	Signature string `json:"signature" binding:"required"`
}

// VerifyResponse is the outcome of a VerifyRequest.
type VerifyResponse struct {
	Valid bool `json:"valid"`
}
