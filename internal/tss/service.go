// Package tss is the entry point to the threshold protocols: single-party
// runs over a caller-provided transport, and local simulations of every
// party used by the CLI and tests.
package tss

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/bnb-chain/tss-lib/v2/tss"
	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"dkls-node/internal/dkg"
	"dkls-node/internal/dsg"
	"dkls-node/internal/keyshare"
	"dkls-node/internal/logger"
	"dkls-node/internal/party"
	"dkls-node/internal/setup"
	"dkls-node/internal/storage"
	"dkls-node/internal/storage/models"
	"dkls-node/internal/transport"
)

// RunDKG runs the key generation for the party owning signer.
func RunDKG(ctx context.Context, s *setup.Keygen, signer ed25519.PrivateKey, tr transport.Transport) (*keyshare.KeyShare, error) {
	return dkg.Run(ctx, dkg.Config{Setup: s, Signer: signer, Transport: tr})
}

// RunDSG runs the signing of a 32 byte digest for the quorum member owning
// signer.
func RunDSG(ctx context.Context, s *setup.Sign, ks *keyshare.KeyShare, digest []byte, signer ed25519.PrivateKey, tr transport.Transport) (*dsg.Signature, error) {
	return dsg.Run(ctx, dsg.Config{Setup: s, KeyShare: ks, Digest: digest, Signer: signer, Transport: tr})
}

// SimulateKeygen runs a DKG for len(ranks) local parties over an in-memory
// relay and returns the shares indexed by party id.
func SimulateKeygen(ctx context.Context, threshold int, ranks []uint8, ttl time.Duration) ([]*keyshare.KeyShare, error) {
	id, err := setup.NewInstanceID()
	if err != nil {
		return nil, err
	}
	desc := &setup.Keygen{InstanceID: id, Threshold: uint8(threshold), TTL: ttl}
	keys, err := identities(len(ranks))
	if err != nil {
		return nil, err
	}
	for i, r := range ranks {
		desc.Parties = append(desc.Parties, setup.Party{Rank: r, PublicKey: keys[i].Public().(ed25519.PublicKey)})
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	logger.Log.Infof("[TSS] simulating %d-of-%d key generation", threshold, len(ranks))
	shares := make([]*keyshare.KeyShare, len(ranks))
	err = simulate(ctx, len(ranks), func(ctx context.Context, i int, tr transport.Transport) error {
		ks, err := RunDKG(ctx, desc, keys[i], tr)
		shares[i] = ks
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Log.Infof("[TSS] generated public key %x", shares[0].PublicKey)
	return shares, nil
}

// SimulateSign signs digest with the given key shares, one local party per
// share. The shares must form a quorum of exactly t.
func SimulateSign(ctx context.Context, shares []*keyshare.KeyShare, digest []byte, path []uint32, ttl time.Duration) (*dsg.Signature, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("no key shares")
	}
	id, err := setup.NewInstanceID()
	if err != nil {
		return nil, err
	}
	keys, err := identities(len(shares))
	if err != nil {
		return nil, err
	}
	desc := &setup.Sign{InstanceID: id, TTL: ttl, PublicKey: shares[0].PublicKey, ChainPath: path}
	for i, ks := range shares {
		desc.Parties = append(desc.Parties, setup.SignParty{PartyID: ks.PartyID, PublicKey: keys[i].Public().(ed25519.PublicKey)})
	}

	sigs := make([]*dsg.Signature, len(shares))
	err = simulate(ctx, len(shares), func(ctx context.Context, i int, tr transport.Transport) error {
		sig, err := RunDSG(ctx, desc, shares[i], digest, keys[i], tr)
		sigs[i] = sig
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, sig := range sigs[1:] {
		if *sig != *sigs[0] {
			return nil, fmt.Errorf("parties produced different signatures")
		}
	}
	return sigs[0], nil
}

// simulate runs fn for n parties connected by a Hub. Once any party fails
// the others are cancelled; every failure is reported.
func simulate(ctx context.Context, n int, fn func(ctx context.Context, i int, tr transport.Transport) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	hub := transport.NewHub(n)
	defer hub.Close()

	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			err := fn(ctx, i, hub.Endpoint(i))
			if err != nil {
				cancel()
				err = fmt.Errorf("party %d: %w", i, err)
			}
			errCh <- err
		}(i)
	}
	var result *multierror.Error
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// GenerateAndSaveKey simulates a DKG and stores every share in store.
func GenerateAndSaveKey(ctx context.Context, store *storage.Store, threshold int, ranks []uint8, ttl time.Duration) (*models.KeyData, error) {
	shares, err := SimulateKeygen(ctx, threshold, ranks, ttl)
	if err != nil {
		return nil, err
	}
	record, err := store.SaveKeyShares(shares...)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Key and shares successfully saved to database.")
	return record, nil
}

// SignMessage loads the stored shares of keyID, picks a quorum and signs the
// SHA-256 digest of message.
func SignMessage(ctx context.Context, store *storage.Store, keyID uuid.UUID, message string, ttl time.Duration) (*dsg.Signature, []byte, error) {
	shares, err := store.LoadKeyShares(keyID)
	if err != nil {
		return nil, nil, err
	}
	if len(shares) == 0 {
		return nil, nil, fmt.Errorf("no shares found for key with ID %s", keyID)
	}
	byID := make(map[int]*keyshare.KeyShare, len(shares))
	ids := make([]int, 0, len(shares))
	for _, ks := range shares {
		byID[int(ks.PartyID)] = ks
		ids = append(ids, int(ks.PartyID))
	}
	quorum, err := party.SelectQuorum(keyID.String(), shares[0].Ranks, int(shares[0].Threshold), ids, ids[0])
	if err != nil {
		return nil, nil, err
	}
	signers := make([]*keyshare.KeyShare, len(quorum))
	for i, id := range quorum {
		signers[i] = byID[id]
	}

	hash := sha256.Sum256([]byte(message))
	sig, err := SimulateSign(ctx, signers, hash[:], nil, ttl)
	if err != nil {
		return nil, nil, err
	}
	return sig, hash[:], nil
}

// VerifySignature verifies an r, s signature over digest against a
// compressed or uncompressed hex public key.
func VerifySignature(publicKeyHex string, digest, rBytes, sBytes []byte) (bool, error) {
	pubKeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %v", err)
	}
	pub, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false, fmt.Errorf("invalid public key: %v", err)
	}
	if len(digest) != 32 {
		return false, fmt.Errorf("digest must be 32 bytes")
	}

	pk := &ecdsa.PublicKey{
		Curve: tss.S256(),
		X:     pub.X(),
		Y:     pub.Y(),
	}
	return ecdsa.Verify(pk, digest, new(big.Int).SetBytes(rBytes), new(big.Int).SetBytes(sBytes)), nil
}

// VerifyDER verifies a DER encoded signature over digest.
func VerifyDER(publicKeyHex string, digest, der []byte) (bool, error) {
	pubKeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %v", err)
	}
	pub, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false, fmt.Errorf("invalid public key: %v", err)
	}
	sig, err := btcecdsa.ParseDERSignature(der)
	if err != nil {
		return false, fmt.Errorf("invalid DER signature: %v", err)
	}
	return sig.Verify(digest, pub), nil
}

func identities(n int) ([]ed25519.PrivateKey, error) {
	out := make([]ed25519.PrivateKey, n)
	for i := range out {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		out[i] = priv
	}
	return out, nil
}
