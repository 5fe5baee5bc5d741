package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"dkls-node/internal/tss"
)

var verifyArg struct {
	PublicKey string
	Digest    string
	Signature string
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyArg.PublicKey, "pubkey", "", "hex public key")
	verifyCmd.Flags().StringVar(&verifyArg.Digest, "digest", "", "hex 32 byte digest")
	verifyCmd.Flags().StringVar(&verifyArg.Signature, "signature", "", "hex r||s, r||s||v or DER")
	for _, name := range []string{"pubkey", "digest", "signature"} {
		_ = verifyCmd.MarkFlagRequired(name)
	}
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "verify an ECDSA signature",
	Args:  noExtraArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		digest, err := hex.DecodeString(verifyArg.Digest)
		if err != nil || len(digest) != 32 {
			return fmt.Errorf("digest must be 32 hex encoded bytes")
		}
		sig, err := hex.DecodeString(verifyArg.Signature)
		if err != nil {
			return fmt.Errorf("signature must be hex encoded")
		}

		var valid bool
		switch len(sig) {
		case 64, 65:
			valid, err = tss.VerifySignature(verifyArg.PublicKey, digest, sig[:32], sig[32:64])
		default:
			valid, err = tss.VerifyDER(verifyArg.PublicKey, digest, sig)
		}
		if err != nil {
			return err
		}
		if !valid {
			return fmt.Errorf("signature is invalid")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "signature is valid")
		return nil
	},
}
