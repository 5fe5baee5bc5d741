package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(identityCmd)
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "generate an ed25519 node identity or setup authority key",
	Args:  noExtraArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seed:       %s\npublic key: %s\n", hex.EncodeToString(priv.Seed()), hex.EncodeToString(pub))
		return nil
	},
}
