package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dkls-node/internal/keyshare"
	"dkls-node/internal/party"
	"dkls-node/internal/tss"
)

var simulateArg struct {
	Parties   int
	Threshold int
	Message   string
	TTL       time.Duration
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().IntVarP(&simulateArg.Parties, "parties", "n", 3, "number of parties")
	simulateCmd.Flags().IntVarP(&simulateArg.Threshold, "threshold", "t", 2, "signing threshold")
	simulateCmd.Flags().StringVarP(&simulateArg.Message, "message", "m", "hello", "message to sign")
	simulateCmd.Flags().DurationVar(&simulateArg.TTL, "ttl", time.Minute, "protocol deadline")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "run key generation and signing with every party in process",
	Args:  noExtraArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := context.Background()
		shares, err := tss.SimulateKeygen(ctx, simulateArg.Threshold, make([]uint8, simulateArg.Parties), simulateArg.TTL)
		if err != nil {
			return err
		}
		ids := make([]int, len(shares))
		for i := range ids {
			ids[i] = i
		}
		lead := party.ElectCoordinator(simulateArg.Message, len(shares))
		quorum, err := party.SelectQuorum(simulateArg.Message, shares[0].Ranks, simulateArg.Threshold, ids, lead)
		if err != nil {
			return err
		}
		signers := make([]*keyshare.KeyShare, len(quorum))
		for i, id := range quorum {
			signers[i] = shares[id]
		}

		digest := sha256.Sum256([]byte(simulateArg.Message))
		sig, err := tss.SimulateSign(ctx, signers, digest[:], nil, simulateArg.TTL)
		if err != nil {
			return err
		}
		der, err := sig.DER()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "public key: %x\n", shares[0].PublicKey)
		fmt.Fprintf(out, "quorum:     %v\n", quorum)
		fmt.Fprintf(out, "digest:     %x\n", digest)
		fmt.Fprintf(out, "signature:  %x\n", sig.Compact())
		fmt.Fprintf(out, "der:        %s\n", hex.EncodeToString(der))
		return nil
	},
}
