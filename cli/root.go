// Package cli provides the uaef command-line interface: operator tooling for
// verifying the trust ledger, finalizing blocks, and exporting events for
// offline audit.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"uaef.dev/common"
	"uaef.dev/config"
	"uaef.dev/ledger"
	"uaef.dev/store"
)

// cfgFile holds the configuration file path from --config. When empty, the
// loader falls back to ./uaef.yaml, /etc/uaef/uaef.yaml, and UAEF_*
// environment variables.
var cfgFile string

// RootCmd is the uaef command entry point.
var RootCmd = &cobra.Command{
	Use:   "uaef",
	Short: "Universal Agent Execution Framework operator tooling",
	Long: `uaef manages the trust ledger of a UAEF deployment: verify the
hash chain, finalize Merkle blocks, and export event ranges for
offline verification.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./uaef.yaml)")

	RootCmd.AddCommand(verifyCmd)
	RootCmd.AddCommand(summaryCmd)
	RootCmd.AddCommand(blockCmd)
	RootCmd.AddCommand(exportCmd)
}

// openStore loads configuration and connects to the database.
func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	common.SetLevel(cfg.LogLevel)

	s, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

func parseRange(args []string) (int64, int64, error) {
	start, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start sequence %q", args[0])
	}
	end, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end sequence %q", args[1])
	}
	if start < 1 || end < start {
		return 0, 0, fmt.Errorf("invalid sequence range [%d, %d]", start, end)
	}
	return start, end, nil
}

var verifyCmd = &cobra.Command{
	Use:   "verify <start> <end>",
	Short: "Verify hash-chain integrity for a range of ledger events",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := parseRange(args)
		if err != nil {
			return err
		}
		_, s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		verification := ledger.NewVerificationService(s)
		intact, chainErrors, err := verification.VerifyChainRange(cmd.Context(), start, end)
		if err != nil {
			return err
		}
		if intact {
			fmt.Fprintf(cmd.OutOrStdout(), "chain [%d, %d] verified: intact\n", start, end)
			return nil
		}
		for _, chainErr := range chainErrors {
			fmt.Fprintf(cmd.OutOrStdout(), "sequence %d: %s\n", chainErr.Sequence, chainErr.Detail)
		}
		return fmt.Errorf("chain verification failed with %d error(s)", len(chainErrors))
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show ledger totals and unblocked event count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		verification := ledger.NewVerificationService(s)
		summary, err := verification.GetVerificationSummary(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "events:           %d\n", summary.TotalEvents)
		fmt.Fprintf(out, "blocks:           %d\n", summary.TotalBlocks)
		fmt.Fprintf(out, "latest sequence:  %d\n", summary.LatestSequence)
		fmt.Fprintf(out, "latest block:     %d\n", summary.LatestBlockNumber)
		fmt.Fprintf(out, "unblocked events: %d\n", summary.UnblockedEvents)
		return nil
	},
}

var blockCmd = &cobra.Command{
	Use:   "block",
	Short: "Finalize the next block when a full checkpoint interval has accumulated",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		events := ledger.NewEventService(s)
		interval := int64(cfg.Ledger.CheckpointInterval)
		start, end, ready, err := events.NextBlockRange(cmd.Context(), interval)
		if err != nil {
			return err
		}
		if !ready {
			fmt.Fprintf(cmd.OutOrStdout(), "fewer than %d unblocked events, nothing to finalize\n", interval)
			return nil
		}

		verification := ledger.NewVerificationService(s)
		block, err := verification.CreateBlock(cmd.Context(), start, end)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "finalized block %d over [%d, %d], merkle root %s\n",
			block.BlockNumber, block.StartSequence, block.EndSequence, block.MerkleRoot)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <start> <end>",
	Short: "Export a range of ledger events as JSON for offline verification",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := parseRange(args)
		if err != nil {
			return err
		}
		_, s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		events := ledger.NewEventService(s)
		records, err := events.ExportEvents(cmd.Context(), start, end)
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
