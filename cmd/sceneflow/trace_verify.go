package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
)

var traceVerifyCmd = &cobra.Command{
	Use:   "verify [trace.jsonl]",
	Short: "Verify trace file integrity (hash chain + signature)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceVerify,
}

func runTraceVerify(cmd *cobra.Command, args []string) error {
	result, err := trace.VerifyFile(args[0])
	if err != nil {
		return err
	}

	if !result.Valid {
		fmt.Printf("✗ Chain broken at event %d\n", result.BrokenAt)
		if result.Error != "" {
			fmt.Printf("  %s\n", result.Error)
		}
		return fmt.Errorf("chain verification failed")
	}

	fmt.Printf("✓ Chain integrity: %d events in %d run(s), no breaks\n", result.EventCount, result.Runs)
	if !result.Complete {
		fmt.Println("⚠ Last run has no run_complete event")
	}

	if result.ChainHash != "" {
		switch {
		case result.SignatureOK:
			fmt.Printf("✓ Signature valid: signed by key %q\n", result.SigningKeyID)
		case result.SignatureNoKey:
			fmt.Printf("⚠ Signature present (key %q) but %s is not set\n", result.SigningKeyID, trace.SigningKeyEnv)
		case result.SigningKeyID != "":
			fmt.Printf("✗ Signature invalid\n")
			return fmt.Errorf("signature verification failed")
		}
	}
	return nil
}

func init() {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Trace file operations",
	}
	traceCmd.AddCommand(traceVerifyCmd)
	rootCmd.AddCommand(traceCmd)
}
