// ════════════════════════════════════════════════════════════════════════════════════════════════
// stageflow - Command Line Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: CLI
//
// Description:
//   Runs a demo pipeline on the cooperative scheduler with optional Prometheus metrics and a
//   SQLite event store.
//
// Phases:
//   - Phase 0: configuration and logging
//   - Phase 1: graph construction and stage startup
//   - Phase 2: heap cleanup before the run loops start
//   - Phase 3: scheduled execution until end of stream or a signal
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "stageflow",
	Short:         "cooperative stage scheduler over lock-free channels",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("stageflow:", err)
		os.Exit(1)
	}
}
