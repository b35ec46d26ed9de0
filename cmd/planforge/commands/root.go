package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "planforge",
		Short: "PlanForge - Plan/Apply Orchestration Engine",
		Long: `PlanForge turns config change requests into reviewable plans and
applies approved plans across network devices, one device at a time.

Features:
  - Immutable plans with per-device change previews
  - Single-use, plan-bound, short-lived approval tokens
  - Strictly sequential execution that halts on first failure
  - Read-modify-write device updates with bounded retry
  - Post-change verification with single-attempt rollback
  - Durable state and a complete audit event trail`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "planforge.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newRunCommand())

	return rootCmd
}
