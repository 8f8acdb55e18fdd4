package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/calyptra/flowjobs/cmd/flowjobs/commands"
	"github.com/calyptra/flowjobs/logger"
)

var rootCmd = &cobra.Command{
	Use:   "flowjobs",
	Short: "flowjobs - durable background job scheduling service",
	Long: `flowjobs - durable background job scheduling service

Schedules one-shot background tasks, tracks their lifecycle in SQLite,
and notifies external systems via webhook when jobs complete.

Available commands:
  serve  - Start the job service and HTTP API
  jobs   - Inspect and cancel jobs
  db     - Manage the flowjobs database

Examples:
  flowjobs serve                   # Start the job service
  flowjobs jobs ls --user alice    # List a user's jobs
  flowjobs jobs cancel <id>        # Cancel a job
  flowjobs db migrate              # Apply pending migrations`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DbCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
