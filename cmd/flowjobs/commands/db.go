package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/calyptra/flowjobs/config"
	"github.com/calyptra/flowjobs/db"
	"github.com/calyptra/flowjobs/errors"
	"github.com/calyptra/flowjobs/jobs"
	"github.com/calyptra/flowjobs/logger"
)

// DbCmd groups database maintenance subcommands
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the flowjobs database",
	Long: `Manage flowjobs database operations.

Examples:
  flowjobs db migrate                 # Apply pending migrations
  flowjobs db stats                   # Show job counts by status
  flowjobs db cleanup --older-than 720h   # Remove old terminal jobs`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE:  runDbStats,
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove terminal jobs older than the retention window",
	RunE:  runDbCleanup,
}

var cleanupOlderThanFlag time.Duration

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbCleanupCmd)

	dbCleanupCmd.Flags().DurationVar(&cleanupOlderThanFlag, "older-than", 30*24*time.Hour, "Remove terminal jobs last updated before this duration ago")
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "migration failed")
	}

	fmt.Println("Migrations applied")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	store, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	counts, err := store.CountByStatus(context.Background())
	if err != nil {
		return errors.Wrap(err, "failed to count jobs")
	}

	fmt.Println("Job Statistics")
	fmt.Printf("Database Path: %s\n\n", cfg.Database.Path)

	total := 0
	for _, status := range []jobs.Status{jobs.StatusPending, jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled} {
		fmt.Printf("%-10s %d\n", status, counts[status])
		total += counts[status]
	}
	fmt.Printf("%-10s %d\n", "TOTAL", total)
	return nil
}

func runDbCleanup(cmd *cobra.Command, args []string) error {
	store, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	removed, err := store.CleanupOldJobs(context.Background(), cleanupOlderThanFlag)
	if err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Printf("Removed %d jobs older than %s\n", removed, cleanupOlderThanFlag)
	return nil
}
