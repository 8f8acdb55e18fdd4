package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calyptra/flowjobs/config"
	"github.com/calyptra/flowjobs/db"
	"github.com/calyptra/flowjobs/errors"
	"github.com/calyptra/flowjobs/jobs"
	"github.com/calyptra/flowjobs/logger"
)

// JobsCmd groups job inspection subcommands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel jobs",
	Long: `Inspect and cancel jobs in the flowjobs database.

Examples:
  flowjobs jobs ls --user alice             # List alice's jobs
  flowjobs jobs ls --user alice --status PENDING
  flowjobs jobs cancel 4f7c...              # Cancel a job`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List a user's jobs",
	RunE:  runJobsLs,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var (
	jobsUserFlag       string
	jobsStatusFlag     string
	jobsCancelUserFlag string
)

func init() {
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsCancelCmd)

	jobsLsCmd.Flags().StringVar(&jobsUserFlag, "user", "", "Owner whose jobs to list (required)")
	jobsLsCmd.Flags().StringVar(&jobsStatusFlag, "status", "", "Filter by status (PENDING, COMPLETED, FAILED, CANCELLED)")
	jobsCancelCmd.Flags().StringVar(&jobsCancelUserFlag, "user", "", "Only cancel if the job belongs to this owner")
}

func openStore() (*jobs.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open database")
	}

	return jobs.NewStore(database), func() { database.Close() }, nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	if jobsUserFlag == "" {
		return errors.New("--user is required")
	}

	var status *jobs.Status
	if jobsStatusFlag != "" {
		if !jobs.IsValidStatus(jobsStatusFlag) {
			return errors.Newf("invalid status %q", jobsStatusFlag)
		}
		st := jobs.Status(jobsStatusFlag)
		status = &st
	}

	store, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := store.List(context.Background(), jobsUserFlag, status)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	if len(list) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s  %-10s  %-20s  %s\n", "ID", "STATUS", "NAME", "UPDATED")
	for _, job := range list {
		fmt.Printf("%-36s  %-10s  %-20s  %s\n",
			job.ID, job.Status, job.Name, job.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	store, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	jobID := args[0]
	if jobsCancelUserFlag != "" {
		job, err := store.Lookup(context.Background(), jobID, &jobsCancelUserFlag)
		if err != nil {
			return errors.Wrap(err, "failed to cancel job")
		}
		if job == nil {
			return errors.Newf("job not found: %s", jobID)
		}
	}

	ok, err := store.MarkCancelled(context.Background(), jobID)
	if err != nil {
		return errors.Wrap(err, "failed to cancel job")
	}

	if !ok {
		// Distinguish missing from already-terminal
		job, lookupErr := store.Lookup(context.Background(), jobID, nil)
		if lookupErr != nil {
			return errors.Wrap(lookupErr, "failed to cancel job")
		}
		if job == nil {
			return errors.Newf("job not found: %s", jobID)
		}
		fmt.Printf("Job %s already %s\n", jobID, job.Status)
		return nil
	}

	fmt.Printf("Job %s cancelled\n", jobID)
	return nil
}
