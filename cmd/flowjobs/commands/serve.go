package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/calyptra/flowjobs/config"
	"github.com/calyptra/flowjobs/db"
	"github.com/calyptra/flowjobs/errors"
	"github.com/calyptra/flowjobs/jobs"
	"github.com/calyptra/flowjobs/jobs/scheduler"
	"github.com/calyptra/flowjobs/jobs/webhook"
	"github.com/calyptra/flowjobs/logger"
	"github.com/calyptra/flowjobs/server"
)

// ServeCmd starts the job service and HTTP API
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job service and HTTP API",
	Long: `Start the scheduler engine, event coordinator, and HTTP API.

The server runs until interrupted. Configuration is read from
flowjobs.toml (project directory or ~/.flowjobs/) with FLOWJOBS_*
environment overrides, and is re-read when the file changes.`,
	RunE: runServe,
}

var servePortFlag int

func init() {
	ServeCmd.Flags().IntVar(&servePortFlag, "port", 0, "Override the configured HTTP port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if servePortFlag > 0 {
		cfg.Server.Port = servePortFlag
	}

	log := logger.Logger

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	store := jobs.NewStore(database)
	engine := scheduler.NewEngine(scheduler.Config{
		TickInterval:    cfg.Scheduler.TickInterval(),
		EventBufferSize: cfg.Scheduler.EventBufferSize,
	}, log)
	notifier := webhook.NewNotifier(cfg.Webhook, log)
	svc := jobs.NewService(store, engine, notifier, log)
	defer svc.Stop()

	registry := scheduler.NewTaskRegistry()
	registerBuiltinTasks(registry)

	// Jobs left PENDING by a previous run get their triggers re-registered
	recovered, err := svc.RecoverPendingJobs(context.Background(), registry)
	if err != nil {
		return errors.Wrap(err, "failed to recover pending jobs")
	}
	if recovered > 0 {
		log.Infow("Recovered pending jobs from previous run", "count", recovered)
	}

	srv := server.NewServer(cfg.Server, svc, registry, log)

	// Reload picks up webhook and scheduler tuning without a restart
	if configPath := config.ConfigFilePath(); configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			log.Warnw("Config watcher unavailable", "path", configPath, "error", err)
		} else {
			watcher.OnReload(func(updated *config.Config) error {
				log.Infow("Configuration reloaded",
					"webhook_enabled", updated.Webhook.Enabled,
					"tick_interval", updated.Scheduler.TickInterval())
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infow("Shutting down", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// registerBuiltinTasks installs the tasks available to API-created jobs.
// Applications embedding the service register their own.
func registerBuiltinTasks(registry *scheduler.TaskRegistry) {
	registry.Register("echo", func(ctx context.Context, taskArgs []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"args": taskArgs, "kwargs": kwargs}, nil
	})

	registry.Register("sleep", func(ctx context.Context, taskArgs []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		seconds := 1.0
		if v, ok := kwargs["seconds"].(float64); ok {
			seconds = v
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(seconds * float64(time.Second))):
			return map[string]interface{}{"slept_seconds": seconds}, nil
		}
	})
}
