package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/scheduler"
	"github.com/shelfsync/shelfsync/pkg/logging"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the periodic sync scheduler",
		Long: `Starts the process-wide driver: an immediate full run, then one run per
configured interval, with accounts synced through a bounded worker pool.
Runs until interrupted; in-flight syncs get a grace period to finish.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			application, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer application.Close()

			ctx := cmd.Context()
			sched := scheduler.New(application.orch, application.store, cfg.SyncInterval,
				scheduler.WithWorkers(cfg.Workers))
			sched.Start(ctx)

			<-ctx.Done()
			logging.Info().Msg("Shutting down, waiting for in-flight syncs")

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return sched.Stop(stopCtx)
		},
	}
}
