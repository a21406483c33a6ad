package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/worker"
)

var workerNoSchedule bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background task pool",
	Long:  "Drains warming, cleanup and monitoring tasks from the four priority queues, recovers pending jobs left in the catalog, and fires the periodic schedule.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		env.Runner.Start(ctx)
		defer env.Runner.Stop()

		if _, err := env.Runner.Recover(ctx); err != nil {
			zap.L().Warn("pending job recovery failed", zap.Error(err))
		}

		if !workerNoSchedule {
			cr, err := env.Runner.StartSchedule(ctx, worker.DefaultSchedule())
			if err != nil {
				return err
			}
			defer cr.Stop()
		}

		zap.L().Info("worker running", zap.Int("concurrency", cfg.Worker.Concurrency))
		<-ctx.Done()
		zap.L().Info("shutting down worker")

		return nil
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerNoSchedule, "no-schedule", false, "disable the periodic task schedule")
	rootCmd.AddCommand(workerCmd)
}
