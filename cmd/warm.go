package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/warming"
)

var (
	warmBatchSize    int
	warmPriorityMode bool
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Warm the tile cache for a point or campaign",
}

var warmPointCmd = &cobra.Command{
	Use:   "point <point-id>",
	Short: "Produce and cache tiles around one point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := json.Marshal(map[string]string{"point_id": args[0]})
		if err != nil {
			return eris.Wrap(err, "marshal config")
		}
		return runWarmJob(cmd, warming.TaskCachePoint, raw)
	},
}

var warmCampaignCmd = &cobra.Command{
	Use:   "campaign <campaign-id>",
	Short: "Fan a campaign out into point batches and cache them all",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := json.Marshal(map[string]any{
			"campaign_id":   args[0],
			"batch_size":    warmBatchSize,
			"priority_mode": warmPriorityMode,
		})
		if err != nil {
			return eris.Wrap(err, "marshal config")
		}
		return runWarmJob(cmd, warming.TaskCacheCampaign, raw)
	},
}

// runWarmJob submits one job, runs the pool in-process and waits for
// the job to reach a terminal state.
func runWarmJob(cmd *cobra.Command, taskName string, raw json.RawMessage) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := initEnv(ctx, "warm")
	if err != nil {
		return err
	}
	defer env.Close()

	env.Runner.Start(ctx)
	defer env.Runner.Stop()

	job, err := env.Runner.Submit(ctx, taskName, raw)
	if err != nil {
		return err
	}
	zap.L().Info("job submitted", zap.String("job", job.ID), zap.String("task", taskName))

	final, err := waitForJob(ctx, env.Store, job.ID)
	if err != nil {
		return err
	}

	fmt.Printf("job %s: %s (progress %.0f%%)\n", final.ID, final.Status, final.Progress*100)
	for _, a := range final.Artifacts {
		fmt.Println(a)
	}
	if final.Status == catalog.JobFailed {
		return eris.Errorf("job failed: %s", final.Error)
	}
	return nil
}

func waitForJob(ctx context.Context, store catalog.Store, id string) (*catalog.Job, error) {
	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "wait for job")
		case <-tick.C:
			job, err := store.GetJob(ctx, id)
			if err != nil {
				return nil, err
			}
			switch job.Status {
			case catalog.JobCompleted, catalog.JobFailed, catalog.JobCancelled:
				return job, nil
			}
		}
	}
}

func init() {
	warmCampaignCmd.Flags().IntVar(&warmBatchSize, "batch-size", 0, "points per batch (default from config)")
	warmCampaignCmd.Flags().BoolVar(&warmPriorityMode, "priority", false, "priority zoom levels only")
	warmCmd.AddCommand(warmPointCmd)
	warmCmd.AddCommand(warmCampaignCmd)
	rootCmd.AddCommand(warmCmd)
}
