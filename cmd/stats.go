package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var statsUsage bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "cleanup")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Cache.Stats(ctx)
		if err != nil {
			return err
		}
		printJSON(stats)

		if statsUsage {
			report, err := env.Janitor.AnalyzeUsage(ctx, cfg.Cache.StatSample)
			if err != nil {
				return err
			}
			fmt.Println(report.String())
		}

		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsUsage, "usage", false, "include the usage-pattern analysis")
	rootCmd.AddCommand(statsCmd)
}
