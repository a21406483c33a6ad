package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cleanupDryRun   bool
	cleanupMaxItems int
	cleanupOrphans  bool
	cleanupPrefix   string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Collect expired cache entries and orphaned objects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "cleanup")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Janitor.CleanupExpired(ctx, cleanupDryRun, cleanupMaxItems)
		if err != nil {
			return err
		}
		printJSON(report)

		if cleanupOrphans {
			orphans, err := env.Janitor.CleanupOrphaned(ctx, cleanupPrefix, cleanupMaxItems)
			if err != nil {
				return err
			}
			printJSON(orphans)
		}

		return nil
	},
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		zap.L().Error("marshal report", zap.Error(err))
		return
	}
	fmt.Println(string(out))
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report without deleting")
	cleanupCmd.Flags().IntVar(&cleanupMaxItems, "max-items", 0, "cap on items examined (0 = no cap)")
	cleanupCmd.Flags().BoolVar(&cleanupOrphans, "orphans", false, "also scan the object store for orphans")
	cleanupCmd.Flags().StringVar(&cleanupPrefix, "prefix", "", "object key prefix for the orphan scan")
	rootCmd.AddCommand(cleanupCmd)
}
