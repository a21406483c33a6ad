package main

import (
	"errors"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/config"
)

var cfg *config.Config

// configError marks failures that precede startup proper, so operators
// can tell bad settings (exit 2) apart from runtime faults (exit 1).
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "tileserv",
	Short: "Satellite imagery tile server",
	Long:  "Serves XYZ map tiles from a remote imagery backend through a three-tier cache, with background warming, cleanup and monitoring tasks.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return configError{eris.Wrap(err, "load config")}
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return configError{eris.Wrap(err, "init logger")}
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ce configError
		if errors.As(err, &ce) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
