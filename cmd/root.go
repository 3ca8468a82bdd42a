// Package cmd implements the skein command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/internal/config"
	"github.com/skein-dev/skein/internal/logger"
)

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "skein",
	Short:         "skein is a conditional DAG execution engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		opts := []logger.Option{logger.WithFormat(cfg.Log.Format)}
		if cfg.Log.Debug {
			opts = append(opts, logger.WithDebug())
		}
		if cfg.Log.Quiet {
			opts = append(opts, logger.WithQuiet())
		}
		cmd.SetContext(logger.WithLogger(cmd.Context(), logger.NewLogger(opts...)))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: ./skein.yaml)")
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}
