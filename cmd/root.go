// Package cmd defines and implements the CLI commands for the curpsweep
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"curpsweep/internal/config"
	"curpsweep/internal/logging"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "curpsweep",
		Short: "Brute-force CURP discovery against the gob.mx registry",
		Long: `curpsweep sweeps the full date-of-birth, month and state combination
space for each person on a roster, querying the public gob.mx CURP
lookup form at a polite, adaptive pace. Runs checkpoint their progress
and resume where they left off.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (YAML)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSpaceCmd())
	cmd.AddCommand(newRosterCmd())

	return cmd
}

// loadEnv loads configuration and builds the logger; shared by subcommands.
func loadEnv() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
