package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"curpsweep/internal/app"
	"curpsweep/internal/roster"
)

// newRunCmd creates the 'run' subcommand, which executes a full sweep for
// every person on the roster.
func newRunCmd() *cobra.Command {
	var rosterPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a sweep for every person on the roster",
		Long: `Loads the roster, builds the combination space from the configured
bounds and sweeps it for each person. Progress is checkpointed
continuously; re-running with the same configuration resumes from the
last checkpoint. SIGINT or SIGTERM drains the run gracefully and
SIGUSR1 toggles pause.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), rosterPath)
		},
	}

	cmd.Flags().StringVar(&rosterPath, "roster", "roster.csv", "roster CSV path")
	return cmd
}

func runSweep(ctx context.Context, rosterPath string) error {
	cfg, logger, err := loadEnv()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	tasks, err := roster.Load(rosterPath)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	logger.Info("roster loaded", zap.Int("persons", len(tasks)), zap.String("path", rosterPath))

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer func() {
		if cerr := application.Close(context.Background()); cerr != nil {
			logger.Warn("shutdown error", zap.Error(cerr))
		}
	}()

	if err := application.Run(ctx, tasks); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run sweep: %w", err)
	}

	logger.Info("sweep finished")
	return nil
}
