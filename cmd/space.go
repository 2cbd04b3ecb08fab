package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"curpsweep/internal/combi"
)

// newSpaceCmd creates the 'space' subcommand, which reports the size and
// identity of the combination space the current configuration produces. Handy
// for sanity-checking bounds before committing to a multi-day sweep.
func newSpaceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "space",
		Short: "Describe the configured combination space",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadEnv()
			if err != nil {
				return err
			}

			start, err := combi.ParseBound(cfg.Space.Start)
			if err != nil {
				return fmt.Errorf("space.start: %w", err)
			}
			end, err := combi.ParseBound(cfg.Space.End)
			if err != nil {
				return fmt.Errorf("space.end: %w", err)
			}
			space, err := combi.New(start, end)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bounds:      %s .. %s\n", cfg.Space.Start, cfg.Space.End)
			fmt.Fprintf(out, "size:        %d combinations per person\n", space.Size())
			fmt.Fprintf(out, "config hash: %s\n", space.ConfigHash())
			return nil
		},
	}
}
