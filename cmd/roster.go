package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"curpsweep/internal/roster"
)

// newRosterCmd creates the 'roster' subcommand group.
func newRosterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Roster file utilities",
	}
	cmd.AddCommand(newRosterInitCmd())
	return cmd
}

func newRosterInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <path>",
		Short: "Write a roster CSV template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := roster.WriteTemplate(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote roster template to %s\n", args[0])
			return nil
		},
	}
}
