package cli

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate <up|down|status|version|redo|reset> [args]",
	Short:     "Manage the database schema",
	Args:      cobra.MinimumNArgs(1),
	ValidArgs: []string{"up", "down", "status", "version", "redo", "reset", "up-to", "down-to"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context(), args[0], args[1:]...)
	},
}
