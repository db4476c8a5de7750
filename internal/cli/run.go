package cli

import (
	"github.com/spf13/cobra"
)

var runWithHTTP bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the inbox directory and import dropped sheets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), runWithHTTP)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runWithHTTP, "http", false, "Also serve the HTTP API")
}
