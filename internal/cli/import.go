package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"peptisync/internal/app"
	"peptisync/internal/offer"
)

var (
	importUser     string
	importTier     string
	importBatchID  string
	importDryRun   bool
	importFailFast bool
	importWorkers  int
)

var importCmd = &cobra.Command{
	Use:   "import <file.csv|file.xlsx>",
	Short: "Import one vendor price sheet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if importWorkers < 0 {
			return fmt.Errorf("--workers cannot be negative")
		}

		var tier offer.Tier
		if importTier != "" {
			parsed, err := offer.ParseTier(importTier)
			if err != nil {
				return err
			}
			tier = parsed
		}

		return getApp().Import(cmd.Context(), app.ImportOptions{
			Path:     args[0],
			UserID:   importUser,
			Tier:     tier,
			BatchID:  importBatchID,
			DryRun:   importDryRun,
			FailFast: importFailFast,
			Workers:  importWorkers,
		})
	},
}

func init() {
	importCmd.Flags().StringVar(&importUser, "user", "", "User recorded as the submitter (defaults to importer.default_user)")
	importCmd.Flags().StringVar(&importTier, "tier", "", "Tier for rows without a tier column")
	importCmd.Flags().StringVar(&importBatchID, "batch-id", "", "Upload batch id (generated when empty)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Compute outcomes without writing to the database")
	importCmd.Flags().BoolVar(&importFailFast, "fail-fast", false, "Stop at the first failed row")
	importCmd.Flags().IntVar(&importWorkers, "workers", 0, "Concurrent match-key groups (defaults to upsert.workers)")
}
