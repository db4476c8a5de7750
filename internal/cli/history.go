package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"peptisync/internal/app"
)

var (
	historyLimit     int
	historyCSV       string
	historyPNG       string
	historyMaxPoints int
)

var historyCmd = &cobra.Command{
	Use:   "history <offer-id>",
	Short: "Show the price history of an offer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}

		return getApp().History(cmd.Context(), app.HistoryOptions{
			OfferID:   args[0],
			Limit:     historyLimit,
			CSVPath:   historyCSV,
			PNGPath:   historyPNG,
			MaxPoints: historyMaxPoints,
		})
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Maximum entries to load (0 for all)")
	historyCmd.Flags().StringVar(&historyCSV, "csv", "", "Write the history to a CSV file")
	historyCmd.Flags().StringVar(&historyPNG, "png", "", "Render the primary price over time as a PNG chart")
	historyCmd.Flags().IntVar(&historyMaxPoints, "max-points", 0, "Override maximum chart points")
}
