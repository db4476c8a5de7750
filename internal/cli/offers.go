package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"peptisync/internal/app"
	"peptisync/internal/offer"
)

var (
	offersVendor  string
	offersTier    string
	offersPeptide string
	offersLimit   int
)

var offersCmd = &cobra.Command{
	Use:   "offers",
	Short: "List stored vendor offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if offersLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.OffersOptions{
			VendorID: offersVendor,
			Peptide:  offersPeptide,
			Limit:    offersLimit,
		}
		if offersTier != "" {
			tier, err := offer.ParseTier(offersTier)
			if err != nil {
				return err
			}
			opts.Tier = tier
		}

		return getApp().Offers(cmd.Context(), opts)
	},
}

func init() {
	offersCmd.Flags().StringVar(&offersVendor, "vendor", "", "Filter by vendor id")
	offersCmd.Flags().StringVar(&offersTier, "tier", "", "Filter by tier")
	offersCmd.Flags().StringVar(&offersPeptide, "peptide", "", "Filter by peptide name")
	offersCmd.Flags().IntVar(&offersLimit, "limit", 50, "Number of offers to display")
}
