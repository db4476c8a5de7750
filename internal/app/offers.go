package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"peptisync/internal/offer"
	"peptisync/internal/storage"
)

// Offers prints stored offers matching the filter.
func (a *App) Offers(ctx context.Context, opts OffersOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	offers, err := store.ListOffers(ctx, storage.OfferFilter{
		VendorID:    opts.VendorID,
		Tier:        opts.Tier,
		PeptideName: opts.Peptide,
		Limit:       opts.Limit,
	})
	if err != nil {
		return err
	}
	a.printOffers(offers)
	return nil
}

func (a *App) printOffers(offers []offer.VendorOffer) {
	if len(offers) == 0 {
		fmt.Fprintln(a.Out, "no offers found")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tVendor\tTier\tPeptide\tVariant\tPrice\tUpdated (UTC)")
	for _, o := range offers {
		variant, _ := o.Key().VariantKey()
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID,
			sanitizeInline(o.VendorID),
			o.Tier,
			sanitizeInline(o.PeptideName),
			sanitizeInline(variant),
			formatNull(offer.FieldValue(o.Row, offer.PrimaryMetric(o.Tier)), 2),
			o.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatNull(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(places)
}
