package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"peptisync/internal/offer"
	"peptisync/internal/report"
)

// History prints an offer's price changes and optionally exports them as CSV and PNG.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	o, err := store.GetOffer(ctx, opts.OfferID)
	if err != nil {
		return err
	}
	entries, err := store.ListHistory(ctx, o.ID, opts.Limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(a.Out, "no price changes recorded for %s\n", o.Key().Describe())
		return nil
	}

	a.printHistory(entries)

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(f *os.File) error {
			return report.WriteHistoryCSV(f, entries)
		}); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.CSVPath).Int("entries", len(entries)).Msg("history csv written")
	}

	if opts.PNGPath != "" {
		maxPoints := a.Config.ResolveMaxPoints(opts.MaxPoints)
		err := writeFile(opts.PNGPath, func(f *os.File) error {
			return report.RenderHistoryPNG(f, o, entries, maxPoints)
		})
		if errors.Is(err, report.ErrNoHistory) {
			a.Logger.Warn().Str("offer_id", o.ID).Msg("not enough points to chart")
			return nil
		}
		if err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.PNGPath).Msg("history chart written")
	}
	return nil
}

func (a *App) printHistory(entries []offer.PriceHistory) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Changed (UTC)\tFields\tOld\tNew\tChange%\tBatch\tBy")
	for _, h := range entries {
		field := offer.PrimaryMetric(h.Tier)
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			h.ChangedAt.UTC().Format(time.RFC3339),
			strings.Join(h.ChangedFields, ","),
			formatNull(offer.FieldValue(h.Before(), field), 2),
			formatNull(offer.FieldValue(h.After(), field), 2),
			formatNull(h.PriceChangePct, 2),
			h.UploadBatchID,
			sanitizeInline(h.ChangedBy),
		)
	}
	writer.Flush()
}

func writeFile(path string, write func(f *os.File) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
