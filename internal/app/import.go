package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"peptisync/internal/importer"
	"peptisync/internal/offer"
	"peptisync/internal/service"
	"peptisync/internal/storage"
	"peptisync/internal/upsert"
)

// Import loads one spreadsheet and prints the per-row outcome.
func (a *App) Import(ctx context.Context, opts ImportOptions) error {
	format, err := importer.DetectFormat(opts.Path)
	if err != nil {
		return err
	}

	file, err := os.Open(opts.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	var store upsert.Store
	if opts.DryRun {
		db, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if closeStore != nil {
			defer closeStore()
		}
		store = newDryRunStore(db)
	} else {
		db, closeStore, err := a.requireStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		store = db
	}

	engineOpts := a.engineOptions(opts.Workers, opts.FailFast)
	engineOpts.DryRun = opts.DryRun
	svc := a.newService(store, nil, engineOpts)
	result, err := svc.Import(ctx, service.Request{
		Body:    file,
		Format:  format,
		Source:  filepath.Base(opts.Path),
		UserID:  opts.UserID,
		BatchID: opts.BatchID,
		Tier:    opts.Tier,
	})
	a.printImport(result, opts.DryRun)
	return err
}

func (a *App) printImport(result service.Result, dryRun bool) {
	if result.BatchID == "" {
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Row\tKey\tAction\tOffer\tChanged\tPct\tError")
	for _, o := range result.Report.Outcomes {
		pct := ""
		if o.PriceChangePct.Valid {
			pct = o.PriceChangePct.Decimal.StringFixed(2)
		}
		errMsg := ""
		if o.Err != nil {
			errMsg = sanitizeInline(o.Err.Error())
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%v\t%s\t%s\n",
			o.Index+1, offer.KeyFor(o.Row).Describe(), o.Action, o.OfferID, o.ChangedFields, pct, errMsg)
	}
	writer.Flush()

	for _, re := range result.ParseErrors {
		fmt.Fprintf(a.Out, "skipped %s\n", sanitizeInline(re.Error()))
	}

	s := result.Report.Summary
	mode := ""
	if dryRun {
		mode = " (dry run, nothing written)"
	}
	fmt.Fprintf(a.Out, "batch %s%s: created=%d updated=%d unchanged=%d history=%d failed=%d skipped=%d\n",
		result.BatchID, mode, s.Created, s.Updated, s.Unchanged, s.HistoryCreated, s.Failed, len(result.ParseErrors))
}

// dryRunStore reads candidates from the database, when there is one, and applies every write
// to an in-memory copy.
type dryRunStore struct {
	db  storage.OfferStore
	mem *storage.Memory
}

func newDryRunStore(db *storage.Store) *dryRunStore {
	s := &dryRunStore{mem: storage.NewMemory()}
	if db != nil {
		s.db = db
	}
	return s
}

func (s *dryRunStore) ListCandidates(ctx context.Context, keys []offer.BaseKey) ([]offer.VendorOffer, error) {
	if s.db != nil {
		existing, err := s.db.ListCandidates(ctx, keys)
		if err != nil {
			return nil, err
		}
		s.mem.Seed(existing...)
	}
	return s.mem.ListCandidates(ctx, keys)
}

func (s *dryRunStore) InsertOffer(ctx context.Context, o offer.VendorOffer) (offer.VendorOffer, error) {
	return s.mem.InsertOffer(ctx, o)
}

func (s *dryRunStore) TouchOffer(ctx context.Context, id, batchID string) (offer.VendorOffer, error) {
	return s.mem.TouchOffer(ctx, id, batchID)
}

func (s *dryRunStore) ApplyChange(ctx context.Context, o offer.VendorOffer, h offer.PriceHistory) (offer.VendorOffer, offer.PriceHistory, error) {
	return s.mem.ApplyChange(ctx, o, h)
}
