package upsert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peptisync/internal/alerting"
	"peptisync/internal/metrics"
	"peptisync/internal/offer"
	"peptisync/internal/storage"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func researchRow(vendor, peptide, size, price string) offer.Row {
	return offer.Row{
		VendorID:    vendor,
		Tier:        offer.TierResearch,
		PeptideName: peptide,
		Research: &offer.ResearchPricing{
			SizeMg:      dec(size),
			PriceUSD:    dec(price),
			ShippingUSD: decimal.NewNullDecimal(dec("10")),
		},
	}
}

func telehealthRow(vendor, glp, dose, monthly string) offer.Row {
	return offer.Row{
		VendorID:    vendor,
		Tier:        offer.TierTelehealth,
		PeptideName: "Semaglutide",
		Telehealth: &offer.TelehealthPricing{
			GLPType:                  glp,
			DoseMgPerInjection:       dec(dose),
			SubscriptionPriceMonthly: dec(monthly),
		},
	}
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.ImportNotification
	err   error
}

func (c *captureNotifier) Notify(_ context.Context, note alerting.ImportNotification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, note)
	return c.err
}

func (c *captureNotifier) last(t *testing.T) alerting.ImportNotification {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.notes, "expected a notification")
	return c.notes[len(c.notes)-1]
}

func newEngine(store Store, n alerting.Notifier, opts Options) *Engine {
	return New(store, n, nil, opts, zerolog.Nop())
}

func assertCounts(t *testing.T, r Report, created, updated, unchanged, failed int) {
	t.Helper()
	assert.Equal(t, created, r.Summary.Created, "created")
	assert.Equal(t, updated, r.Summary.Updated, "updated")
	assert.Equal(t, unchanged, r.Summary.Unchanged, "unchanged")
	assert.Equal(t, failed, r.Summary.Failed, "failed")
	assert.Equal(t, len(r.Outcomes), r.Summary.Total())
}

func TestUpsertLifecycle(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	notifier := &captureNotifier{}
	engine := newEngine(store, notifier, Options{})

	report, err := engine.Upsert(ctx, []offer.Row{researchRow("V1", "BPC-157", "5", "50")}, "b1", "u1")
	require.NoError(t, err)
	assertCounts(t, report, 1, 0, 0, 0)
	assert.Equal(t, 0, report.Summary.HistoryCreated)
	assert.Equal(t, 0, store.HistoryCount())

	created := report.Outcomes[0]
	assert.Equal(t, ActionCreated, created.Action)
	stored, err := store.GetOffer(ctx, created.OfferID)
	require.NoError(t, err)
	assert.Equal(t, "b1", stored.UploadBatchID)
	assert.Equal(t, "u1", stored.SubmittedBy)
	assert.True(t, stored.Research.PricePerMg.Equal(dec("10")))

	report, err = engine.Upsert(ctx, []offer.Row{researchRow("V1", "BPC-157", "5", "50")}, "b2", "u1")
	require.NoError(t, err)
	assertCounts(t, report, 0, 0, 1, 0)
	assert.Equal(t, created.OfferID, report.Outcomes[0].OfferID)
	assert.Equal(t, 0, store.HistoryCount())

	stored, err = store.GetOffer(ctx, created.OfferID)
	require.NoError(t, err)
	assert.Equal(t, "b2", stored.LastUploadBatchID)
	assert.Equal(t, "b1", stored.UploadBatchID)

	report, err = engine.Upsert(ctx, []offer.Row{researchRow("V1", "BPC-157", "5", "60")}, "b3", "u2")
	require.NoError(t, err)
	assertCounts(t, report, 0, 1, 0, 0)
	assert.Equal(t, 1, report.Summary.HistoryCreated)

	updated := report.Outcomes[0]
	assert.Equal(t, created.OfferID, updated.OfferID)
	assert.NotEmpty(t, updated.HistoryID)
	assert.Equal(t, []string{"price_usd"}, updated.ChangedFields)
	require.True(t, updated.PriceChangePct.Valid)
	assert.True(t, updated.PriceChangePct.Decimal.Equal(dec("20")), "pct %s", updated.PriceChangePct.Decimal)

	history, err := store.ListHistory(ctx, created.OfferID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	h := history[0]
	assert.Equal(t, "b3", h.UploadBatchID)
	assert.Equal(t, "u2", h.ChangedBy)
	assert.True(t, h.OldResearch.PriceUSD.Equal(dec("50")))
	assert.True(t, h.NewResearch.PriceUSD.Equal(dec("60")))

	stored, err = store.GetOffer(ctx, created.OfferID)
	require.NoError(t, err)
	assert.True(t, stored.Research.PriceUSD.Equal(dec("60")))
	assert.Equal(t, "u2", stored.SubmittedBy)

	assert.Len(t, notifier.notes, 3)
}

func TestUpsertTiersNeverMatch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	engine := newEngine(store, nil, Options{})

	research := researchRow("V1", "Semaglutide", "5", "50")
	tele := telehealthRow("V1", "Semaglutide", "0.25", "299")

	report, err := engine.Upsert(ctx, []offer.Row{research, tele}, "b1", "u1")
	require.NoError(t, err)
	assertCounts(t, report, 2, 0, 0, 0)
	assert.NotEqual(t, report.Outcomes[0].OfferID, report.Outcomes[1].OfferID)

	report, err = engine.Upsert(ctx, []offer.Row{tele}, "b2", "u1")
	require.NoError(t, err)
	assertCounts(t, report, 0, 0, 1, 0)
}

func TestUpsertVariantsAreDistinct(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	engine := newEngine(store, nil, Options{})

	rows := []offer.Row{
		researchRow("V1", "BPC-157", "5", "50"),
		researchRow("V1", "BPC-157", "10", "90"),
		researchRow("V2", "BPC-157", "5", "50"),
		telehealthRow("V1", "semaglutide", "0.25", "299"),
		telehealthRow("V1", "semaglutide", "0.5", "349"),
	}
	report, err := engine.Upsert(ctx, rows, "b1", "u1")
	require.NoError(t, err)
	assertCounts(t, report, 5, 0, 0, 0)

	// 5.000 and 5 are the same size.
	again := researchRow("V1", "BPC-157", "5.000", "50")
	report, err = engine.Upsert(ctx, []offer.Row{again}, "b2", "u1")
	require.NoError(t, err)
	assertCounts(t, report, 0, 0, 1, 0)
}

func TestUpsertMissingDiscriminatorAlwaysCreates(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	engine := newEngine(store, nil, Options{})

	row := offer.Row{
		VendorID:    "V1",
		Tier:        offer.TierBrand,
		PeptideName: "Ozempic",
		Brand:       &offer.BrandPricing{PricePerDose: dec("250")},
	}
	for i := range 2 {
		report, err := engine.Upsert(ctx, []offer.Row{row}, fmt.Sprintf("b%d", i), "u1")
		require.NoError(t, err)
		assertCounts(t, report, 1, 0, 0, 0)
	}

	all, err := store.ListOffers(ctx, storage.OfferFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpsertSameKeyRowsApplyInOrder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	engine := newEngine(store, nil, Options{Workers: 8})

	rows := []offer.Row{
		researchRow("V1", "BPC-157", "5", "50"),
		researchRow("V1", "TB-500", "5", "40"),
		researchRow("V1", "BPC-157", "5", "50"),
		researchRow("V1", "BPC-157", "5", "55"),
	}
	report, err := engine.Upsert(ctx, rows, "b1", "u1")
	require.NoError(t, err)
	assertCounts(t, report, 2, 1, 1, 0)

	assert.Equal(t, ActionCreated, report.Outcomes[0].Action)
	assert.Equal(t, ActionCreated, report.Outcomes[1].Action)
	assert.Equal(t, ActionUnchanged, report.Outcomes[2].Action)
	assert.Equal(t, ActionUpdated, report.Outcomes[3].Action)
	assert.Equal(t, report.Outcomes[0].OfferID, report.Outcomes[3].OfferID)
	assert.True(t, report.Outcomes[3].PriceChangePct.Decimal.Equal(dec("10")))

	for i, o := range report.Outcomes {
		assert.Equal(t, i, o.Index)
	}
}

func TestUpsertManyKeysConcurrently(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	engine := newEngine(store, nil, Options{Workers: 4})

	var rows []offer.Row
	for i := range 50 {
		rows = append(rows, researchRow(fmt.Sprintf("V%d", i%5), fmt.Sprintf("P%d", i), "5", "50"))
	}
	report, err := engine.Upsert(ctx, rows, "b1", "u1")
	require.NoError(t, err)
	assertCounts(t, report, 50, 0, 0, 0)

	for i := range rows {
		rows[i].Research.PriceUSD = dec("45")
	}
	report, err = engine.Upsert(ctx, rows, "b2", "u1")
	require.NoError(t, err)
	assertCounts(t, report, 0, 50, 0, 0)
	assert.Equal(t, 50, store.HistoryCount())
}

// flakyStore fails writes for selected peptides.
type flakyStore struct {
	*storage.Memory
	failPeptide string
	listErr     error

	mu      sync.Mutex
	inserts int
}

func (f *flakyStore) ListCandidates(ctx context.Context, keys []offer.BaseKey) ([]offer.VendorOffer, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Memory.ListCandidates(ctx, keys)
}

func (f *flakyStore) InsertOffer(ctx context.Context, o offer.VendorOffer) (offer.VendorOffer, error) {
	f.mu.Lock()
	f.inserts++
	f.mu.Unlock()
	if o.PeptideName == f.failPeptide {
		return offer.VendorOffer{}, errors.New("disk full")
	}
	return f.Memory.InsertOffer(ctx, o)
}

func TestUpsertContinuesPastRowFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: storage.NewMemory(), failPeptide: "BAD"}
	notifier := &captureNotifier{}
	engine := newEngine(store, notifier, Options{})

	rows := []offer.Row{
		researchRow("V1", "BPC-157", "5", "50"),
		researchRow("V1", "BAD", "5", "50"),
		researchRow("V1", "TB-500", "5", "50"),
	}
	report, err := engine.Upsert(ctx, rows, "b1", "u1")
	require.NoError(t, err)
	assertCounts(t, report, 2, 0, 0, 1)

	failedRow := report.Outcomes[1]
	assert.Equal(t, ActionFailed, failedRow.Action)
	assert.ErrorContains(t, failedRow.Err, "disk full")
	require.Error(t, report.Err())
	assert.Len(t, report.Failures(), 1)

	note := notifier.last(t)
	assert.Equal(t, 1, note.Failed)
	require.Len(t, note.Failures, 1)
	assert.Equal(t, 2, note.Failures[0].Row)
	assert.False(t, note.Succeeded())
}

func TestUpsertPricePerMgOnlyDifferenceIsUnchanged(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	engine := newEngine(store, nil, Options{})

	sheet := researchRow("V1", "BPC-157", "3", "50")
	sheet.Research.PricePerMg = dec("16.67")
	_, err := engine.Upsert(ctx, []offer.Row{sheet}, "b1", "u1")
	require.NoError(t, err)

	report, err := engine.Upsert(ctx, []offer.Row{researchRow("V1", "BPC-157", "3", "50")}, "b2", "u1")
	require.NoError(t, err)
	assertCounts(t, report, 0, 0, 1, 0)
	assert.Zero(t, report.Summary.HistoryCreated)
	assert.Zero(t, store.HistoryCount())
}

func TestUpsertFailFastAborts(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: storage.NewMemory(), failPeptide: "BAD"}
	notifier := &captureNotifier{}
	engine := newEngine(store, notifier, Options{FailFast: true})

	rows := []offer.Row{researchRow("V1", "BAD", "5", "50")}
	for i := 0; i < 20; i++ {
		rows = append(rows, researchRow("V1", fmt.Sprintf("P-%02d", i), "5", "50"))
	}
	report, err := engine.Upsert(ctx, rows, "b1", "u1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")

	assert.Len(t, report.Outcomes, len(rows))
	assertCounts(t, report, 0, 0, 0, len(rows))
	assert.ErrorContains(t, report.Outcomes[0].Err, "disk full")
	for _, o := range report.Outcomes[1:] {
		assert.ErrorIs(t, o.Err, context.Canceled)
	}

	persisted, err := store.ListOffers(ctx, storage.OfferFilter{})
	require.NoError(t, err)
	assert.Empty(t, persisted)
	assert.Equal(t, 1, store.inserts)

	note := notifier.last(t)
	assert.Error(t, note.Err)
}

func TestUpsertFailFastKeepsRowsBeforeFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: storage.NewMemory(), failPeptide: "BAD"}
	engine := newEngine(store, nil, Options{FailFast: true})

	rows := []offer.Row{
		researchRow("V1", "BPC-157", "5", "50"),
		researchRow("V1", "BPC-157", "5", "60"),
		researchRow("V1", "BAD", "5", "50"),
		researchRow("V1", "TB-500", "5", "50"),
	}
	report, err := engine.Upsert(ctx, rows, "b1", "u1")
	require.Error(t, err)
	assertCounts(t, report, 1, 1, 0, 2)
	assert.Equal(t, ActionCreated, report.Outcomes[0].Action)
	assert.Equal(t, ActionUpdated, report.Outcomes[1].Action)
	assert.ErrorIs(t, report.Outcomes[3].Err, context.Canceled)

	persisted, err := store.ListOffers(ctx, storage.OfferFilter{})
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "BPC-157", persisted[0].PeptideName)
}

func TestUpsertCandidateLookupFailure(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory(), listErr: errors.New("connection reset")}
	notifier := &captureNotifier{}
	engine := newEngine(store, notifier, Options{})

	rows := []offer.Row{researchRow("V1", "BPC-157", "5", "50"), researchRow("V1", "TB-500", "5", "50")}
	report, err := engine.Upsert(context.Background(), rows, "b1", "u1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection reset")
	assertCounts(t, report, 0, 0, 0, 2)
	assert.Zero(t, store.inserts)
	assert.Error(t, notifier.last(t).Err)
}

func TestUpsertCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newEngine(storage.NewMemory(), nil, Options{})
	rows := []offer.Row{researchRow("V1", "BPC-157", "5", "50"), researchRow("V1", "TB-500", "5", "50")}
	report, err := engine.Upsert(ctx, rows, "b1", "u1")
	require.ErrorIs(t, err, context.Canceled)
	assertCounts(t, report, 0, 0, 0, 2)
	for _, o := range report.Outcomes {
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
}

// racingStore simulates another writer creating the offer between lookup and insert.
type racingStore struct {
	*storage.Memory
	once sync.Once
}

func (r *racingStore) InsertOffer(ctx context.Context, o offer.VendorOffer) (offer.VendorOffer, error) {
	r.once.Do(func() {
		other := o
		other.SubmittedBy = "someone-else"
		_, _ = r.Memory.InsertOffer(ctx, other)
	})
	return r.Memory.InsertOffer(ctx, o)
}

func TestUpsertReconcilesConcurrentInsert(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{Memory: storage.NewMemory()}
	engine := newEngine(store, nil, Options{})

	report, err := engine.Upsert(ctx, []offer.Row{researchRow("V1", "BPC-157", "5", "50")}, "b1", "u1")
	require.NoError(t, err)
	assertCounts(t, report, 0, 0, 1, 0)

	all, err := store.ListOffers(ctx, storage.OfferFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertNotifiesBigMoves(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	notifier := &captureNotifier{err: errors.New("telegram down")}
	engine := newEngine(store, notifier, Options{BigMoveThresholdPct: dec("15")})

	_, err := engine.Upsert(ctx, []offer.Row{
		researchRow("V1", "BPC-157", "5", "50"),
		researchRow("V1", "TB-500", "5", "100"),
	}, "b1", "u1")
	require.NoError(t, err, "notifier errors must not fail the batch")

	_, err = engine.Upsert(ctx, []offer.Row{
		researchRow("V1", "BPC-157", "5", "60"),
		researchRow("V1", "TB-500", "5", "105"),
	}, "b2", "u1")
	require.NoError(t, err)

	note := notifier.last(t)
	assert.Equal(t, 2, note.Updated)
	require.Len(t, note.BigMoves, 1)
	assert.Equal(t, "price_per_mg", note.BigMoves[0].Field)
	assert.True(t, note.BigMoves[0].ChangePct.Equal(dec("20")))
}

func TestUpsertMarksDryRunNotification(t *testing.T) {
	notifier := &captureNotifier{}
	engine := newEngine(storage.NewMemory(), notifier, Options{DryRun: true})

	_, err := engine.Upsert(context.Background(), []offer.Row{researchRow("V1", "BPC-157", "5", "50")}, "b1", "u1")
	require.NoError(t, err)
	assert.True(t, notifier.last(t).DryRun)
}

func TestUpsertRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	engine := New(storage.NewMemory(), nil, metrics.NewImportMetrics(reg), Options{}, zerolog.Nop())

	_, err := engine.Upsert(context.Background(), []offer.Row{researchRow("V1", "BPC-157", "5", "50")}, "b1", "u1")
	require.NoError(t, err)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["offer_import_rows_total"])
	assert.True(t, names["offer_import_batches_total"])
}

func TestUpsertHistoryUsesStoreClock(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	store := storage.NewMemory().WithClock(func() time.Time { return fixed })
	engine := newEngine(store, nil, Options{})

	_, err := engine.Upsert(ctx, []offer.Row{researchRow("V1", "BPC-157", "5", "50")}, "b1", "u1")
	require.NoError(t, err)
	report, err := engine.Upsert(ctx, []offer.Row{researchRow("V1", "BPC-157", "5", "40")}, "b2", "u1")
	require.NoError(t, err)

	history, err := store.ListHistory(ctx, report.Outcomes[0].OfferID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, fixed, history[0].ChangedAt)
	assert.True(t, history[0].PriceChangePct.Decimal.Equal(dec("-20")))
}
