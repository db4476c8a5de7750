package upsert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"peptisync/internal/alerting"
	"peptisync/internal/metrics"
	"peptisync/internal/offer"
	"peptisync/internal/storage"
)

const defaultWorkers = 4

// Store is the persistence the engine needs.
type Store interface {
	ListCandidates(ctx context.Context, keys []offer.BaseKey) ([]offer.VendorOffer, error)
	InsertOffer(ctx context.Context, o offer.VendorOffer) (offer.VendorOffer, error)
	TouchOffer(ctx context.Context, id, batchID string) (offer.VendorOffer, error)
	ApplyChange(ctx context.Context, o offer.VendorOffer, h offer.PriceHistory) (offer.VendorOffer, offer.PriceHistory, error)
}

// Options tune engine behaviour.
type Options struct {
	// Workers bounds how many distinct match keys are written concurrently.
	Workers int
	// FailFast applies rows one at a time in input order and aborts the batch on the first row
	// failure; Workers is ignored.
	FailFast bool
	// BigMoveThresholdPct lists changes with |pct| at or above it in the notification. Zero disables.
	BigMoveThresholdPct decimal.Decimal
	// DryRun marks notifications of batches run against a throwaway store.
	DryRun bool
}

// Batch is one upload: rows plus provenance.
type Batch struct {
	ID     string
	UserID string
	Source string
	Rows   []offer.Row
}

// Engine reconciles parsed rows against stored offers and records price history.
type Engine struct {
	store    Store
	notifier alerting.Notifier
	metrics  *metrics.ImportMetrics
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs an engine. notifier and m may be nil.
func New(store Store, notifier alerting.Notifier, m *metrics.ImportMetrics, opts Options, logger zerolog.Logger) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		metrics:  m,
		opts:     opts,
		logger:   logger.With().Str("component", "upsert").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Upsert imports rows under one upload batch on behalf of userID.
func (e *Engine) Upsert(ctx context.Context, rows []offer.Row, uploadBatchID, userID string) (Report, error) {
	return e.Run(ctx, Batch{ID: uploadBatchID, UserID: userID, Rows: rows})
}

// Run imports a batch. The returned report always has one outcome per input row. An error is
// returned when the candidate lookup fails, the context is cancelled, or FailFast is set and a
// row fails; otherwise row failures are only reported in the outcomes.
func (e *Engine) Run(ctx context.Context, batch Batch) (Report, error) {
	started := time.Now()
	logger := e.logger.With().Str("batch_id", batch.ID).Logger()

	rows := make([]offer.Row, len(batch.Rows))
	keys := make([]offer.BaseKey, len(batch.Rows))
	for i, r := range batch.Rows {
		rows[i] = r.Normalize()
		keys[i] = offer.KeyFor(rows[i]).BaseKey
	}

	report := Report{BatchID: batch.ID, Outcomes: make([]Outcome, len(rows))}
	for i := range rows {
		report.Outcomes[i] = Outcome{Index: i, Row: rows[i], Action: ActionFailed}
	}

	candidates, err := e.store.ListCandidates(ctx, keys)
	if err != nil {
		err = fmt.Errorf("locate existing offers: %w", err)
		for i := range report.Outcomes {
			report.Outcomes[i].Err = err
		}
		return e.finish(ctx, batch, report, err, started), err
	}

	byBase := make(map[offer.BaseKey][]offer.VendorOffer)
	for _, c := range candidates {
		base := c.Key().BaseKey
		byBase[base] = append(byBase[base], c)
	}

	var runErr error
	if e.opts.FailFast {
		runErr = e.runInOrder(ctx, logger, batch, rows, byBase, report.Outcomes)
	} else {
		runErr = e.runGroups(ctx, logger, batch, rows, byBase, report.Outcomes)
	}
	if runErr == nil {
		runErr = ctx.Err()
	}

	return e.finish(ctx, batch, report, runErr, started), runErr
}

// runGroups applies distinct match keys concurrently, bounded by Workers.
func (e *Engine) runGroups(ctx context.Context, logger zerolog.Logger, batch Batch, rows []offer.Row, byBase map[offer.BaseKey][]offer.VendorOffer, outcomes []Outcome) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, grp := range groupRows(rows) {
		if cause := gctx.Err(); cause != nil {
			for _, i := range grp.indices {
				outcomes[i].Err = cause
			}
			continue
		}
		existing := e.locate(logger, byBase[grp.key.BaseKey], grp.key)
		g.Go(func() error {
			return e.applyGroup(gctx, batch, rows, grp, existing, outcomes)
		})
	}
	return g.Wait()
}

// runInOrder applies rows one at a time in input order and stops at the first failure, so no
// row after a failed one is written.
func (e *Engine) runInOrder(ctx context.Context, logger zerolog.Logger, batch Batch, rows []offer.Row, byBase map[offer.BaseKey][]offer.VendorOffer, outcomes []Outcome) error {
	saved := make(map[string]*offer.VendorOffer)
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			markRest(outcomes, i, err)
			return err
		}

		key := offer.KeyFor(row)
		id := key.String()
		current, ok := saved[id]
		if !ok {
			current = e.locate(logger, byBase[key.BaseKey], key)
		}

		out, result, err := e.applyRow(ctx, batch, row, current)
		out.Index = i
		outcomes[i] = out
		if err != nil {
			markRest(outcomes, i+1, context.Canceled)
			return fmt.Errorf("row %d (%s): %w", i, key.Describe(), err)
		}
		if id != "" {
			saved[id] = &result
		}
	}
	return nil
}

func markRest(outcomes []Outcome, from int, err error) {
	for i := from; i < len(outcomes); i++ {
		outcomes[i].Err = err
	}
}

type rowGroup struct {
	key     offer.MatchKey
	indices []int
}

// groupRows buckets rows by full match key in first-seen order. Rows without a discriminator
// can never match and each form their own group.
func groupRows(rows []offer.Row) []*rowGroup {
	byKey := make(map[string]*rowGroup)
	groups := make([]*rowGroup, 0, len(rows))
	for i, r := range rows {
		key := offer.KeyFor(r)
		id := key.String()
		if id == "" {
			groups = append(groups, &rowGroup{key: key, indices: []int{i}})
			continue
		}
		if grp, ok := byKey[id]; ok {
			grp.indices = append(grp.indices, i)
			continue
		}
		grp := &rowGroup{key: key, indices: []int{i}}
		byKey[id] = grp
		groups = append(groups, grp)
	}
	return groups
}

// locate returns the first candidate carrying key.
func (e *Engine) locate(logger zerolog.Logger, candidates []offer.VendorOffer, key offer.MatchKey) *offer.VendorOffer {
	var (
		found   *offer.VendorOffer
		ignored []string
	)
	for i := range candidates {
		if !key.Matches(candidates[i]) {
			continue
		}
		if found == nil {
			found = &candidates[i]
			continue
		}
		ignored = append(ignored, candidates[i].ID)
	}
	if len(ignored) > 0 {
		logger.Warn().Str("key", key.Describe()).Str("chosen", found.ID).Strs("ignored", ignored).
			Msg("several stored offers share one match key; using the oldest")
	}
	return found
}

// applyGroup applies rows sharing one key in input order; each row sees the previous row's result.
func (e *Engine) applyGroup(ctx context.Context, batch Batch, rows []offer.Row, grp *rowGroup, existing *offer.VendorOffer, outcomes []Outcome) error {
	current := existing
	for _, i := range grp.indices {
		if err := ctx.Err(); err != nil {
			outcomes[i].Err = err
			continue
		}

		out, saved, err := e.applyRow(ctx, batch, rows[i], current)
		out.Index = i
		outcomes[i] = out
		if err != nil {
			e.logger.Debug().Err(err).Str("batch_id", batch.ID).Int("row", i).Msg("row failed")
			continue
		}
		current = &saved
	}
	return nil
}

func (e *Engine) applyRow(ctx context.Context, batch Batch, row offer.Row, existing *offer.VendorOffer) (Outcome, offer.VendorOffer, error) {
	if existing == nil {
		return e.insert(ctx, batch, row)
	}
	return e.applyExisting(ctx, batch, row, *existing)
}

func (e *Engine) insert(ctx context.Context, batch Batch, row offer.Row) (Outcome, offer.VendorOffer, error) {
	saved, err := e.store.InsertOffer(ctx, offer.VendorOffer{
		Row:               row,
		UploadBatchID:     batch.ID,
		LastUploadBatchID: batch.ID,
		SubmittedBy:       batch.UserID,
	})
	if err == nil {
		return Outcome{Row: row, Action: ActionCreated, OfferID: saved.ID}, saved, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return failed(row, err), offer.VendorOffer{}, err
	}

	// Another writer created the offer after our lookup; reconcile against it instead.
	key := offer.KeyFor(row)
	candidates, lookupErr := e.store.ListCandidates(ctx, []offer.BaseKey{key.BaseKey})
	if lookupErr != nil {
		return failed(row, lookupErr), offer.VendorOffer{}, lookupErr
	}
	existing := e.locate(e.logger, candidates, key)
	if existing == nil {
		return failed(row, err), offer.VendorOffer{}, err
	}
	return e.applyExisting(ctx, batch, row, *existing)
}

func (e *Engine) applyExisting(ctx context.Context, batch Batch, row offer.Row, existing offer.VendorOffer) (Outcome, offer.VendorOffer, error) {
	if !offer.HasChanged(existing, row) {
		saved, err := e.store.TouchOffer(ctx, existing.ID, batch.ID)
		if err != nil {
			return failed(row, err), offer.VendorOffer{}, err
		}
		return Outcome{Row: row, Action: ActionUnchanged, OfferID: saved.ID}, saved, nil
	}

	history := offer.NewHistory(existing, row, batch.ID, batch.UserID, e.now())
	update := existing.Apply(row)
	update.UploadBatchID = batch.ID
	update.LastUploadBatchID = batch.ID
	update.SubmittedBy = batch.UserID

	saved, entry, err := e.store.ApplyChange(ctx, update, history)
	if err != nil {
		return failed(row, err), offer.VendorOffer{}, err
	}
	return Outcome{
		Row:            row,
		Action:         ActionUpdated,
		OfferID:        saved.ID,
		HistoryID:      entry.ID,
		ChangedFields:  history.ChangedFields,
		PriceChangePct: history.PriceChangePct,
	}, saved, nil
}

func failed(row offer.Row, err error) Outcome {
	return Outcome{Row: row, Action: ActionFailed, Err: err}
}

// finish computes the summary, records metrics and sends the notification.
func (e *Engine) finish(ctx context.Context, batch Batch, report Report, runErr error, started time.Time) Report {
	report.Summary = Summarize(report.Outcomes)
	s := report.Summary

	for _, o := range report.Outcomes {
		e.metrics.ObserveRow(string(o.Row.Tier), string(o.Action))
		if o.PriceChangePct.Valid {
			e.metrics.ObservePriceChange(string(o.Row.Tier), o.PriceChangePct.Decimal.InexactFloat64())
		}
	}

	status := "completed"
	switch {
	case runErr != nil:
		status = "failed"
	case s.Failed > 0:
		status = "partial"
	}
	e.metrics.ObserveBatch(status, time.Since(started))

	event := e.logger.Info()
	if status != "completed" {
		event = e.logger.Warn().AnErr("batch_error", runErr)
	}
	event.Str("batch_id", batch.ID).
		Str("source", batch.Source).
		Int("rows", len(report.Outcomes)).
		Int("created", s.Created).
		Int("updated", s.Updated).
		Int("unchanged", s.Unchanged).
		Int("history_created", s.HistoryCreated).
		Int("failed", s.Failed).
		Dur("elapsed", time.Since(started)).
		Msg("import batch " + status)

	if e.notifier != nil {
		// The batch context may already be cancelled; the notification still goes out.
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := e.notifier.Notify(notifyCtx, e.notification(batch, report, runErr)); err != nil {
			e.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("failed to send import notification")
		}
	}
	return report
}

func (e *Engine) notification(batch Batch, report Report, runErr error) alerting.ImportNotification {
	s := report.Summary
	note := alerting.ImportNotification{
		BatchID:        batch.ID,
		Source:         batch.Source,
		SubmittedBy:    batch.UserID,
		FinishedAt:     e.now(),
		DryRun:         e.opts.DryRun,
		Created:        s.Created,
		Updated:        s.Updated,
		Unchanged:      s.Unchanged,
		HistoryCreated: s.HistoryCreated,
		Failed:         s.Failed,
		Err:            runErr,
	}

	threshold := e.opts.BigMoveThresholdPct
	for _, o := range report.Outcomes {
		switch {
		case o.Action == ActionFailed && o.Err != nil:
			note.Failures = append(note.Failures, alerting.FailureNote{
				Row:    o.Index + 1,
				Key:    offer.KeyFor(o.Row).Describe(),
				Reason: o.Err.Error(),
			})
		case o.PriceChangePct.Valid && threshold.IsPositive() && o.PriceChangePct.Decimal.Abs().GreaterThanOrEqual(threshold):
			note.BigMoves = append(note.BigMoves, alerting.PriceMove{
				Key:       offer.KeyFor(o.Row).Describe(),
				Field:     offer.PrimaryMetric(o.Row.Tier),
				ChangePct: o.PriceChangePct.Decimal,
			})
		}
	}
	return note
}
