package upsert

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"peptisync/internal/offer"
)

// Action is the per-row result of an import.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
	ActionFailed    Action = "failed"
)

// Outcome records what happened to one input row.
type Outcome struct {
	Index          int
	Row            offer.Row
	Action         Action
	OfferID        string
	HistoryID      string
	ChangedFields  []string
	PriceChangePct decimal.NullDecimal
	Err            error
}

// Summary holds the aggregate counts of a batch.
type Summary struct {
	Created        int `json:"created"`
	Updated        int `json:"updated"`
	Unchanged      int `json:"unchanged"`
	HistoryCreated int `json:"history_created"`
	Failed         int `json:"failed"`
}

// Total is the number of rows accounted for.
func (s Summary) Total() int {
	return s.Created + s.Updated + s.Unchanged + s.Failed
}

// add folds one outcome into the summary.
func (s Summary) add(o Outcome) Summary {
	switch o.Action {
	case ActionCreated:
		s.Created++
	case ActionUpdated:
		s.Updated++
		if o.HistoryID != "" {
			s.HistoryCreated++
		}
	case ActionUnchanged:
		s.Unchanged++
	default:
		s.Failed++
	}
	return s
}

// Summarize folds outcomes into counts.
func Summarize(outcomes []Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		s = s.add(o)
	}
	return s
}

// Report is the result of one import batch. Outcomes are in input order.
type Report struct {
	BatchID  string
	Outcomes []Outcome
	Summary  Summary
}

// Failures returns the failed outcomes.
func (r Report) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Action == ActionFailed {
			out = append(out, o)
		}
	}
	return out
}

// Err joins every row error, or returns nil when all rows succeeded.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Failures() {
		errs = append(errs, fmt.Errorf("row %d (%s): %w", o.Index, offer.KeyFor(o.Row).Describe(), o.Err))
	}
	return errors.Join(errs...)
}
