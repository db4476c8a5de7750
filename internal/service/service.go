package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"peptisync/internal/apperr"
	"peptisync/internal/importer"
	"peptisync/internal/offer"
	"peptisync/internal/upsert"
)

// Engine applies parsed rows.
type Engine interface {
	Run(ctx context.Context, batch upsert.Batch) (upsert.Report, error)
}

// Options hold defaults applied to requests that leave them blank.
type Options struct {
	DefaultUser string
	DefaultTier offer.Tier
}

// Request is one spreadsheet upload.
type Request struct {
	Body    io.Reader
	Format  importer.Format
	Source  string
	UserID  string
	BatchID string
	Tier    offer.Tier
}

// Result pairs the engine report with the lines the parser skipped.
type Result struct {
	BatchID     string
	Source      string
	Report      upsert.Report
	ParseErrors []importer.RowError
}

// Service orchestrates parsing and upserting of vendor spreadsheets.
type Service struct {
	engine Engine
	opts   Options
	logger zerolog.Logger
}

// New constructs the import service.
func New(engine Engine, opts Options, logger zerolog.Logger) *Service {
	if opts.DefaultUser == "" {
		opts.DefaultUser = "system"
	}
	return &Service{
		engine: engine,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Import parses req.Body and upserts every valid row under one batch.
func (s *Service) Import(ctx context.Context, req Request) (Result, error) {
	if req.Body == nil {
		return Result{}, apperr.New(apperr.CodeValidation, "request body is empty")
	}

	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		batchID = uuid.NewString()
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = s.opts.DefaultUser
	}
	tier := req.Tier
	if tier == "" {
		tier = s.opts.DefaultTier
	}

	logger := s.logger.With().Str("batch_id", batchID).Str("source", req.Source).Logger()
	result := Result{BatchID: batchID, Source: req.Source}

	rows, rowErrs, err := importer.New(importer.Options{DefaultTier: tier}).Parse(req.Body, req.Format)
	if err != nil {
		return result, err
	}
	result.ParseErrors = rowErrs
	for _, re := range rowErrs {
		logger.Warn().Int("line", re.Line).Err(re.Err).Msg("skipping spreadsheet line")
	}

	if len(rows) == 0 {
		details := make(map[string]string, len(rowErrs))
		for _, re := range rowErrs {
			details[fmt.Sprintf("line %d", re.Line)] = re.Err.Error()
		}
		return result, apperr.New(apperr.CodeValidation, "spreadsheet has no importable rows").WithDetails(details)
	}

	logger.Info().Int("rows", len(rows)).Int("skipped", len(rowErrs)).Str("user_id", userID).Msg("importing spreadsheet")

	report, err := s.engine.Run(ctx, upsert.Batch{ID: batchID, UserID: userID, Source: req.Source, Rows: rows})
	result.Report = report
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return result, err
		}
		return result, apperr.Wrap(apperr.CodeDependency, err, "import aborted")
	}
	return result, nil
}

// Failed reports whether any line was skipped or any row failed.
func (r Result) Failed() bool {
	return len(r.ParseErrors) > 0 || r.Report.Summary.Failed > 0
}
