// Package inbox imports spreadsheets dropped into a watched directory.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"peptisync/internal/importer"
	"peptisync/internal/service"
	"peptisync/internal/storage"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Importer runs one upload.
type Importer interface {
	Import(ctx context.Context, req service.Request) (service.Result, error)
}

// Options configure a Processor.
type Options struct {
	Dir     string
	UserID  string
	LockKey int64
}

// Stats summarises one pass over the inbox.
type Stats struct {
	Processed int
	Failed    int
}

// Processor imports every spreadsheet in Dir and files it under processed/ or failed/.
type Processor struct {
	opts     Options
	importer Importer
	locker   storage.AdvisoryLocker
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds a processor. locker may be nil, in which case no cross-instance lock is taken.
func New(opts Options, imp Importer, locker storage.AdvisoryLocker, logger zerolog.Logger) *Processor {
	return &Processor{
		opts:     opts,
		importer: imp,
		locker:   locker,
		logger:   logger.With().Str("component", "inbox").Str("dir", opts.Dir).Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Tick is a scheduler.TickFunc: it processes the inbox when this instance holds the lock.
func (p *Processor) Tick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		p.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	stats, err := p.ProcessDir(ctx)
	if err != nil {
		return err
	}
	if stats.Processed+stats.Failed > 0 {
		p.logger.Info().Int("processed", stats.Processed).Int("failed", stats.Failed).Msg("inbox pass finished")
	}
	return nil
}

// ProcessDir imports the pending files in name order.
func (p *Processor) ProcessDir(ctx context.Context) (Stats, error) {
	var stats Stats

	files, err := p.pending()
	if err != nil {
		return stats, err
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ok, err := p.processFile(ctx, path)
		if err != nil {
			return stats, err
		}
		if ok {
			stats.Processed++
		} else {
			stats.Failed++
		}
	}
	return stats, nil
}

func (p *Processor) pending() ([]string, error) {
	entries, err := os.ReadDir(p.opts.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if _, err := importer.DetectFormat(entry.Name()); err != nil {
			continue
		}
		files = append(files, filepath.Join(p.opts.Dir, entry.Name()))
	}
	slices.Sort(files)
	return files, nil
}

// processFile imports one file and reports whether it went to processed/. An import interrupted
// by cancellation leaves the file in place for the next pass and returns the context error.
func (p *Processor) processFile(ctx context.Context, path string) (bool, error) {
	name := filepath.Base(path)
	logger := p.logger.With().Str("file", name).Logger()

	err := p.importFile(ctx, path)
	if interrupted(err) {
		logger.Warn().Err(err).Msg("inbox import interrupted; file left for the next pass")
		return false, err
	}

	dest := processedDir
	if err != nil {
		dest = failedDir
		logger.Error().Err(err).Msg("inbox file failed")
	}

	if moveErr := p.move(path, dest); moveErr != nil {
		logger.Error().Err(moveErr).Str("dest", dest).Msg("failed to move inbox file")
	}
	return err == nil, nil
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (p *Processor) importFile(ctx context.Context, path string) error {
	format, err := importer.DetectFormat(path)
	if err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	result, err := p.importer.Import(ctx, service.Request{
		Body:   file,
		Format: format,
		Source: filepath.Base(path),
		UserID: p.opts.UserID,
	})
	if err != nil {
		return err
	}

	s := result.Report.Summary
	p.logger.Info().Str("file", filepath.Base(path)).Str("batch_id", result.BatchID).
		Int("created", s.Created).Int("updated", s.Updated).Int("unchanged", s.Unchanged).
		Int("failed", s.Failed).Int("skipped_lines", len(result.ParseErrors)).
		Msg("inbox file imported")
	return nil
}

// move files path under dest with a timestamp prefix so repeated uploads of one name never collide.
func (p *Processor) move(path, dest string) error {
	dir := filepath.Join(p.opts.Dir, dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	target := filepath.Join(dir, p.now().Format("20060102T150405Z")+"_"+filepath.Base(path))
	return os.Rename(path, target)
}

func (p *Processor) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.opts.LockKey == 0 || p.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.locker.TryAdvisoryLock(ctx, p.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
