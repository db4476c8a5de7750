package app

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peptisync/internal/alerting"
	"peptisync/internal/config"
	"peptisync/internal/metrics"
	"peptisync/internal/offer"
	"peptisync/internal/service"
	"peptisync/internal/storage"
	"peptisync/internal/upsert"
)

// errNoDatabase is returned by commands that need persistence when database.dsn is empty.
var errNoDatabase = errors.New("database not configured; set database.dsn or PEPTISYNC_DATABASE_DSN")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}

	var multi alerting.Multi
	for _, ch := range a.Config.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "log":
			multi = append(multi, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			multi = append(multi, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger))
		}
	}
	if len(multi) == 0 {
		return nil
	}
	return multi
}

// newRegistry returns a registry preloaded with runtime collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// openStore returns nil without error when no DSN is configured.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// requireStore is openStore for commands that cannot run without a database.
func (a *App) requireStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errNoDatabase
	}
	return store, closeStore, nil
}

// engineOptions merges command overrides over configuration.
func (a *App) engineOptions(workers int, failFast bool) upsert.Options {
	return upsert.Options{
		Workers:             a.Config.ResolveWorkers(workers),
		FailFast:            failFast || a.Config.Upsert.FailFast,
		BigMoveThresholdPct: decimal.NewFromFloat(a.Config.Alerting.ThresholdPct),
	}
}

// dryRunNotifier keeps dry-run summaries out of live channels.
func (a *App) dryRunNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) newService(store upsert.Store, m *metrics.ImportMetrics, opts upsert.Options) *service.Service {
	notifier := a.newNotifier()
	if opts.DryRun {
		notifier = a.dryRunNotifier()
	}
	engine := upsert.New(store, notifier, m, opts, a.Logger)
	return service.New(engine, service.Options{
		DefaultUser: a.Config.Importer.DefaultUser,
		DefaultTier: offer.Tier(strings.ToLower(a.Config.Importer.DefaultTier)),
	}, a.Logger)
}

// ImportOptions configure a one-off file import.
type ImportOptions struct {
	Path     string
	UserID   string
	Tier     offer.Tier
	BatchID  string
	DryRun   bool
	FailFast bool
	Workers  int
}

// OffersOptions filter the offers listing.
type OffersOptions struct {
	VendorID string
	Tier     offer.Tier
	Peptide  string
	Limit    int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	OfferID   string
	Limit     int
	CSVPath   string
	PNGPath   string
	MaxPoints int
}
