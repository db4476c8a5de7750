package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"peptisync/internal/httpapi"
	"peptisync/internal/inbox"
	"peptisync/internal/metrics"
	"peptisync/internal/scheduler"
	"peptisync/internal/service"
	"peptisync/internal/storage"
)

// runtime holds the long-lived dependencies shared by serve and run.
type runtime struct {
	service *service.Service
	handler http.Handler
}

func (a *App) newRuntime(store *storage.Store) runtime {
	reg := newRegistry()
	svc := a.newService(store, metrics.NewImportMetrics(reg), a.engineOptions(0, false))

	var metricsHandler http.Handler
	if a.Config.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	handler := httpapi.NewRouter(httpapi.Deps{
		Importer:       svc,
		Offers:         store,
		History:        store,
		Pinger:         store,
		Metrics:        metricsHandler,
		MetricsPath:    a.Config.Metrics.Path,
		MaxUploadBytes: a.Config.Importer.MaxUploadBytes,
		Logger:         a.Logger,
	})
	return runtime{service: svc, handler: handler}
}

func (a *App) serverOptions() httpapi.ServerOptions {
	return httpapi.ServerOptions{
		Addr:            a.Config.HTTP.Addr,
		ReadTimeout:     a.Config.HTTP.ReadTimeout,
		WriteTimeout:    a.Config.HTTP.WriteTimeout,
		ShutdownTimeout: a.Config.HTTP.ShutdownTimeout,
	}
}

// Serve runs the HTTP API until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rt := a.newRuntime(store)
	a.Logger.Info().Msg("starting api server")
	return httpapi.Serve(ctx, a.serverOptions(), rt.handler, a.Logger)
}

// Run watches the inbox directory on the configured interval. With withHTTP the API is served
// alongside the watcher and both stop together.
func (a *App) Run(ctx context.Context, withHTTP bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rt := a.newRuntime(store)
	processor := inbox.New(inbox.Options{
		Dir:     a.Config.Inbox.Dir,
		UserID:  a.Config.Importer.DefaultUser,
		LockKey: a.Config.Inbox.AdvisoryLockKey,
	}, rt.service, store, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Inbox.Interval,
		AlignToStart: a.Config.Inbox.AlignToBucket,
		StartupDelay: a.Config.Inbox.StartupDelay,
		Immediate:    true,
	}, a.Logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sched.Run(gctx, processor.Tick)
	})
	if withHTTP {
		group.Go(func() error {
			return httpapi.Serve(gctx, a.serverOptions(), rt.handler, a.Logger)
		})
	}

	a.Logger.Info().Str("dir", a.Config.Inbox.Dir).Dur("interval", a.Config.Inbox.Interval).Msg("starting inbox watcher")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("inbox watcher stopped")
	return nil
}
