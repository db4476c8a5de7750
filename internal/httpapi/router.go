// Package httpapi exposes imports and offer lookups over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"peptisync/internal/storage"
)

// Deps are the collaborators of the router. Pinger and Metrics may be nil.
type Deps struct {
	Importer       Importer
	Offers         OfferReader
	History        storage.HistoryStore
	Pinger         Pinger
	Metrics        http.Handler
	MetricsPath    string
	MaxUploadBytes int64
	Logger         zerolog.Logger
}

// NewRouter wires every route.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(logger),
		middleware.Recoverer,
	)

	r.Get("/healthz", Health(deps.Pinger, logger))
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/imports", CreateImport(deps.Importer, deps.MaxUploadBytes, logger))
		r.Get("/offers", ListOffers(deps.Offers, logger))
		r.Get("/offers/{id}", GetOffer(deps.Offers, logger))
		r.Get("/offers/{id}/history", ListHistory(deps.Offers, deps.History, logger))
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
}
