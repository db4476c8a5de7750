package httpapi

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"peptisync/internal/apperr"
	"peptisync/internal/importer"
	"peptisync/internal/offer"
	"peptisync/internal/service"
	"peptisync/internal/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Importer runs one spreadsheet upload.
type Importer interface {
	Import(ctx context.Context, req service.Request) (service.Result, error)
}

// OfferReader is the read side of the offer store.
type OfferReader interface {
	GetOffer(ctx context.Context, id string) (offer.VendorOffer, error)
	ListOffers(ctx context.Context, filter storage.OfferFilter) ([]offer.VendorOffer, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

var contentTypeFormats = map[string]importer.Format{
	"text/csv":        importer.FormatCSV,
	"application/csv": importer.FormatCSV,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": importer.FormatXLSX,
}

// CreateImport accepts a raw spreadsheet body and imports it as one batch.
func CreateImport(svc Importer, maxBytes int64, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		format, err := requestFormat(r)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}

		var tier offer.Tier
		if raw := strings.TrimSpace(q.Get("tier")); raw != "" {
			if tier, err = offer.ParseTier(raw); err != nil {
				writeError(logger, w, r, apperr.Wrap(apperr.CodeValidation, err, "invalid tier"))
				return
			}
		}

		user := strings.TrimSpace(q.Get("user"))
		if user == "" {
			user = strings.TrimSpace(r.Header.Get("X-User-ID"))
		}

		body := r.Body
		if maxBytes > 0 {
			body = http.MaxBytesReader(w, r.Body, maxBytes)
		}

		result, err := svc.Import(r.Context(), service.Request{
			Body:    body,
			Format:  format,
			Source:  strings.TrimSpace(q.Get("filename")),
			UserID:  user,
			BatchID: strings.TrimSpace(q.Get("batch_id")),
			Tier:    tier,
		})
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				err = apperr.New(apperr.CodeValidation, "upload exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			}
			writeError(logger, w, r, err)
			return
		}

		writeSuccess(w, http.StatusOK, toImportResponse(result))
	}
}

// requestFormat reads ?format=, then the ?filename= extension, then the Content-Type.
func requestFormat(r *http.Request) (importer.Format, error) {
	q := r.URL.Query()
	if raw := q.Get("format"); raw != "" {
		return importer.ParseFormat(raw)
	}
	if name := q.Get("filename"); name != "" {
		return importer.DetectFormat(name)
	}
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil {
		if f, ok := contentTypeFormats[mediaType]; ok {
			return f, nil
		}
	}
	return "", apperr.New(apperr.CodeValidation, "format is required (csv or xlsx)")
}

// ListOffers returns offers filtered by vendor_id, tier and peptide.
func ListOffers(store OfferReader, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		limit, err := parseLimit(q.Get("limit"))
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		filter := storage.OfferFilter{
			VendorID:    strings.TrimSpace(q.Get("vendor_id")),
			PeptideName: strings.TrimSpace(q.Get("peptide")),
			Limit:       limit,
		}
		if raw := strings.TrimSpace(q.Get("tier")); raw != "" {
			if filter.Tier, err = offer.ParseTier(raw); err != nil {
				writeError(logger, w, r, apperr.Wrap(apperr.CodeValidation, err, "invalid tier"))
				return
			}
		}

		offers, err := store.ListOffers(r.Context(), filter)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		resp := make([]offerResponse, 0, len(offers))
		for _, o := range offers {
			resp = append(resp, toOfferResponse(o))
		}
		writeSuccess(w, http.StatusOK, resp)
	}
}

// GetOffer returns one offer.
func GetOffer(store OfferReader, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := offerID(r)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		o, err := store.GetOffer(r.Context(), id)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		writeSuccess(w, http.StatusOK, toOfferResponse(o))
	}
}

// ListHistory returns the price history of one offer, newest first.
func ListHistory(store OfferReader, history storage.HistoryStore, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := offerID(r)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		limit, err := parseLimit(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		if _, err := store.GetOffer(r.Context(), id); err != nil {
			writeError(logger, w, r, err)
			return
		}

		entries, err := history.ListHistory(r.Context(), id, limit)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		resp := make([]historyResponse, 0, len(entries))
		for _, h := range entries {
			resp = append(resp, toHistoryResponse(h))
		}
		writeSuccess(w, http.StatusOK, resp)
	}
}

// Health pings the database when one is configured.
func Health(db Pinger, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				logger.Error().Err(err).Msg("health check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func offerID(r *http.Request) (string, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeValidation, err, "invalid offer id")
	}
	return id.String(), nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.New(apperr.CodeValidation, "limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}
