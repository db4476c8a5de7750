package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"peptisync/internal/apperr"
	"peptisync/internal/storage"
)

type successEnvelope struct {
	Data any `json:"data"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successEnvelope{Data: data})
}

// writeError maps err to its public code and status. Internal failures are logged with the
// full chain and answered with a generic message.
func writeError(logger zerolog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}

	typed := apperr.As(err)
	switch {
	case typed != nil:
	case errors.Is(err, storage.ErrNotFound):
		typed = apperr.Wrap(apperr.CodeNotFound, err, "offer not found")
	case errors.Is(err, storage.ErrConflict):
		typed = apperr.Wrap(apperr.CodeConflict, err, "offer already exists")
	case errors.Is(err, storage.ErrNotConfigured):
		typed = apperr.Wrap(apperr.CodeDependency, err, "database not configured")
	default:
		typed = apperr.Wrap(apperr.CodeInternal, err, "unexpected error")
	}

	meta := apperr.MetadataFor(typed.Code())
	msg := meta.PublicMessage
	if typed.Code() != apperr.CodeInternal && typed.Message() != "" {
		msg = typed.Message()
	}

	payload := errorEnvelope{Error: apiError{Code: string(typed.Code()), Message: msg}}
	if meta.DetailsAllowed {
		payload.Error.Details = typed.Details()
	}

	event := logger.Warn()
	if meta.HTTPStatus >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Str("error_code", string(typed.Code())).
		Msg("request failed")

	writeJSON(w, meta.HTTPStatus, payload)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
