// Package respond writes JSON responses and maps domain errors to HTTP
// status codes.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
	"github.com/unclebandit/broadcast-engine/internal/logging"
)

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Error writes err with the status its type maps to. Unexpected errors are
// reported and hidden from the client.
func Error(w http.ResponseWriter, r *http.Request, log *logrus.Entry, err error) {
	var ve *appErrors.ValidationError
	var it *appErrors.ErrInvalidTransition

	switch {
	case errors.As(err, &ve):
		body := map[string]any{"error": ve.Error()}
		if len(ve.Fields) > 0 {
			body["fields"] = ve.Fields
		}
		JSON(w, http.StatusBadRequest, body)
	case appErrors.IsNotFound(err):
		JSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &it), errors.Is(err, appErrors.ErrCampaignNotDeletable):
		JSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		logging.ReportError(log, "http_internal", err, logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		})
		JSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func BadRequest(w http.ResponseWriter, msg string) {
	JSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// ID parses a positive int64 URL parameter.
func ID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// IntQuery reads an integer query parameter, falling back to def.
func IntQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
