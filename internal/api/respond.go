package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
	"github.com/smukkama/vigilant-patrol/internal/review"
)

// Response is the envelope of every API reply.
type Response struct {
	Status    string    `json:"status"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, resp Response) {
	resp.Timestamp = time.Now().UTC()
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("failed to write JSON response")
	}
}

func respondOK(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, Response{Status: "ok", Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	respondJSON(w, status, Response{
		Status: "error",
		Error:  &APIError{Code: code, Message: message, Details: details},
	})
}

// respondErr maps domain errors to HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, patrol.ErrInvalidGuard), errors.Is(err, patrol.ErrInvalidSample):
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, patrol.ErrNoActiveSession):
		respondError(w, http.StatusNotFound, "NO_ACTIVE_PATROL", err.Error(), nil)
	case errors.Is(err, review.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, review.ErrNotSealed):
		respondError(w, http.StatusConflict, "PATROL_IN_PROGRESS", err.Error(), nil)
	case errors.Is(err, patrol.ErrPatrolActive):
		respondError(w, http.StatusConflict, "PATROL_ACTIVE", err.Error(), nil)
	case errors.Is(err, patrol.ErrSourceUnavailable):
		respondError(w, http.StatusServiceUnavailable, "SOURCE_UNAVAILABLE", err.Error(), nil)
	case errors.Is(err, review.ErrOffline):
		respondError(w, http.StatusServiceUnavailable, "OFFLINE", err.Error(), nil)
	default:
		logging.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}
