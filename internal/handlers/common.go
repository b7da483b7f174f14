package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/plomgrading/marker/internal/apperr"
	"github.com/plomgrading/marker/internal/metrics"
)

// writeError translates the domain error taxonomy into HTTP statuses:
// validation 400, permission 403, not-found 404, conflict 409. Conflict
// and validation bodies carry the structured detail the client needs to
// recover.
func writeError(w http.ResponseWriter, err error) {
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":  ve.Error(),
			"fields": ve.Fields,
		})
		return
	}
	var ce *apperr.ConflictError
	if errors.As(err, &ce) {
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":               ce.Message,
			"current_revision":    ce.CurrentRevision,
			"current_subrevision": ce.CurrentSubrevision,
			"current_owner":       ce.CurrentOwner,
		})
		return
	}
	if errors.Is(err, apperr.ErrPermissionDenied) {
		respondJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
		return
	}
	if errors.Is(err, apperr.ErrNotFound) {
		respondJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	logger.Error.Printf("Internal error: %v", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error.Printf("Failed to encode response: %v", err)
	}
}

// timed wraps a handler with the API duration histogram.
func timed(pattern string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.APIRequestDuration.WithLabelValues(
			pattern,
			r.Method,
			strconv.Itoa(rec.status),
		).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func pathInt(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		return 0, apperr.NewFieldError(name, "must be an integer")
	}
	return v, nil
}
