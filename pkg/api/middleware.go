package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/stagee/engine/pkg/dispatcher"
	"github.com/stagee/engine/pkg/metrics"
	"github.com/stagee/engine/pkg/storage"

	v1 "github.com/stagee/engine/pkg/api/v1"
)

// statusRecorder captures the response code for metrics. It forwards
// Flush so follow streams keep working through the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument wraps a handler with request counting and latency tracking,
// labeled by logical operation rather than URL path.
func (s *Server) instrument(op string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, op)
		metrics.APIRequestsTotal.WithLabelValues(op, strconv.Itoa(rec.status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps engine errors onto HTTP statuses and wire error kinds.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "store_unavailable"
	switch {
	case errors.Is(err, dispatcher.ErrInvalidPlan):
		status, kind = http.StatusBadRequest, "invalid_plan"
	case errors.Is(err, storage.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, storage.ErrHashMismatch):
		status, kind = http.StatusConflict, "plan_hash_mismatch"
	case errors.Is(err, storage.ErrExpired):
		status, kind = http.StatusGone, "approval_expired"
	case errors.Is(err, storage.ErrInvalidTransition):
		status, kind = http.StatusConflict, "invalid_transition"
	case errors.Is(err, storage.ErrConflict):
		status, kind = http.StatusConflict, "conflict"
	}
	writeJSON(w, status, v1.ErrorResponse{Error: err.Error(), Kind: kind})
}

// badRequest reports a malformed request body or parameter.
func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, v1.ErrorResponse{Error: msg, Kind: "invalid_plan"})
}
