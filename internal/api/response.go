package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shohag/pushrelay/internal/dispatch"
	"github.com/shohag/pushrelay/internal/storage"
	"github.com/shohag/pushrelay/internal/tracking"
)

type errorResponse struct {
	Error string `json:"error"`
}

const maxBodySize = 256 * 1024

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// decodeJSON reads a bounded JSON body into v and writes a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeDomainError maps errors from the dispatch and tracking layers to
// status codes. Unrecognized errors are not echoed back.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest), errors.Is(err, dispatch.ErrSegmentNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrDeviceNotFound),
		errors.Is(err, dispatch.ErrNotificationNotFound),
		errors.Is(err, tracking.ErrNotificationNotFound),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
