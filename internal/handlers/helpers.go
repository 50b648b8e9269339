package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kodiq/kodiqd/internal/errdefs"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeErr maps engine errors to HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, errdefs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errdefs.ErrAuthFailed), errors.Is(err, errdefs.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, errdefs.ErrBind), errors.Is(err, errdefs.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, errdefs.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errdefs.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, errdefs.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
