package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/substratehq/substrate/internal/repository"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respondError maps repository sentinels onto HTTP statuses. Unknown
// errors become opaque 500s; their detail goes to the log, not the wire.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, clientMessage(err))
	case errors.Is(err, repository.ErrActiveRun):
		writeError(w, http.StatusConflict, clientMessage(err))
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, clientMessage(err))
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusUnprocessableEntity, clientMessage(err))
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// clientMessage strips the internal sentinel prefix before the message
// goes on the wire. Wrapped errors keep their detail; a bare sentinel
// keeps its own text.
func clientMessage(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{
		repository.ErrInvalidArgument,
		repository.ErrActiveRun,
		repository.ErrNotFound,
		repository.ErrConflict,
	} {
		if prefix := sentinel.Error() + ": "; strings.HasPrefix(msg, prefix) {
			return strings.TrimPrefix(msg, prefix)
		}
	}
	return strings.TrimPrefix(msg, "repository: ")
}
