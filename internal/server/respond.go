package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yourorg/agentmemory/internal/auth"
	"github.com/yourorg/agentmemory/internal/backup"
	"github.com/yourorg/agentmemory/internal/memlog"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, retryable bool) {
	auth.WriteError(w, status, code, message, auth.CorrelationID(r), retryable)
}

// errorStatus maps core errors to an HTTP status, an error code and
// whether the caller may retry.
func errorStatus(err error) (int, string, bool) {
	var verr *memlog.ValidationError
	var berr *backup.Error
	switch {
	case errors.As(err, &verr) && verr.Reason == memlog.TooLarge:
		return http.StatusRequestEntityTooLarge, "ENTRY_TOO_LARGE", false
	case errors.As(err, &verr):
		return http.StatusBadRequest, "ENTRY_EMPTY", false
	case errors.Is(err, backup.ErrBusy):
		return http.StatusConflict, "BACKUP_BUSY", true
	case errors.As(err, &berr) && berr.Timeout():
		return http.StatusGatewayTimeout, "BACKUP_TIMEOUT", true
	case errors.As(err, &berr):
		return http.StatusBadGateway, "BACKUP_REMOTE_ERROR", true
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, retryable := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"corrId", auth.CorrelationID(r),
			"status", status,
			"error", err,
		)
	}
	writeError(w, r, status, code, err.Error(), retryable)
}
