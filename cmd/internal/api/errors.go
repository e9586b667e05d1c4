package api

import (
	"errors"
	"net/http"

	"nostrid/cmd/identity"
)

// writeDomainError maps identity error kinds onto HTTP status codes. Only
// invalid-input messages are echoed to the client.
func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	var opErr identity.OpError
	switch {
	case identity.IsInvalidInput(err):
		msg := "invalid request"
		if errors.As(err, &opErr) && opErr.Msg != "" {
			msg = opErr.Msg
		}
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
	case identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case identity.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "already in use")
	case identity.IsUnavailable(err):
		h.log.Warn("api.request.unavailable", "op", op, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable")
	default:
		h.log.Error("api.request.failed", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
