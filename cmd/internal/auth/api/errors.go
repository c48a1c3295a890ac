package authapi

import (
	"errors"
	"net/http"
	"strconv"

	"learnhub/cmd/identity"
	"learnhub/cmd/internal/auth/guard"
	"learnhub/cmd/internal/auth/session"
)

// fail maps err to a status and error envelope. It is the only place that
// turns domain errors into HTTP; guards use it too.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrServiceUnavailable), errors.Is(err, identity.ErrUnavailable):
		h.log.Warn("auth.unavailable", "path", r.URL.Path, "err", err)
		w.Header().Set("Retry-After", strconv.Itoa(int(h.cfg.RetryAfter.Seconds())))
		writeError(w, http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable")

	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
	case errors.Is(err, session.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token_expired", "session expired")
	case errors.Is(err, guard.ErrUnauthorized), errors.Is(err, session.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")

	case errors.Is(err, guard.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed")
	case errors.Is(err, identity.ErrNotVerified):
		writeError(w, http.StatusForbidden, "email_not_verified", "email verification required")

	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
	case identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "not found")

	case errors.Is(err, identity.ErrEmailInUse):
		writeError(w, http.StatusConflict, "email_in_use", "email already registered")
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", invalidInputMessage(err))

	default:
		h.log.Error("auth.internal", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func invalidInputMessage(err error) string {
	var oe identity.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return "invalid input"
}
