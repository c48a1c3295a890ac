package authapi

import (
	"net"
	"net/http"
	"strings"

	"learnhub/cmd/identity"
	"learnhub/cmd/internal/auth/guard"
	"learnhub/cmd/internal/auth/session"
)

func subjectOf(p guard.Principal) session.Subject {
	return session.Subject{UserID: p.UserID, Email: p.Email, Role: string(p.Role)}
}

func subjectOfUser(u identity.User) session.Subject {
	return session.Subject{UserID: u.ID, Email: u.Email, Role: string(u.Role)}
}

func (h *Handler) device(r *http.Request, rememberMe bool) session.DeviceContext {
	return session.DeviceContext{
		RememberMe: rememberMe,
		UserAgent:  strings.TrimSpace(r.UserAgent()),
		IP:         clientIP(r, h.cfg.TrustProxy),
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// parseForwardedIP returns the left-most parseable address.
func parseForwardedIP(raw string) net.IP {
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
