package authapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// limitByIP allows n requests per window per client address. With
// TrustProxy the address comes from X-Forwarded-For / X-Real-IP.
func (h *Handler) limitByIP(action string, n int, window time.Duration) func(http.Handler) http.Handler {
	if n <= 0 || window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	key := httprate.KeyByIP
	if h.cfg.TrustProxy {
		key = httprate.KeyByRealIP
	}

	return httprate.Limit(n, window,
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, h.cfg.TrustProxy)
			h.audit.Record(r.Context(), AuditEvent{
				Action:    action,
				IP:        ip,
				UserAgent: r.UserAgent(),
			})
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
		}),
	)
}
