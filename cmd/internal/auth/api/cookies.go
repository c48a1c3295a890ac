package authapi

import (
	"net/http"
	"time"

	"learnhub/cmd/internal/auth/guard"
	"learnhub/cmd/internal/auth/session"
)

// The refresh cookie is only ever sent to the refresh endpoint.
const refreshCookiePath = "/auth/refresh"

func (h *Handler) setSessionCookies(w http.ResponseWriter, issued session.Issued) {
	h.setCookie(w, guard.AccessCookie, issued.AccessToken, "/", issued.AccessExp)
	h.setCookie(w, guard.RefreshCookie, issued.RefreshToken, refreshCookiePath, issued.RefreshExp)
}

// clearSessionCookies expires both cookies. It is safe to call when the
// client holds neither.
func (h *Handler) clearSessionCookies(w http.ResponseWriter) {
	h.expireCookie(w, guard.AccessCookie, "/")
	h.expireCookie(w, guard.RefreshCookie, refreshCookiePath)
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value, path string, exp time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   h.cfg.CookieDomain,
		Expires:  exp,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) expireCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   h.cfg.CookieDomain,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearCookiesFirst queues cookie expiry before next runs, so the response
// clears them whatever next (or a guard in front of it) decides.
func (h *Handler) clearCookiesFirst(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.clearSessionCookies(w)
		next.ServeHTTP(w, r)
	})
}
