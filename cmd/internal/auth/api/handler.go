package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"learnhub/cmd/identity"
	"learnhub/cmd/internal/auth/guard"
	"learnhub/cmd/internal/auth/session"
)

// Handler serves the /auth endpoints.
type Handler struct {
	log *slog.Logger
	cfg Config

	creds    *identity.Credentials
	users    identity.Directory
	sessions *session.Service
	guard    *guard.Guard
	audit    Auditor

	// refreshGuard differs from guard only in its failure path, which also
	// expires the client's cookies.
	refreshGuard *guard.Guard

	now func() time.Time
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithAuditor overrides the default log-only auditor.
func WithAuditor(a Auditor) HandlerOption {
	return func(h *Handler) {
		if a != nil {
			h.audit = a
		}
	}
}

// WithClock overrides time.Now for handlers and guards, for tests.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler wires the auth endpoints.
func NewHandler(log *slog.Logger, cfg Config, creds *identity.Credentials, users identity.Directory, sessions *session.Service, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:      log,
		cfg:      cfg,
		creds:    creds,
		users:    users,
		sessions: sessions,
		audit:    LogAuditor{Log: log},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.guard = guard.New(sessions, users,
		guard.WithLogger(log),
		guard.WithErrorWriter(h.fail),
		guard.WithClock(h.now),
	)
	h.refreshGuard = guard.New(sessions, users,
		guard.WithLogger(log),
		guard.WithErrorWriter(h.failRefresh),
		guard.WithClock(h.now),
	)
	return h
}

// Register mounts the auth routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.With(h.limitByIP(actionSignUpRateLimited, h.cfg.SignUpLimit, h.cfg.SignUpWindow)).
			Post("/signup", h.handleSignUp)
		r.With(h.limitByIP(actionSignInRateLimited, h.cfg.SignInLimit, h.cfg.SignInWindow)).
			Post("/signin", h.handleSignIn)
		r.With(h.refreshGuard.Refresh).Post("/refresh", h.handleRefresh)

		// Sign-out clears cookies even when the access token is already gone.
		r.With(h.clearCookiesFirst, h.guard.Access).Post("/signout", h.handleSignOut)

		r.Group(func(r chi.Router) {
			r.Use(h.guard.Access)
			r.Post("/signout-all", h.handleSignOutAll)
			r.Get("/me", h.handleMe)
			r.Get("/sessions", h.handleListSessions)
			r.Delete("/sessions/{id}", h.handleDeleteSession)

			r.With(h.guard.RequireRoles(identity.RoleAdmin)).
				Delete("/admin/users/{id}/sessions", h.handleAdminForceSignOut)
		})
	})
}

func (h *Handler) principal(r *http.Request) guard.Principal {
	p, _ := guard.PrincipalFrom(r.Context())
	return p
}

func (h *Handler) record(r *http.Request, e AuditEvent) {
	if e.IP == nil {
		e.IP = clientIP(r, h.cfg.TrustProxy)
	}
	if e.UserAgent == "" {
		e.UserAgent = r.UserAgent()
	}
	h.audit.Record(r.Context(), e)
}

func (h *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	u, err := h.creds.SignUp(r.Context(), identity.SignUpInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: trimPtr(req.DisplayName),
	}, h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.record(r, AuditEvent{Action: actionSignUp, UserID: u.ID})
	writeJSON(w, http.StatusCreated, userEnvelope{User: toUserResponse(u)})
}

func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	now := h.now()

	u, err := h.creds.SignIn(ctx, req.Email, req.Password, now)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidCredentials):
			h.record(r, AuditEvent{Action: actionSignInFailed, Meta: map[string]any{"reason": "invalid_credentials"}})
		case errors.Is(err, identity.ErrNotVerified):
			h.record(r, AuditEvent{Action: actionSignInFailed, Meta: map[string]any{"reason": "email_not_verified"}})
		}
		h.fail(w, r, err)
		return
	}

	issued, err := h.sessions.IssueSession(ctx, now, subjectOfUser(u), h.device(r, req.RememberMe))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.record(r, AuditEvent{Action: actionSignInSuccess, UserID: u.ID, SessionID: issued.SessionID})
	h.setSessionCookies(w, issued)
	writeJSON(w, http.StatusOK, signInResponse{
		User:    toUserResponse(u),
		Session: toSessionResponse(issued, req.ReturnTokens),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	p := h.principal(r)

	// The body, if any, was consumed by the refresh guard; a body-borne
	// token means a non-browser client that wants tokens back.
	withTokens := !hasCookie(r, guard.RefreshCookie)

	issued, err := h.sessions.Rotate(r.Context(), h.now(), p.RefreshToken, subjectOf(p), h.device(r, p.RememberMe))
	if err != nil {
		h.failRefresh(w, r, err)
		return
	}

	h.record(r, AuditEvent{Action: actionRefreshSuccess, UserID: p.UserID, SessionID: issued.SessionID, Meta: map[string]any{"replaced": p.SessionID}})
	h.setSessionCookies(w, issued)
	writeJSON(w, http.StatusOK, refreshResponse{Session: toSessionResponse(issued, withTokens)})
}

// failRefresh answers a failed refresh. A rejected token also expires both
// cookies so the client stops retrying it; an outage leaves them alone.
func (h *Handler) failRefresh(w http.ResponseWriter, r *http.Request, err error) {
	reason := refreshFailure(err)
	h.record(r, AuditEvent{Action: actionRefreshFailed, Meta: map[string]any{"reason": reason}})
	if reason != "unavailable" && reason != "error" {
		h.clearSessionCookies(w)
	}
	h.fail(w, r, err)
}

func refreshFailure(err error) string {
	switch {
	case errors.Is(err, session.ErrServiceUnavailable):
		return "unavailable"
	case errors.Is(err, session.ErrTokenExpired):
		return "expired"
	case errors.Is(err, session.ErrTokenInvalid), errors.Is(err, guard.ErrUnauthorized):
		return "invalid"
	default:
		return "error"
	}
}

// handleSignOut ends the caller's current session. Cookies are already
// queued for expiry; store failures are logged and the client still sees a
// successful sign-out.
func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	p := h.principal(r)

	// Clients that hold their refresh token may name it; everyone else signs
	// out the session behind the access token.
	var body signOutRequest
	_ = decodeJSON(w, r, h.cfg.MaxBodyBytes, &body)

	var err error
	if tok := strings.TrimSpace(body.RefreshToken); tok != "" {
		err = h.sessions.SignOut(r.Context(), h.now(), p.UserID, tok)
	} else {
		err = h.sessions.SignOutSession(r.Context(), h.now(), p.UserID, p.SessionID)
	}
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		h.log.Warn("auth.signout.fail", "user_id", p.UserID, "session_id", p.SessionID, "err", err)
	}

	h.record(r, AuditEvent{Action: actionSignOut, UserID: p.UserID, SessionID: p.SessionID})
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleSignOutAll(w http.ResponseWriter, r *http.Request) {
	p := h.principal(r)

	except := ""
	keepCurrent := r.URL.Query().Get("keep_current") == "true"
	if keepCurrent {
		except = p.SessionID
	}

	n, err := h.sessions.SignOutAll(r.Context(), h.now(), p.UserID, except)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.record(r, AuditEvent{Action: actionSignOutAll, UserID: p.UserID, SessionID: p.SessionID, Meta: map[string]any{"revoked": n, "keep_current": keepCurrent}})
	if !keepCurrent {
		h.clearSessionCookies(w)
	}
	writeJSON(w, http.StatusOK, revokedResponse{Revoked: n})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userEnvelope{User: toUserResponse(h.principal(r).User)})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p := h.principal(r)

	rows, err := h.sessions.ListSessions(r.Context(), h.now(), p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: toSessionViews(rows, p.SessionID)})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	p := h.principal(r)
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	if err := h.sessions.InvalidateSession(r.Context(), h.now(), p.UserID, id); err != nil {
		h.fail(w, r, err)
		return
	}

	h.record(r, AuditEvent{Action: actionSessionRevoked, UserID: p.UserID, SessionID: id})
	if id == p.SessionID {
		h.clearSessionCookies(w)
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleAdminForceSignOut(w http.ResponseWriter, r *http.Request) {
	p := h.principal(r)
	target := strings.TrimSpace(chi.URLParam(r, "id"))

	if _, err := h.users.GetUserByID(r.Context(), target); err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.sessions.ForceSignOut(r.Context(), h.now(), target)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.record(r, AuditEvent{Action: actionAdminForceSignOut, UserID: target, Meta: map[string]any{"admin_id": p.UserID, "revoked": n}})
	writeJSON(w, http.StatusOK, revokedResponse{Revoked: n})
}

func hasCookie(r *http.Request, name string) bool {
	c, err := r.Cookie(name)
	return err == nil && strings.TrimSpace(c.Value) != ""
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

