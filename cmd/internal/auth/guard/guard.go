package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"learnhub/cmd/identity"
	"learnhub/cmd/internal/auth/session"
)

// Cookie names shared with the handlers that set them.
const (
	AccessCookie  = "lh_access"
	RefreshCookie = "lh_refresh"
)

// Sessions is the part of session.Service the guards need.
type Sessions interface {
	VerifyAccess(token string, now time.Time) (session.AccessClaims, error)
	ClaimedUserID(token string, now time.Time) string
	ValidateRefresh(ctx context.Context, now time.Time, refreshToken, claimedUserID string) (session.Session, error)
}

// Users re-resolves the subject of a credential.
type Users interface {
	GetUserByID(ctx context.Context, userID string) (identity.User, error)
}

// ErrorWriter renders a guard failure. err matches ErrUnauthorized,
// ErrForbidden, or an upstream availability error.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Guard builds request middleware.
type Guard struct {
	sessions Sessions
	users    Users
	log      *slog.Logger
	fail     ErrorWriter
	now      func() time.Time

	allowBearer  bool
	maxBodyBytes int64
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// WithErrorWriter replaces the default plain-text error responses.
func WithErrorWriter(fn ErrorWriter) Option {
	return func(g *Guard) {
		if fn != nil {
			g.fail = fn
		}
	}
}

// WithBearer toggles the Authorization: Bearer fallback (default on).
func WithBearer(on bool) Option {
	return func(g *Guard) { g.allowBearer = on }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New returns a Guard.
func New(sessions Sessions, users Users, opts ...Option) *Guard {
	g := &Guard{
		sessions:     sessions,
		users:        users,
		log:          slog.Default(),
		fail:         defaultErrorWriter,
		now:          func() time.Time { return time.Now().UTC() },
		allowBearer:  true,
		maxBodyBytes: 16 << 10,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

func defaultErrorWriter(w http.ResponseWriter, _ *http.Request, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	default:
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}
}

func unauthorized(cause error) error {
	if cause == nil {
		return ErrUnauthorized
	}
	return fmt.Errorf("%w: %w", ErrUnauthorized, cause)
}

// Access requires a valid access token and a live, verified user.
func (g *Guard) Access(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := g.accessToken(r)
		if tok == "" {
			g.fail(w, r, unauthorized(nil))
			return
		}

		claims, err := g.sessions.VerifyAccess(tok, g.now())
		if err != nil {
			g.fail(w, r, unauthorized(err))
			return
		}

		u, err := g.resolve(r.Context(), claims.UserID)
		if err != nil {
			g.fail(w, r, err)
			return
		}

		p := Principal{
			UserID:    u.ID,
			Email:     u.Email,
			Role:      u.Role,
			SessionID: claims.SessionID,
			User:      u,
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// Refresh requires a refresh token that resolves to a usable session. The
// token is read from the refresh cookie or, for non-browser clients, from a
// JSON body {"refresh_token": "..."}.
//
// If the request also carries a correctly signed access token (expired or
// not), its subject must own the session.
func (g *Guard) Refresh(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := g.refreshToken(r)
		if tok == "" {
			g.fail(w, r, unauthorized(nil))
			return
		}

		now := g.now()
		claimed := g.sessions.ClaimedUserID(g.accessToken(r), now)

		row, err := g.sessions.ValidateRefresh(r.Context(), now, tok, claimed)
		switch {
		case errors.Is(err, session.ErrTokenInvalid), errors.Is(err, session.ErrTokenExpired):
			g.fail(w, r, unauthorized(err))
			return
		case err != nil:
			g.fail(w, r, err)
			return
		}

		u, err := g.resolve(r.Context(), row.UserID)
		if err != nil {
			g.fail(w, r, err)
			return
		}

		p := Principal{
			UserID:       u.ID,
			Email:        u.Email,
			Role:         u.Role,
			SessionID:    row.ID,
			RefreshToken: tok,
			RememberMe:   row.RememberMe,
			User:         u,
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireRoles admits principals whose role is in allowed. It must run
// after Access or Refresh.
func (g *Guard) RequireRoles(allowed ...identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				g.fail(w, r, unauthorized(nil))
				return
			}
			if err := Authorize(p, allowed...); err != nil {
				g.log.Info("auth.guard.forbidden", "user_id", p.UserID, "role", string(p.Role), "path", r.URL.Path)
				g.fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) resolve(ctx context.Context, userID string) (identity.User, error) {
	u, err := g.users.GetUserByID(ctx, userID)
	switch {
	case identity.IsNotFound(err):
		return identity.User{}, unauthorized(err)
	case err != nil:
		return identity.User{}, err
	}
	if !u.Verified() {
		return identity.User{}, unauthorized(identity.ErrNotVerified)
	}
	return u, nil
}

func (g *Guard) accessToken(r *http.Request) string {
	if c, err := r.Cookie(AccessCookie); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v
		}
	}
	if g.allowBearer {
		return bearerToken(r)
	}
	return ""
}

func (g *Guard) refreshToken(r *http.Request) string {
	if c, err := r.Cookie(RefreshCookie); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v
		}
	}

	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "application/json" {
		return ""
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, g.maxBodyBytes)).Decode(&body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.RefreshToken)
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
