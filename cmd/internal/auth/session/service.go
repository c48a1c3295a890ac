package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"learnhub/cmd/identity/ids"
	"learnhub/cmd/security/token"
)

const (
	maxRefreshTokenLen = 512
	maxUserAgentLen    = 512
)

// Service is the session lifecycle manager: it issues sessions, validates and
// rotates refresh tokens, and invalidates sessions one at a time or per user.
//
// Every store call runs under Config.StoreTimeout; timeouts come back as
// ErrServiceUnavailable. Service keeps no in-process record of validity.
type Service struct {
	cfg     Config
	store   Store
	tokens  AccessTokenManager
	issuer  *Issuer
	log     *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer overrides the tracer (default: the global provider's).
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewService wires a Service. Refresh digests are keyed with
// cfg.RefreshHMACKey when set.
func NewService(cfg Config, store Store, tokens AccessTokenManager, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		store:  store,
		tokens: tokens,
		issuer: NewIssuer(cfg, tokens, token.NewHasher(cfg.RefreshHMACKey)),
		log:    slog.Default(),
		tracer: otel.Tracer("learnhub/session"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// call runs fn against the store under the store timeout and classifies the
// result. Sentinel outcomes pass through unchanged.
func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return s.callWithin(ctx, op, s.cfg.StoreTimeout, fn)
}

func (s *Service) callWithin(ctx context.Context, op string, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	s.metrics.observeStore(op, start)

	if err == nil || errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrDuplicateSession) {
		return err
	}
	return storeError(op, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IssueSession creates a session for a freshly authenticated subject.
func (s *Service) IssueSession(ctx context.Context, now time.Time, sub Subject, dev DeviceContext) (_ Issued, err error) {
	ctx, span := s.tracer.Start(ctx, "session.IssueSession")
	defer func() { endSpan(span, err) }()

	id, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}
	m, err := s.issuer.issue(ctx, now, id, sub, dev.RememberMe)
	if err != nil {
		return Issued{}, err
	}

	row := newRow(id, sub.UserID, m, dev, now)
	if err := s.call(ctx, "create", func(ctx context.Context) error { return s.store.Create(ctx, row) }); err != nil {
		return Issued{}, err
	}

	span.SetAttributes(attribute.String("session.id", id))
	s.metrics.sessionIssued()
	return m.Issued, nil
}

func newRow(id, userID string, m minted, dev DeviceContext, now time.Time) Session {
	ua := dev.UserAgent
	if len(ua) > maxUserAgentLen {
		ua = ua[:maxUserAgentLen]
	}
	return Session{
		ID:               id,
		UserID:           userID,
		RefreshTokenHash: m.refreshHash,
		UserAgent:        ua,
		IP:               dev.ipString(),
		RememberMe:       dev.RememberMe,
		CreatedAt:        now,
		LastUsedAt:       now,
		ExpiresAt:        m.RefreshExp,
		Valid:            true,
	}
}

// VerifyAccess checks an access token statelessly.
func (s *Service) VerifyAccess(tok string, now time.Time) (AccessClaims, error) {
	return s.tokens.Verify(tok, now)
}

// ClaimedUserID returns the subject of a correctly signed access token even
// if it has expired, or "" if the token is unusable.
func (s *Service) ClaimedUserID(tok string, now time.Time) string {
	if tok == "" {
		return ""
	}
	c, err := s.tokens.ParseIgnoringExpiry(tok, now)
	if err != nil {
		return ""
	}
	return c.UserID
}

// ValidateRefresh resolves a presented refresh token to its session without
// consuming it.
//
// Unknown tokens, tokens owned by someone other than claimedUserID (when
// given) and already-invalid sessions fail with ErrTokenInvalid. An expired
// session is invalidated on the spot and fails with ErrTokenExpired.
func (s *Service) ValidateRefresh(ctx context.Context, now time.Time, refreshToken, claimedUserID string) (Session, error) {
	plain := strings.TrimSpace(refreshToken)
	if plain == "" || len(plain) > maxRefreshTokenLen {
		return Session{}, ErrTokenInvalid
	}
	hash := s.issuer.HashRefresh(plain)

	var row Session
	err := s.call(ctx, "find_by_refresh", func(ctx context.Context) error {
		var err error
		row, err = s.store.FindByRefreshHash(ctx, hash)
		return err
	})
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, ErrTokenInvalid
	}
	if err != nil {
		return Session{}, err
	}
	if !token.EqualHex64(row.RefreshTokenHash, hash) {
		return Session{}, ErrTokenInvalid
	}

	if claimedUserID != "" && row.UserID != claimedUserID {
		return Session{}, ErrTokenInvalid
	}

	if !row.Valid {
		if row.InvalidationReason == ReasonRotated && s.cfg.RevokeAllOnReuse {
			s.revokeOnReuse(ctx, now, row)
		}
		return Session{}, ErrTokenInvalid
	}

	if !row.ExpiresAt.After(now) {
		s.expire(ctx, now, row)
		return Session{}, ErrTokenExpired
	}

	return row, nil
}

// expire records lazily detected expiry. The caller already has its answer,
// so failures are only logged.
func (s *Service) expire(ctx context.Context, now time.Time, row Session) {
	var ok bool
	err := s.call(ctx, "invalidate", func(ctx context.Context) error {
		var err error
		ok, err = s.store.Invalidate(ctx, Invalidation{SessionID: row.ID, Now: now, Reason: ReasonExpired})
		return err
	})
	if err != nil {
		s.log.Warn("session.expire.fail", "session_id", row.ID, "err", err)
		return
	}
	if ok {
		s.metrics.invalidated(ReasonExpired, 1)
	}
}

func (s *Service) revokeOnReuse(ctx context.Context, now time.Time, row Session) {
	s.metrics.reuseDetected()

	var n int64
	err := s.call(ctx, "invalidate_all", func(ctx context.Context) error {
		var err error
		n, err = s.store.InvalidateAllForUser(ctx, row.UserID, "", now, ReasonReuseDetected)
		return err
	})
	if err != nil {
		s.log.Error("session.refresh.reuse_detected.revoke_all.fail", "user_id", row.UserID, "session_id", row.ID, "err", err)
		return
	}
	s.metrics.invalidated(ReasonReuseDetected, n)
	s.log.Warn("session.refresh.reuse_detected", "user_id", row.UserID, "session_id", row.ID, "revoked", n)
}

// Rotate consumes refreshToken and returns a fresh pair for sub.
//
// The old session is invalidated (and linked to the new id) before the new
// pair is minted. If another request consumed the same token first, Rotate
// returns ErrTokenInvalid.
func (s *Service) Rotate(ctx context.Context, now time.Time, refreshToken string, sub Subject, dev DeviceContext) (_ Issued, err error) {
	ctx, span := s.tracer.Start(ctx, "session.Rotate")
	defer func() { endSpan(span, err) }()

	if sub.UserID == "" {
		return Issued{}, ErrTokenInvalid
	}

	old, err := s.ValidateRefresh(ctx, now, refreshToken, sub.UserID)
	if err != nil {
		s.metrics.rotation(rotationResult(err))
		return Issued{}, err
	}

	newID, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}

	var won bool
	err = s.call(ctx, "invalidate", func(ctx context.Context) error {
		var err error
		won, err = s.store.Invalidate(ctx, Invalidation{
			SessionID:        old.ID,
			Now:              now,
			Reason:           ReasonRotated,
			ReplacedBy:       newID,
			RequireUnexpired: true,
		})
		return err
	})
	if errors.Is(err, ErrSessionNotFound) {
		err = ErrTokenInvalid
	}
	if err != nil {
		s.metrics.rotation(rotationResult(err))
		return Issued{}, err
	}
	if !won {
		s.metrics.rotation("lost_race")
		return Issued{}, ErrTokenInvalid
	}
	s.metrics.invalidated(ReasonRotated, 1)

	// From here on the old token is spent; any failure signs the user out.
	dev.RememberMe = old.RememberMe
	m, err := s.issuer.issue(ctx, now, newID, sub, old.RememberMe)
	if err != nil {
		s.log.Error("session.rotate.issue.fail", "user_id", sub.UserID, "session_id", old.ID, "err", err)
		return Issued{}, err
	}
	row := newRow(newID, sub.UserID, m, dev, now)
	if err := s.call(ctx, "create", func(ctx context.Context) error { return s.store.Create(ctx, row) }); err != nil {
		s.log.Error("session.rotate.create.fail", "user_id", sub.UserID, "session_id", old.ID, "err", err)
		return Issued{}, err
	}

	span.SetAttributes(attribute.String("session.id", newID), attribute.String("session.replaced", old.ID))
	s.metrics.rotation("ok")
	return m.Issued, nil
}

func rotationResult(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid"
	case errors.Is(err, ErrServiceUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// SignOut invalidates the session holding refreshToken. The session must
// belong to userID; otherwise, or if the token is unknown, it fails with
// ErrSessionNotFound. Signing out an already invalid session succeeds.
func (s *Service) SignOut(ctx context.Context, now time.Time, userID, refreshToken string) error {
	plain := strings.TrimSpace(refreshToken)
	if plain == "" || len(plain) > maxRefreshTokenLen {
		return ErrSessionNotFound
	}
	hash := s.issuer.HashRefresh(plain)

	var row Session
	err := s.call(ctx, "find_by_refresh", func(ctx context.Context) error {
		var err error
		row, err = s.store.FindByRefreshHash(ctx, hash)
		return err
	})
	if err != nil {
		return err
	}
	if row.UserID != userID {
		return ErrSessionNotFound
	}
	return s.invalidateOwned(ctx, now, row.ID, ReasonSignOut)
}

// SignOutSession signs out the session identified by an access token's sid.
// Browsers do not send the refresh cookie outside the refresh endpoint, so
// /auth/signout falls back to this when no refresh token is supplied.
func (s *Service) SignOutSession(ctx context.Context, now time.Time, userID, sessionID string) error {
	return s.invalidateByID(ctx, now, userID, sessionID, ReasonSignOut)
}

// InvalidateSession lets a user end one of their own sessions, for example
// from a device list. Foreign or unknown ids fail with ErrSessionNotFound.
func (s *Service) InvalidateSession(ctx context.Context, now time.Time, userID, sessionID string) error {
	return s.invalidateByID(ctx, now, userID, sessionID, ReasonRevoked)
}

func (s *Service) invalidateByID(ctx context.Context, now time.Time, userID, sessionID string, reason Reason) error {
	if !ids.Valid(sessionID) {
		return ErrSessionNotFound
	}

	var row Session
	err := s.call(ctx, "find_by_id", func(ctx context.Context) error {
		var err error
		row, err = s.store.FindByID(ctx, sessionID)
		return err
	})
	if err != nil {
		return err
	}
	if row.UserID != userID {
		return ErrSessionNotFound
	}
	return s.invalidateOwned(ctx, now, row.ID, reason)
}

func (s *Service) invalidateOwned(ctx context.Context, now time.Time, sessionID string, reason Reason) error {
	var ok bool
	err := s.call(ctx, "invalidate", func(ctx context.Context) error {
		var err error
		ok, err = s.store.Invalidate(ctx, Invalidation{SessionID: sessionID, Now: now, Reason: reason})
		return err
	})
	if err != nil {
		return err
	}
	if ok {
		s.metrics.invalidated(reason, 1)
	}
	return nil
}

// SignOutAll invalidates every valid session of userID except
// exceptSessionID (empty means none) and returns how many were ended.
func (s *Service) SignOutAll(ctx context.Context, now time.Time, userID, exceptSessionID string) (int64, error) {
	return s.invalidateAll(ctx, now, userID, exceptSessionID, ReasonSignOutAll)
}

// ForceSignOut ends all of a user's sessions on an administrator's behalf.
func (s *Service) ForceSignOut(ctx context.Context, now time.Time, userID string) (int64, error) {
	return s.invalidateAll(ctx, now, userID, "", ReasonAdmin)
}

func (s *Service) invalidateAll(ctx context.Context, now time.Time, userID, except string, reason Reason) (_ int64, err error) {
	ctx, span := s.tracer.Start(ctx, "session.InvalidateAll", trace.WithAttributes(attribute.String("reason", string(reason))))
	defer func() { endSpan(span, err) }()

	var n int64
	err = s.call(ctx, "invalidate_all", func(ctx context.Context) error {
		var err error
		n, err = s.store.InvalidateAllForUser(ctx, userID, except, now, reason)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.metrics.invalidated(reason, n)
	return n, nil
}

// ListSessions returns the user's usable sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, now time.Time, userID string) ([]Session, error) {
	var rows []Session
	err := s.call(ctx, "list_valid", func(ctx context.Context) error {
		var err error
		rows, err = s.store.ListValidByUser(ctx, userID, now)
		return err
	})
	return rows, err
}

// Prune applies the retention policy once.
func (s *Service) Prune(ctx context.Context, now time.Time) (int64, error) {
	p := PrunePolicy{
		Now:         now,
		DeadBefore:  now.Add(-s.cfg.Retention.After),
		KeepPerUser: s.cfg.Retention.KeepPerUser,
	}

	var n int64
	err := s.callWithin(ctx, "prune", s.cfg.Retention.PruneTimeout, func(ctx context.Context) error {
		var err error
		n, err = s.store.Prune(ctx, p)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.metrics.prunedRows(n)
	return n, nil
}
