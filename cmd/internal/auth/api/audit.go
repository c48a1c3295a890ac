package authapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions.
const (
	actionSignUp            = "auth.signup"
	actionSignUpRateLimited = "auth.signup.rate_limited"
	actionSignInSuccess     = "auth.signin.success"
	actionSignInFailed      = "auth.signin.failed"
	actionSignInRateLimited = "auth.signin.rate_limited"
	actionRefreshSuccess    = "auth.refresh.success"
	actionRefreshFailed     = "auth.refresh.failed"
	actionSignOut           = "auth.signout"
	actionSignOutAll        = "auth.signout_all"
	actionSessionRevoked    = "auth.session.revoked"
	actionAdminForceSignOut = "auth.admin.force_signout"
)

// AuditEvent is one row of the auth audit trail. It never carries tokens or
// passwords.
type AuditEvent struct {
	Action    string
	UserID    string
	SessionID string
	IP        net.IP
	UserAgent string
	Meta      map[string]any
}

// Auditor records auth events. Record must not block the request for long
// and never fails it.
type Auditor interface {
	Record(ctx context.Context, e AuditEvent)
}

// LogAuditor writes audit events to a logger.
type LogAuditor struct {
	Log *slog.Logger
}

// Record implements Auditor.
func (a LogAuditor) Record(ctx context.Context, e AuditEvent) {
	l := a.Log
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{"action", e.Action}
	if e.UserID != "" {
		attrs = append(attrs, "user_id", e.UserID)
	}
	if e.SessionID != "" {
		attrs = append(attrs, "session_id", e.SessionID)
	}
	if e.IP != nil {
		attrs = append(attrs, "ip", e.IP.String())
	}
	for k, v := range e.Meta {
		attrs = append(attrs, k, v)
	}
	l.InfoContext(ctx, "auth.audit", attrs...)
}

// PostgresAuditor inserts into <schema>.auth_audit_log.
type PostgresAuditor struct {
	pool    *pgxpool.Pool
	table   string
	timeout time.Duration
	log     *slog.Logger
}

// NewPostgresAuditor returns an Auditor over pool. schema "" means learnhub.
func NewPostgresAuditor(pool *pgxpool.Pool, schema string, timeout time.Duration, log *slog.Logger) (*PostgresAuditor, error) {
	if pool == nil {
		return nil, fmt.Errorf("audit: nil pool")
	}
	if schema == "" {
		schema = "learnhub"
	}
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &PostgresAuditor{
		pool:    pool,
		table:   pgx.Identifier{schema, "auth_audit_log"}.Sanitize(),
		timeout: timeout,
		log:     log,
	}, nil
}

// Record implements Auditor. Failures are logged and dropped.
func (a *PostgresAuditor) Record(ctx context.Context, e AuditEvent) {
	action := strings.TrimSpace(e.Action)
	if action == "" {
		return
	}

	var ipVal any
	if e.IP != nil {
		ipVal = e.IP.String()
	}
	meta := "{}"
	if len(e.Meta) > 0 {
		if b, err := json.Marshal(e.Meta); err == nil {
			meta = string(b)
		}
	}

	// The request may already be cancelled (client gone); the trail still matters.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	_, err := a.pool.Exec(ctx, `
		INSERT INTO `+a.table+` (action, user_id, session_id, ip, user_agent, meta)
		VALUES ($1, $2, $3, $4::inet, $5, $6::jsonb)
	`, action, trimOrNil(e.UserID), trimOrNil(e.SessionID), ipVal, trimOrNil(e.UserAgent), meta)
	if err != nil {
		a.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
