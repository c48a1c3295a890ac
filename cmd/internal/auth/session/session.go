package session

import (
	"net"
	"time"
)

// Reason records why a session stopped being valid.
type Reason string

const (
	ReasonSignOut       Reason = "signout"
	ReasonSignOutAll    Reason = "signout_all"
	ReasonExpired       Reason = "expired"
	ReasonRotated       Reason = "rotated"
	ReasonReuseDetected Reason = "reuse_detected"
	ReasonRevoked       Reason = "revoked"
	ReasonAdmin         Reason = "admin"
)

// Session mirrors a learnhub.sessions row. It carries the user id only;
// anything else about the user is looked up through the directory.
type Session struct {
	ID                  string     `db:"id"`
	UserID              string     `db:"user_id"`
	RefreshTokenHash    string     `db:"refresh_token_hash"`
	UserAgent           string     `db:"user_agent"`
	IP                  string     `db:"ip"`
	RememberMe          bool       `db:"remember_me"`
	CreatedAt           time.Time  `db:"created_at"`
	LastUsedAt          time.Time  `db:"last_used_at"`
	ExpiresAt           time.Time  `db:"expires_at"`
	Valid               bool       `db:"is_valid"`
	InvalidatedAt       *time.Time `db:"invalidated_at"`
	InvalidationReason  Reason     `db:"invalidation_reason"`
	ReplacedBySessionID string     `db:"replaced_by_session_id"`
}

// Usable reports whether the session can still be refreshed at now.
func (s Session) Usable(now time.Time) bool {
	return s.Valid && s.ExpiresAt.After(now)
}

// DeviceContext is request metadata recorded on new sessions.
type DeviceContext struct {
	RememberMe bool
	UserAgent  string
	IP         net.IP
}

func (d DeviceContext) ipString() string {
	if d.IP == nil {
		return ""
	}
	return d.IP.String()
}

// Subject is the identity embedded in an access token.
type Subject struct {
	UserID string
	Email  string
	Role   string
}

// Issued is the credential pair handed back to the client.
type Issued struct {
	SessionID    string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}
