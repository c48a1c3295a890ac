package session

import (
	"fmt"
	"time"
)

// AccessClaims is the identity envelope carried by an access token.
type AccessClaims struct {
	UserID    string
	Email     string
	Role      string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
}

// Subject returns the token's identity fields.
func (c AccessClaims) Subject() Subject {
	return Subject{UserID: c.UserID, Email: c.Email, Role: c.Role}
}

// AccessTokenManager issues and verifies short-lived access tokens.
//
// Token timestamps have one-second resolution: Issue truncates now to the
// second and the token expires exactly AccessTokenTTL later.
type AccessTokenManager interface {
	Issue(sub Subject, sessionID string, now time.Time) (token string, exp time.Time, err error)

	// Verify accepts a token iff its signature and issuer check out, its
	// iat is not beyond now+skew, and now is strictly before exp.
	Verify(token string, now time.Time) (AccessClaims, error)

	// ParseIgnoringExpiry is Verify without the exp check. The refresh path
	// uses it to learn which user an expired access cookie belonged to.
	ParseIgnoringExpiry(token string, now time.Time) (AccessClaims, error)
}

// NewAccessTokenManager builds the manager selected by cfg.TokenFormat.
func NewAccessTokenManager(cfg Config) (AccessTokenManager, error) {
	switch cfg.TokenFormat {
	case FormatPaseto, "":
		return NewPasetoV4PublicManager(cfg)
	case FormatJWT:
		return NewJWTManager(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown token format %q", ErrConfig, cfg.TokenFormat)
	}
}

// maxAccessTokenLen bounds input before any parsing work.
const maxAccessTokenLen = 4096

func checkClaimTimes(c AccessClaims, now time.Time, skew time.Duration, enforceExpiry bool) error {
	if c.UserID == "" || c.SessionID == "" || c.ExpiresAt.IsZero() {
		return ErrTokenInvalid
	}
	if !c.IssuedAt.IsZero() && c.IssuedAt.After(now.Add(skew)) {
		return ErrTokenInvalid
	}
	if enforceExpiry && !now.Before(c.ExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}
