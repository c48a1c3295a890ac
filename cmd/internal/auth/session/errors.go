package session

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"learnhub/cmd/internal/db"
)

var (
	// ErrTokenInvalid covers every rejected refresh or access token that is
	// not simply expired: unknown, forged, already used, signed out, or
	// presented for another user.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrTokenExpired is returned when a token was valid but its lifetime
	// has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrSessionNotFound is returned when a session id or refresh token does
	// not resolve to a session owned by the caller.
	ErrSessionNotFound = errors.New("session not found")

	// ErrServiceUnavailable marks a store call that timed out or could not
	// reach its backend. It is retryable and never a security verdict.
	ErrServiceUnavailable = errors.New("session store unavailable")

	// ErrDuplicateSession is returned by Store.Create when the id or
	// refresh hash already exists.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)

// storeError classifies err from a store call made under op.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if db.Unreachable(err) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%s: %w: %v", op, ErrServiceUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
