package guard

import (
	"context"
	"errors"

	"learnhub/cmd/identity"
)

var (
	// ErrUnauthorized means the request carried no usable credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the principal is authenticated but its role is not
	// allowed.
	ErrForbidden = errors.New("forbidden")
)

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID    string
	Email     string
	Role      identity.Role
	SessionID string

	// RefreshToken and RememberMe are set on the refresh path only.
	RefreshToken string
	RememberMe   bool

	User identity.User
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached by Access or Refresh.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authorize fails with ErrForbidden unless p's role is in allowed.
// An empty allow list admits nobody.
func Authorize(p Principal, allowed ...identity.Role) error {
	for _, r := range allowed {
		if p.Role == r {
			return nil
		}
	}
	return ErrForbidden
}
