package identity

import (
	"context"
	"time"
)

// Role is a flat platform role. Authorization compares it by equality only.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleInstructor, RoleAdmin:
		return true
	}
	return false
}

// User is a learnhub account as seen by the auth subsystem.
type User struct {
	ID              string
	Email           string
	Role            Role
	DisplayName     *string
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	LastLoginAt     *time.Time
}

// Verified reports whether the account's email has been confirmed.
func (u User) Verified() bool { return u.EmailVerifiedAt != nil }

// UserAuth is a User plus the stored password hash. It never leaves the
// credential check.
type UserAuth struct {
	User
	PasswordHash string
}

// CreateUserInput is a validated, already-hashed registration.
type CreateUserInput struct {
	Email        string
	PasswordHash string
	Role         Role
	DisplayName  *string
	Verified     bool
	Now          time.Time
}

// Directory is the user lookup surface consumed by credential checks and the
// request guards.
type Directory interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)

	// GetUserAuthByEmail expects an already normalized email.
	GetUserAuthByEmail(ctx context.Context, emailNorm string) (UserAuth, error)
	GetUserByID(ctx context.Context, userID string) (User, error)

	TouchLastLogin(ctx context.Context, userID string, now time.Time) error
	SetPasswordHash(ctx context.Context, userID, hash string) error
}
