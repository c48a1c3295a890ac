package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"learnhub/cmd/identity/ids"
)

// PostgresStore implements Directory over the learnhub.users table.
//
// The pgx pool is owned by the caller. Every call runs under the configured
// query timeout; a timeout surfaces as ErrUnavailable.
type PostgresStore struct {
	pool    *pgxpool.Pool
	schema  string
	timeout time.Duration
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "learnhub").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// WithQueryTimeout bounds every query issued by the store.
func WithQueryTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) error {
		if d <= 0 {
			return fmt.Errorf("identity: query timeout must be positive")
		}
		s.timeout = d
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "learnhub", timeout: 3 * time.Second}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

var _ Directory = (*PostgresStore)(nil)

func (s *PostgresStore) users() string { return pgx.Identifier{s.schema, "users"}.Sanitize() }

const userColumns = `id, email, role, display_name, email_verified_at, created_at, last_login_at`

// CreateUser inserts a new user. A duplicate normalized email yields a
// ConflictError on field "email" (errors.Is(err, ErrEmailInUse)).
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	email := strings.TrimSpace(in.Email)
	if email == "" || in.PasswordHash == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "email and password hash are required"}
	}
	role := in.Role
	if role == "" {
		role = RoleStudent
	}
	if !role.Valid() {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "unknown role"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	var verifiedAt *time.Time
	if in.Verified {
		verifiedAt = &now
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.users()+` (
		     id, email, email_norm, password_hash, role, display_name, email_verified_at, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, email, NormalizeEmail(email), in.PasswordHash, string(role), in.DisplayName, verifiedAt, now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, unavailable(op, err)
	}

	return User{
		ID:              id,
		Email:           email,
		Role:            role,
		DisplayName:     in.DisplayName,
		EmailVerifiedAt: verifiedAt,
		CreatedAt:       now,
	}, nil
}

// GetUserAuthByEmail loads a user and password hash by normalized email.
func (s *PostgresStore) GetUserAuthByEmail(ctx context.Context, emailNorm string) (UserAuth, error) {
	const op = "identity.GetUserAuthByEmail"

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var ua UserAuth
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+`, password_hash FROM `+s.users()+` WHERE email_norm = $1`,
		emailNorm,
	)
	err := scanUser(row, &ua.User, &ua.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserAuth{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return UserAuth{}, unavailable(op, err)
	}
	return ua, nil
}

// GetUserByID loads a user by id.
func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUserByID"

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var u User
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM `+s.users()+` WHERE id = $1`, userID)
	err := scanUser(row, &u)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, unavailable(op, err)
	}
	return u, nil
}

// TouchLastLogin records a successful sign-in.
func (s *PostgresStore) TouchLastLogin(ctx context.Context, userID string, now time.Time) error {
	const op = "identity.TouchLastLogin"

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE `+s.users()+` SET last_login_at = $2 WHERE id = $1`, userID, now)
	if err != nil {
		return unavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// SetPasswordHash replaces the stored hash (used to upgrade legacy hashes).
func (s *PostgresStore) SetPasswordHash(ctx context.Context, userID, hash string) error {
	const op = "identity.SetPasswordHash"

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE `+s.users()+` SET password_hash = $2 WHERE id = $1`, userID, hash)
	if err != nil {
		return unavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

func scanUser(row pgx.Row, u *User, extra ...any) error {
	var role string
	dest := append([]any{
		&u.ID, &u.Email, &role, &u.DisplayName, &u.EmailVerifiedAt, &u.CreatedAt, &u.LastLoginAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	u.Role = Role(role)
	return nil
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_users_email_norm", strings.Contains(c, "email"):
		return "email", true
	default:
		return "unique", true
	}
}
