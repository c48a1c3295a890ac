package identity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"learnhub/cmd/security/password"
)

// Credentials verifies email/password pairs and registers new accounts.
type Credentials struct {
	dir       Directory
	pw        password.Config
	log       *slog.Logger
	dummyHash string

	// autoVerify marks new sign-ups as verified. Email confirmation is run
	// by another service; until it reports back the flag stands in for it.
	autoVerify bool
}

// CredentialsOption configures Credentials.
type CredentialsOption func(*Credentials)

// WithLogger sets the logger used for best-effort side effects.
func WithLogger(l *slog.Logger) CredentialsOption {
	return func(c *Credentials) {
		if l != nil {
			c.log = l
		}
	}
}

// WithAutoVerify controls whether SignUp creates verified accounts.
func WithAutoVerify(on bool) CredentialsOption {
	return func(c *Credentials) { c.autoVerify = on }
}

// NewCredentials builds a Credentials over dir. It precomputes a dummy hash
// so SignIn spends the same time on unknown emails as on wrong passwords.
func NewCredentials(dir Directory, pw password.Config, opts ...CredentialsOption) (*Credentials, error) {
	dummy, err := pw.DummyHash()
	if err != nil {
		return nil, err
	}
	c := &Credentials{
		dir:        dir,
		pw:         pw,
		log:        slog.Default(),
		dummyHash:  dummy,
		autoVerify: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// SignIn returns the user owning email if password matches.
//
// Unknown email and wrong password both return ErrInvalidCredentials after
// the same amount of hashing work. A correct password on an unverified
// account returns ErrNotVerified. Directory outages surface as ErrUnavailable.
func (c *Credentials) SignIn(ctx context.Context, email, pw string, now time.Time) (User, error) {
	const op = "identity.SignIn"

	ua, err := c.dir.GetUserAuthByEmail(ctx, NormalizeEmail(email))
	switch {
	case IsNotFound(err):
		_, _ = c.pw.Verify(c.dummyHash, pw)
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	case err != nil:
		return User{}, err
	}

	ok, verr := c.pw.Verify(ua.PasswordHash, pw)
	if verr != nil {
		// A corrupt stored hash is an operator problem; the caller still
		// sees a plain credential failure.
		c.log.Error("identity.signin.bad_hash", "user_id", ua.ID, "err", verr)
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}
	if !ok {
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}
	if !ua.Verified() {
		return User{}, OpError{Op: op, Kind: ErrNotVerified}
	}

	if err := c.dir.TouchLastLogin(ctx, ua.ID, now); err != nil {
		c.log.Warn("identity.signin.touch_last_login.fail", "user_id", ua.ID, "err", err)
	} else {
		at := now
		ua.LastLoginAt = &at
	}

	if c.pw.NeedsRehash(ua.PasswordHash) {
		if h, err := c.pw.Hash(pw); err == nil {
			if err := c.dir.SetPasswordHash(ctx, ua.ID, h); err != nil {
				c.log.Warn("identity.signin.rehash.fail", "user_id", ua.ID, "err", err)
			}
		}
	}

	return ua.User, nil
}

// SignUpInput is a raw registration request.
type SignUpInput struct {
	Email       string
	Password    string
	DisplayName *string
}

// SignUp validates and registers a new student account.
// A taken email returns an error matching ErrEmailInUse.
func (c *Credentials) SignUp(ctx context.Context, in SignUpInput, now time.Time) (User, error) {
	const op = "identity.SignUp"

	if !ValidEmail(in.Email) {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "invalid email"}
	}
	hash, err := c.pw.Hash(in.Password)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) ||
			errors.Is(err, password.ErrPasswordTooLong) ||
			errors.Is(err, password.ErrWeakPassword) {
			return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
		}
		return User{}, err
	}

	return c.dir.CreateUser(ctx, CreateUserInput{
		Email:        in.Email,
		PasswordHash: hash,
		Role:         RoleStudent,
		DisplayName:  in.DisplayName,
		Verified:     c.autoVerify,
		Now:          now,
	})
}
