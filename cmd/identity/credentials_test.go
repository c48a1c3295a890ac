package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"learnhub/cmd/security/password"
)

func testPasswordConfig() password.Config {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func newTestCredentials(t *testing.T, opts ...CredentialsOption) (*Credentials, *MemoryStore) {
	t.Helper()
	dir := NewMemoryStore()
	opts = append([]CredentialsOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	c, err := NewCredentials(dir, testPasswordConfig(), opts...)
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}
	return c, dir
}

func TestSignUp_ThenSignIn(t *testing.T) {
	c, _ := newTestCredentials(t)
	ctx := context.Background()
	now := time.Now().UTC()

	u, err := c.SignUp(ctx, SignUpInput{Email: "Alice@X.com", Password: "tulips in spring"}, now)
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if u.Role != RoleStudent || !u.Verified() {
		t.Fatalf("unexpected new user: %+v", u)
	}

	got, err := c.SignIn(ctx, "  alice@x.COM ", "tulips in spring", now)
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("signed in as %s, want %s", got.ID, u.ID)
	}
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(now) {
		t.Fatalf("last login not recorded: %v", got.LastLoginAt)
	}
}

func TestSignUp_DuplicateEmail(t *testing.T) {
	c, _ := newTestCredentials(t)
	ctx := context.Background()

	if _, err := c.SignUp(ctx, SignUpInput{Email: "alice@x.com", Password: "tulips in spring"}, time.Now()); err != nil {
		t.Fatalf("first SignUp: %v", err)
	}
	_, err := c.SignUp(ctx, SignUpInput{Email: "ALICE@x.com", Password: "other tulips"}, time.Now())
	if !errors.Is(err, ErrEmailInUse) {
		t.Fatalf("expected ErrEmailInUse, got %v", err)
	}
	if !IsConflict(err) {
		t.Fatalf("expected ConflictError, got %T", err)
	}
}

func TestSignUp_InvalidInput(t *testing.T) {
	c, _ := newTestCredentials(t)
	ctx := context.Background()

	cases := []SignUpInput{
		{Email: "not-an-email", Password: "tulips in spring"},
		{Email: "Alice <alice@x.com>", Password: "tulips in spring"},
		{Email: "bob@x.com", Password: "short"},
		{Email: "bob@x.com", Password: "password"},
	}
	for _, in := range cases {
		if _, err := c.SignUp(ctx, in, time.Now()); !IsInvalidInput(err) {
			t.Fatalf("%+v: expected invalid input, got %v", in, err)
		}
	}
}

func TestSignIn_UnknownEmailAndWrongPasswordLookAlike(t *testing.T) {
	c, _ := newTestCredentials(t)
	ctx := context.Background()
	if _, err := c.SignUp(ctx, SignUpInput{Email: "alice@x.com", Password: "tulips in spring"}, time.Now()); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	_, errWrong := c.SignIn(ctx, "alice@x.com", "roses in autumn", time.Now())
	_, errMissing := c.SignIn(ctx, "nobody@x.com", "roses in autumn", time.Now())

	if !errors.Is(errWrong, ErrInvalidCredentials) || !errors.Is(errMissing, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v / %v", errWrong, errMissing)
	}
	if errWrong.Error() != errMissing.Error() {
		t.Fatalf("errors must be indistinguishable: %q vs %q", errWrong, errMissing)
	}
}

func TestSignIn_NotVerified(t *testing.T) {
	c, dir := newTestCredentials(t, WithAutoVerify(false))
	ctx := context.Background()

	u, err := c.SignUp(ctx, SignUpInput{Email: "carol@x.com", Password: "tulips in spring"}, time.Now())
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if u.Verified() {
		t.Fatalf("auto verify disabled, user should be unverified")
	}

	if _, err := c.SignIn(ctx, "carol@x.com", "tulips in spring", time.Now()); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified, got %v", err)
	}
	// Wrong password on an unverified account still reads as bad credentials.
	if _, err := c.SignIn(ctx, "carol@x.com", "roses in autumn", time.Now()); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	at := time.Now()
	dir.SetVerified(u.ID, &at)
	if _, err := c.SignIn(ctx, "carol@x.com", "tulips in spring", time.Now()); err != nil {
		t.Fatalf("expected success after verification, got %v", err)
	}
}

func TestSignIn_UpgradesLegacyHash(t *testing.T) {
	c, dir := newTestCredentials(t)
	ctx := context.Background()

	legacy, err := bcrypt.GenerateFromPassword([]byte("imported learner"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if _, err := dir.CreateUser(ctx, CreateUserInput{Email: "dave@x.com", PasswordHash: string(legacy), Verified: true}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, err := c.SignIn(ctx, "dave@x.com", "definitely wrong", time.Now()); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	ua, _ := dir.GetUserAuthByEmail(ctx, "dave@x.com")
	if ua.PasswordHash != string(legacy) {
		t.Fatalf("hash must be untouched after failed sign-in")
	}

	if _, err := c.SignIn(ctx, "dave@x.com", "imported learner", time.Now()); err != nil {
		t.Fatalf("SignIn with legacy hash: %v", err)
	}
	ua, _ = dir.GetUserAuthByEmail(ctx, "dave@x.com")
	if !strings.HasPrefix(ua.PasswordHash, "$argon2id$") {
		t.Fatalf("expected argon2id upgrade, got %q", ua.PasswordHash)
	}
}

func TestSignIn_DirectoryUnavailable(t *testing.T) {
	c, _ := newTestCredentials(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.SignIn(ctx, "alice@x.com", "tulips in spring", time.Now()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
