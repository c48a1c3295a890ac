package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestUnavailable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"dial refused", fmt.Errorf("acquire: %w", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}), true},
		{"not found", NotFoundError{Op: "identity.GetUserByID", Resource: "user"}, false},
		{"other", errors.New("column does not exist"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := unavailable("identity.Test", tc.err)
			if got := errors.Is(err, ErrUnavailable); got != tc.want {
				t.Fatalf("unavailable(%v) = %v, want ErrUnavailable=%v", tc.err, err, tc.want)
			}
		})
	}
}

func TestPostgresStore_UnreachableIsUnavailable(t *testing.T) {
	// Nothing listens on port 1; the pool only dials on first use.
	pool, err := pgxpool.New(context.Background(), "postgres://learnhub@127.0.0.1:1/learnhub?connect_timeout=2")
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	store, err := NewPostgresStore(pool)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if _, err := store.GetUserByID(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZA"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := store.GetUserAuthByEmail(context.Background(), "ada@example.com"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
