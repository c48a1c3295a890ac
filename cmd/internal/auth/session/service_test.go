package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	store, _ := newRedisStoreWithServer(t)
	return store
}

func newRedisStoreWithServer(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, ""), mr
}

func newTestService(t *testing.T, mutate func(*Config), opts ...Option) (*Service, *RedisStore) {
	t.Helper()
	cfg := pasetoConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	tokens, err := NewAccessTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewAccessTokenManager: %v", err)
	}
	store := newRedisStore(t)
	return NewService(cfg, store, tokens, opts...), store
}

var (
	alice = Subject{UserID: "01HZZZZZZZZZZZZZZZZZZZZZZA", Email: "alice@example.com", Role: "student"}
	bob   = Subject{UserID: "01HZZZZZZZZZZZZZZZZZZZZZZB", Email: "bob@example.com", Role: "instructor"}
	web   = DeviceContext{UserAgent: "learnhub-test/1.0", IP: net.ParseIP("203.0.113.7")}
)

func mustIssue(t *testing.T, svc *Service, now time.Time, sub Subject, dev DeviceContext) Issued {
	t.Helper()
	iss, err := svc.IssueSession(context.Background(), now, sub, dev)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if iss.SessionID == "" || iss.AccessToken == "" || iss.RefreshToken == "" {
		t.Fatalf("IssueSession: expected non-empty tokens and session id")
	}
	return iss
}

func TestService_IssueAndRotate(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil)
	now := time.Now().UTC()

	first := mustIssue(t, svc, now, alice, web)

	claims, err := svc.VerifyAccess(first.AccessToken, now.Add(time.Second))
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.UserID != alice.UserID || claims.SessionID != first.SessionID {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	second, err := svc.Rotate(ctx, now.Add(2*time.Second), first.RefreshToken, alice, web)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if second.SessionID == first.SessionID || second.RefreshToken == first.RefreshToken {
		t.Fatalf("Rotate: expected a new session and refresh token")
	}

	old, err := store.FindByID(ctx, first.SessionID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if old.Valid || old.InvalidationReason != ReasonRotated || old.ReplacedBySessionID != second.SessionID {
		t.Fatalf("old session not rotated: %+v", old)
	}
	if old.InvalidatedAt == nil {
		t.Fatalf("expected invalidated_at on rotated session")
	}

	// Single use.
	if _, err := svc.Rotate(ctx, now.Add(3*time.Second), first.RefreshToken, alice, web); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid on reuse, got %v", err)
	}
	if _, err := svc.Rotate(ctx, now.Add(3*time.Second), second.RefreshToken, alice, web); err != nil {
		t.Fatalf("expected successor to rotate, got %v", err)
	}
}

func TestService_RotateRace_SingleWinner(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	now := time.Now().UTC()
	iss := mustIssue(t, svc, now, alice, web)

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		invalid int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Rotate(ctx, now.Add(time.Second), iss.RefreshToken, alice, web)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrTokenInvalid):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 || invalid != n-1 {
		t.Fatalf("expected exactly one winner, got wins=%d invalid=%d", wins, invalid)
	}

	rows, err := svc.ListSessions(ctx, now.Add(2*time.Second), alice.UserID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one live session after race, got %d", len(rows))
	}
}

func TestService_ExpiredRefresh(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil)
	now := time.Now().UTC()
	iss := mustIssue(t, svc, now, alice, web)

	later := iss.RefreshExp.Add(time.Second)
	if _, err := svc.Rotate(ctx, later, iss.RefreshToken, alice, web); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	row, err := store.FindByID(ctx, iss.SessionID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if row.Valid || row.InvalidationReason != ReasonExpired {
		t.Fatalf("expected expired session to be invalidated, got %+v", row)
	}

	// Once recorded it is simply invalid.
	if _, err := svc.Rotate(ctx, later, iss.RefreshToken, alice, web); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid after expiry was recorded, got %v", err)
	}
}

func TestService_RotateRejectsForeignUserAndGarbage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	now := time.Now().UTC()
	iss := mustIssue(t, svc, now, alice, web)

	if _, err := svc.Rotate(ctx, now, iss.RefreshToken, bob, web); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for another user's token, got %v", err)
	}
	for _, tok := range []string{"", "   ", "not-a-token"} {
		if _, err := svc.Rotate(ctx, now, tok, alice, web); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("Rotate(%q): expected ErrTokenInvalid, got %v", tok, err)
		}
	}
	// The rejected attempts did not consume it.
	if _, err := svc.Rotate(ctx, now, iss.RefreshToken, alice, web); err != nil {
		t.Fatalf("expected original token to remain usable, got %v", err)
	}
}

func TestService_RotateKeepsRememberMe(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	now := time.Now().UTC()

	dev := web
	dev.RememberMe = true
	iss := mustIssue(t, svc, now, alice, dev)
	if got := iss.RefreshExp.Sub(now); got != 30*24*time.Hour {
		t.Fatalf("remember-me refresh lifetime = %v", got)
	}

	later := now.Add(time.Hour)
	next, err := svc.Rotate(ctx, later, iss.RefreshToken, alice, web)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if got := next.RefreshExp.Sub(later); got != 30*24*time.Hour {
		t.Fatalf("rotation dropped remember-me: lifetime %v", got)
	}
}

func TestService_SignOutIsolation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	now := time.Now().UTC()

	laptop := mustIssue(t, svc, now, alice, web)
	phone := mustIssue(t, svc, now, alice, web)

	if err := svc.SignOut(ctx, now, bob.UserID, laptop.RefreshToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for foreign sign-out, got %v", err)
	}
	if err := svc.SignOut(ctx, now, alice.UserID, laptop.RefreshToken); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	// Idempotent.
	if err := svc.SignOut(ctx, now, alice.UserID, laptop.RefreshToken); err != nil {
		t.Fatalf("second SignOut: %v", err)
	}

	if _, err := svc.Rotate(ctx, now, laptop.RefreshToken, alice, web); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected signed-out session to be unusable, got %v", err)
	}
	if _, err := svc.Rotate(ctx, now, phone.RefreshToken, alice, web); err != nil {
		t.Fatalf("expected other session unaffected, got %v", err)
	}
}

func TestService_SignOutSessionAndInvalidateSession(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil)
	now := time.Now().UTC()

	a := mustIssue(t, svc, now, alice, web)
	b := mustIssue(t, svc, now, alice, web)

	if err := svc.SignOutSession(ctx, now, alice.UserID, a.SessionID); err != nil {
		t.Fatalf("SignOutSession: %v", err)
	}
	if err := svc.InvalidateSession(ctx, now, bob.UserID, b.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for foreign session, got %v", err)
	}
	if err := svc.InvalidateSession(ctx, now, alice.UserID, "not-a-ulid"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for malformed id, got %v", err)
	}
	if err := svc.InvalidateSession(ctx, now, alice.UserID, b.SessionID); err != nil {
		t.Fatalf("InvalidateSession: %v", err)
	}

	for id, want := range map[string]Reason{a.SessionID: ReasonSignOut, b.SessionID: ReasonRevoked} {
		row, err := store.FindByID(ctx, id)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if row.Valid || row.InvalidationReason != want {
			t.Fatalf("session %s: got valid=%v reason=%q, want reason %q", id, row.Valid, row.InvalidationReason, want)
		}
	}
}

func TestService_SignOutAll(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	now := time.Now().UTC()

	keep := mustIssue(t, svc, now, alice, web)
	mustIssue(t, svc, now, alice, web)
	mustIssue(t, svc, now, alice, web)
	other := mustIssue(t, svc, now, bob, web)

	n, err := svc.SignOutAll(ctx, now, alice.UserID, keep.SessionID)
	if err != nil {
		t.Fatalf("SignOutAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sessions ended, got %d", n)
	}

	rows, err := svc.ListSessions(ctx, now, alice.UserID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != keep.SessionID {
		t.Fatalf("expected only the kept session, got %+v", rows)
	}

	n, err = svc.ForceSignOut(ctx, now, alice.UserID)
	if err != nil || n != 1 {
		t.Fatalf("ForceSignOut: n=%d err=%v", n, err)
	}
	if _, err := svc.Rotate(ctx, now, other.RefreshToken, bob, web); err != nil {
		t.Fatalf("expected another user's session untouched, got %v", err)
	}
}

func TestService_ListSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	now := time.Now().UTC()

	older := mustIssue(t, svc, now, alice, web)
	newer := mustIssue(t, svc, now.Add(time.Second), alice, web)

	rows, err := svc.ListSessions(ctx, now.Add(2*time.Second), alice.UserID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != newer.SessionID || rows[1].ID != older.SessionID {
		t.Fatalf("unexpected order: %+v", rows)
	}
	if rows[0].IP != "203.0.113.7" || rows[0].UserAgent != "learnhub-test/1.0" {
		t.Fatalf("device context not recorded: %+v", rows[0])
	}

	// Expired sessions drop out even before anyone marks them.
	rows, err = svc.ListSessions(ctx, older.RefreshExp.Add(2*time.Second), alice.UserID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no usable sessions after expiry, got %d", len(rows))
	}
}

func TestService_ReuseDetection(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("disabled", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		a := mustIssue(t, svc, now, alice, web)
		mustIssue(t, svc, now, alice, web)
		if _, err := svc.Rotate(ctx, now, a.RefreshToken, alice, web); err != nil {
			t.Fatalf("Rotate: %v", err)
		}
		if _, err := svc.Rotate(ctx, now, a.RefreshToken, alice, web); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("expected ErrTokenInvalid, got %v", err)
		}
		rows, _ := svc.ListSessions(ctx, now, alice.UserID)
		if len(rows) != 2 {
			t.Fatalf("expected other sessions untouched, got %d", len(rows))
		}
	})

	t.Run("enabled", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := NewMetrics(reg)
		if err != nil {
			t.Fatalf("NewMetrics: %v", err)
		}
		svc, _ := newTestService(t, func(c *Config) { c.RevokeAllOnReuse = true }, WithMetrics(m))
		a := mustIssue(t, svc, now, alice, web)
		mustIssue(t, svc, now, alice, web)
		if _, err := svc.Rotate(ctx, now, a.RefreshToken, alice, web); err != nil {
			t.Fatalf("Rotate: %v", err)
		}
		if _, err := svc.Rotate(ctx, now, a.RefreshToken, alice, web); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("expected ErrTokenInvalid, got %v", err)
		}
		rows, _ := svc.ListSessions(ctx, now, alice.UserID)
		if len(rows) != 0 {
			t.Fatalf("expected every session revoked on reuse, got %d", len(rows))
		}
		if got := testutil.ToFloat64(m.reuse); got != 1 {
			t.Fatalf("reuse counter = %v", got)
		}
		if got := testutil.ToFloat64(m.issued); got != 2 {
			t.Fatalf("issued counter = %v", got)
		}
	})
}

// blockingStore never answers lookups or prunes before the caller's deadline.
type blockingStore struct{ Store }

func (blockingStore) FindByRefreshHash(ctx context.Context, _ string) (Session, error) {
	<-ctx.Done()
	return Session{}, ctx.Err()
}

func TestService_StoreTimeoutIsUnavailable(t *testing.T) {
	cfg := pasetoConfig(t)
	cfg.StoreTimeout = 20 * time.Millisecond
	tokens, err := NewAccessTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewAccessTokenManager: %v", err)
	}
	svc := NewService(cfg, blockingStore{Store: newRedisStore(t)}, tokens)

	_, err = svc.Rotate(context.Background(), time.Now().UTC(), "some-refresh-token", alice, web)
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("a timeout must not look like a bad token")
	}
}

func (blockingStore) Prune(ctx context.Context, _ PrunePolicy) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestService_PruneUsesPruneTimeout(t *testing.T) {
	cfg := pasetoConfig(t)
	cfg.StoreTimeout = time.Hour
	cfg.Retention.PruneTimeout = 20 * time.Millisecond
	tokens, err := NewAccessTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewAccessTokenManager: %v", err)
	}
	svc := NewService(cfg, blockingStore{Store: newRedisStore(t)}, tokens)

	start := time.Now()
	_, err = svc.Prune(context.Background(), start.UTC())
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("prune ran for %v, expected the prune timeout to bound it", elapsed)
	}
}

func TestService_StoreDownIsUnavailable(t *testing.T) {
	ctx := context.Background()
	cfg := pasetoConfig(t)
	tokens, err := NewAccessTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewAccessTokenManager: %v", err)
	}
	store, mr := newRedisStoreWithServer(t)
	svc := NewService(cfg, store, tokens)

	now := time.Now().UTC()
	iss := mustIssue(t, svc, now, alice, web)
	mr.Close()

	if _, err := svc.ValidateRefresh(ctx, now, iss.RefreshToken, alice.UserID); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("ValidateRefresh: expected ErrServiceUnavailable, got %v", err)
	}
	if _, err := svc.ListSessions(ctx, now, alice.UserID); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("ListSessions: expected ErrServiceUnavailable, got %v", err)
	}
	if _, err := svc.IssueSession(ctx, now, bob, web); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("IssueSession: expected ErrServiceUnavailable, got %v", err)
	}
}

func TestStoreError_Classification(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"dial refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, true},
		{"client closed", redis.ErrClosed, true},
		{"script error", errors.New("ERR Error running script"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := storeError("op", tc.err)
			if got := errors.Is(err, ErrServiceUnavailable); got != tc.unavailable {
				t.Fatalf("storeError(%v) unavailable = %v, want %v", tc.err, got, tc.unavailable)
			}
			if !tc.unavailable && !errors.Is(err, tc.err) {
				t.Fatalf("storeError should keep the cause: %v", err)
			}
		})
	}
}

func TestService_RefreshDigestIsKeyed(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, func(c *Config) { c.RefreshHMACKey = "0123456789abcdef0123456789abcdef" })
	iss := mustIssue(t, svc, time.Now().UTC(), alice, web)

	row, err := store.FindByID(ctx, iss.SessionID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if len(row.RefreshTokenHash) != 64 || row.RefreshTokenHash == iss.RefreshToken {
		t.Fatalf("expected a hex digest, got %q", row.RefreshTokenHash)
	}
	if row.RefreshTokenHash != svc.issuer.HashRefresh(iss.RefreshToken) {
		t.Fatalf("stored digest does not match issuer hash")
	}
}
