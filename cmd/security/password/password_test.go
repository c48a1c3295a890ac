package password

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// cheap keeps the argon2 cost low so the suite stays fast.
func cheap() Config {
	cfg := DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func TestHashAndVerify_OK(t *testing.T) {
	cfg := cheap()

	h, err := cfg.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.HasPrefix(h, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected encoding: %s", h)
	}

	ok, err := cfg.Verify(h, "correct horse battery")
	if err != nil || !ok {
		t.Fatalf("expected match, ok=%v err=%v", ok, err)
	}
}

func TestVerify_WrongPassword(t *testing.T) {
	cfg := cheap()
	h, err := cfg.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	ok, err := cfg.Verify(h, "wrong horse battery")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch")
	}
}

func TestVerify_InvalidHash(t *testing.T) {
	cfg := cheap()
	for _, enc := range []string{
		"not-a-hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=16$m=8192,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5a2V5",
	} {
		ok, err := cfg.Verify(enc, "whatever")
		if err != ErrInvalidHash || ok {
			t.Fatalf("%q: expected ErrInvalidHash, got ok=%v err=%v", enc, ok, err)
		}
	}
}

func TestVerify_RejectsOversizedParams(t *testing.T) {
	low := cheap()
	high := cheap()
	high.Params.Iterations = 10

	h, err := high.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if ok, err := low.Verify(h, "correct horse battery"); err != ErrInvalidHash || ok {
		t.Fatalf("expected ErrInvalidHash for costly hash, got ok=%v err=%v", ok, err)
	}
}

func TestVerify_LegacyBcrypt(t *testing.T) {
	cfg := cheap()
	legacy, err := bcrypt.GenerateFromPassword([]byte("old platform pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	ok, err := cfg.Verify(string(legacy), "old platform pass")
	if err != nil || !ok {
		t.Fatalf("expected legacy match, ok=%v err=%v", ok, err)
	}
	ok, err = cfg.Verify(string(legacy), "nope")
	if err != nil || ok {
		t.Fatalf("expected legacy mismatch, ok=%v err=%v", ok, err)
	}
	if !cfg.NeedsRehash(string(legacy)) {
		t.Fatalf("bcrypt hashes should be flagged for rehash")
	}
}

func TestNeedsRehash_Argon2(t *testing.T) {
	cfg := cheap()
	h, _ := cfg.Hash("correct horse battery")
	if cfg.NeedsRehash(h) {
		t.Fatalf("fresh hash should not need rehash")
	}

	stronger := cfg
	stronger.Params.Iterations = 2
	if !stronger.NeedsRehash(h) {
		t.Fatalf("expected rehash after raising iterations")
	}
}

func TestDummyHash_Verifies(t *testing.T) {
	cfg := cheap()
	h, err := cfg.DummyHash()
	if err != nil {
		t.Fatalf("DummyHash: %v", err)
	}
	ok, err := cfg.Verify(h, "anything at all")
	if err != nil {
		t.Fatalf("dummy hash must be well formed: %v", err)
	}
	if ok {
		t.Fatalf("dummy hash must not match")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.MinLength = 8
	cfg.Policy.MaxLength = 16

	cases := []struct {
		pw   string
		want error
	}{
		{"short", ErrPasswordTooShort},
		{"this password is definitely too long", ErrPasswordTooLong},
		{"password", ErrWeakPassword},
		{"aaaaaaaaaa", ErrWeakPassword},
		{"12345678", ErrWeakPassword},
		{"pläne-und-mehr", nil},
	}
	for _, tc := range cases {
		if err := cfg.Validate(tc.pw); err != tc.want {
			t.Fatalf("Validate(%q) = %v, want %v", tc.pw, err, tc.want)
		}
	}

	cfg.Policy.RejectVeryWeak = false
	if err := cfg.Validate("password"); err != nil {
		t.Fatalf("weak check disabled, got %v", err)
	}
}
