package authapi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config controls the auth HTTP surface.
type Config struct {
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy   bool
	MaxBodyBytes int64

	CookieSecure bool
	CookieDomain string

	// Per-IP limits on the unauthenticated endpoints. Zero disables.
	SignInLimit  int
	SignInWindow time.Duration
	SignUpLimit  int
	SignUpWindow time.Duration

	// RetryAfter is advertised on 503 responses.
	RetryAfter time.Duration

	// AuditTimeout bounds a single audit insert.
	AuditTimeout time.Duration
}

// DefaultConfig returns defaults; cookies are Secure only in production.
func DefaultConfig(production bool) Config {
	return Config{
		MaxBodyBytes: 1 << 20,
		CookieSecure: production,
		SignInLimit:  10,
		SignInWindow: time.Minute,
		SignUpLimit:  5,
		SignUpWindow: 10 * time.Minute,
		RetryAfter:   5 * time.Second,
		AuditTimeout: time.Second,
	}
}

// LoadConfig overlays DefaultConfig with:
//
//	LEARNHUB_AUTH_TRUST_PROXY, LEARNHUB_AUTH_MAX_BODY_BYTES,
//	LEARNHUB_AUTH_COOKIE_SECURE, LEARNHUB_AUTH_COOKIE_DOMAIN,
//	LEARNHUB_AUTH_SIGNIN_LIMIT, LEARNHUB_AUTH_SIGNIN_WINDOW,
//	LEARNHUB_AUTH_SIGNUP_LIMIT, LEARNHUB_AUTH_SIGNUP_WINDOW,
//	LEARNHUB_AUTH_RETRY_AFTER, LEARNHUB_AUTH_AUDIT_TIMEOUT
func LoadConfig(v *viper.Viper, production bool) (Config, error) {
	cfg := DefaultConfig(production)

	bools := []struct {
		key string
		dst *bool
	}{
		{"LEARNHUB_AUTH_TRUST_PROXY", &cfg.TrustProxy},
		{"LEARNHUB_AUTH_COOKIE_SECURE", &cfg.CookieSecure},
	}
	for _, b := range bools {
		s := strings.TrimSpace(v.GetString(b.key))
		if s == "" {
			continue
		}
		parsed, err := strconv.ParseBool(s)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", b.key, err)
		}
		*b.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"LEARNHUB_AUTH_SIGNIN_LIMIT", &cfg.SignInLimit},
		{"LEARNHUB_AUTH_SIGNUP_LIMIT", &cfg.SignUpLimit},
	}
	for _, n := range ints {
		s := strings.TrimSpace(v.GetString(n.key))
		if s == "" {
			continue
		}
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 0 {
			return Config{}, fmt.Errorf("%s: must be a non-negative integer", n.key)
		}
		*n.dst = parsed
	}

	if s := strings.TrimSpace(v.GetString("LEARNHUB_AUTH_MAX_BODY_BYTES")); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("LEARNHUB_AUTH_MAX_BODY_BYTES: must be positive")
		}
		cfg.MaxBodyBytes = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"LEARNHUB_AUTH_SIGNIN_WINDOW", &cfg.SignInWindow},
		{"LEARNHUB_AUTH_SIGNUP_WINDOW", &cfg.SignUpWindow},
		{"LEARNHUB_AUTH_RETRY_AFTER", &cfg.RetryAfter},
		{"LEARNHUB_AUTH_AUDIT_TIMEOUT", &cfg.AuditTimeout},
	}
	for _, d := range durations {
		s := strings.TrimSpace(v.GetString(d.key))
		if s == "" {
			continue
		}
		parsed, err := time.ParseDuration(s)
		if err != nil || parsed <= 0 {
			return Config{}, fmt.Errorf("%s: must be a positive duration", d.key)
		}
		*d.dst = parsed
	}

	cfg.CookieDomain = strings.TrimSpace(v.GetString("LEARNHUB_AUTH_COOKIE_DOMAIN"))
	return cfg, nil
}
