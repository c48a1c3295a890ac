package session

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TokenFormat selects the access-token implementation.
type TokenFormat string

const (
	FormatPaseto TokenFormat = "paseto"
	FormatJWT    TokenFormat = "jwt"
)

// JWTKey is one HS256 secret in the signing key ring.
type JWTKey struct {
	ID     string
	Secret []byte
}

// RetentionConfig drives the janitor that deletes dead session rows.
type RetentionConfig struct {
	// KeepPerUser rows per user are never deleted, dead or not, so a user's
	// recent sign-in history survives for audit.
	KeepPerUser int
	// After is how long a row must have been invalid or expired before it
	// becomes eligible.
	After time.Duration
	// Interval between janitor passes. Zero disables the janitor.
	Interval time.Duration
	// PruneTimeout bounds one pass. A pass scans every session, so it gets
	// far more than StoreTimeout.
	PruneTimeout time.Duration
}

// Config is the session subsystem's runtime configuration.
type Config struct {
	// Issuer is the "iss" claim of access tokens.
	Issuer string

	AccessTokenTTL time.Duration

	// RefreshTTL applies to ordinary sign-ins, RefreshTTLRememberMe when
	// the user ticked "remember me". Rotation keeps the original choice.
	RefreshTTL           time.Duration
	RefreshTTLRememberMe time.Duration

	// ClockSkew tolerates an access token whose iat is slightly in the future.
	// Expiry is never stretched by it.
	ClockSkew time.Duration

	// RefreshTokenBytes of crypto/rand entropy per refresh token.
	RefreshTokenBytes int

	TokenFormat TokenFormat

	// PasetoV4SecretKeyHex is the hex Ed25519 secret for v4.public tokens.
	PasetoV4SecretKeyHex string

	// JWTKeys is the HS256 key ring. The first key signs; all keys verify.
	JWTKeys []JWTKey

	// RefreshHMACKey keys the stored refresh-token digest.
	RefreshHMACKey string

	// StoreTimeout bounds every session store call.
	StoreTimeout time.Duration

	// RevokeAllOnReuse invalidates every session of a user when a refresh
	// token that was already rotated is presented again.
	RevokeAllOnReuse bool

	Retention RetentionConfig
}

// DefaultConfig returns development defaults. Signing keys are left empty.
func DefaultConfig() Config {
	return Config{
		Issuer:               "learnhub",
		AccessTokenTTL:       15 * time.Minute,
		RefreshTTL:           7 * 24 * time.Hour,
		RefreshTTLRememberMe: 30 * 24 * time.Hour,
		ClockSkew:            30 * time.Second,
		RefreshTokenBytes:    32,
		TokenFormat:          FormatPaseto,
		StoreTimeout:         3 * time.Second,
		Retention: RetentionConfig{
			KeepPerUser:  10,
			After:        30 * 24 * time.Hour,
			Interval:     time.Hour,
			PruneTimeout: time.Minute,
		},
	}
}

// LoadConfig overlays DefaultConfig with values from v.
//
// Signing keys:
//   - LEARNHUB_AUTH_TOKEN_FORMAT ("paseto" or "jwt")
//   - LEARNHUB_PASETO_V4_SECRET_KEY_HEX (required for paseto)
//   - LEARNHUB_JWT_KEYS as "kid:secret,kid2:secret2" (required for jwt)
//   - LEARNHUB_TOKEN_HMAC_KEY
//
// Durations (Go syntax):
//   - LEARNHUB_AUTH_ACCESS_TTL, LEARNHUB_AUTH_REFRESH_TTL,
//     LEARNHUB_AUTH_REFRESH_TTL_REMEMBER, LEARNHUB_AUTH_CLOCK_SKEW,
//     LEARNHUB_SESSION_STORE_TIMEOUT, LEARNHUB_SESSION_RETENTION_AFTER,
//     LEARNHUB_SESSION_RETENTION_INTERVAL, LEARNHUB_SESSION_PRUNE_TIMEOUT
//
// Others:
//   - LEARNHUB_AUTH_ISSUER
//   - LEARNHUB_AUTH_REFRESH_TOKEN_BYTES (32..64)
//   - LEARNHUB_AUTH_REVOKE_ALL_ON_REUSE (bool)
//   - LEARNHUB_SESSION_RETENTION_KEEP (>= 1)
//
// Every failure wraps ErrConfig.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	if s := strings.TrimSpace(v.GetString("LEARNHUB_AUTH_ISSUER")); s != "" {
		cfg.Issuer = s
	}

	durations := []struct {
		key       string
		dst       *time.Duration
		allowZero bool
	}{
		{"LEARNHUB_AUTH_ACCESS_TTL", &cfg.AccessTokenTTL, false},
		{"LEARNHUB_AUTH_REFRESH_TTL", &cfg.RefreshTTL, false},
		{"LEARNHUB_AUTH_REFRESH_TTL_REMEMBER", &cfg.RefreshTTLRememberMe, false},
		{"LEARNHUB_AUTH_CLOCK_SKEW", &cfg.ClockSkew, true},
		{"LEARNHUB_SESSION_STORE_TIMEOUT", &cfg.StoreTimeout, false},
		{"LEARNHUB_SESSION_RETENTION_AFTER", &cfg.Retention.After, true},
		{"LEARNHUB_SESSION_RETENTION_INTERVAL", &cfg.Retention.Interval, true},
		{"LEARNHUB_SESSION_PRUNE_TIMEOUT", &cfg.Retention.PruneTimeout, false},
	}
	for _, d := range durations {
		s := strings.TrimSpace(v.GetString(d.key))
		if s == "" {
			continue
		}
		parsed, err := time.ParseDuration(s)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfig, d.key)
		}
		*d.dst = parsed
	}

	if s := strings.TrimSpace(v.GetString("LEARNHUB_AUTH_REFRESH_TOKEN_BYTES")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 32 || n > 64 {
			return Config{}, fmt.Errorf("%w: LEARNHUB_AUTH_REFRESH_TOKEN_BYTES", ErrConfig)
		}
		cfg.RefreshTokenBytes = n
	}

	if s := strings.TrimSpace(v.GetString("LEARNHUB_AUTH_REVOKE_ALL_ON_REUSE")); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Config{}, fmt.Errorf("%w: LEARNHUB_AUTH_REVOKE_ALL_ON_REUSE", ErrConfig)
		}
		cfg.RevokeAllOnReuse = b
	}

	if s := strings.TrimSpace(v.GetString("LEARNHUB_SESSION_RETENTION_KEEP")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("%w: LEARNHUB_SESSION_RETENTION_KEEP", ErrConfig)
		}
		cfg.Retention.KeepPerUser = n
	}

	cfg.RefreshHMACKey = strings.TrimSpace(v.GetString("LEARNHUB_TOKEN_HMAC_KEY"))

	if s := strings.TrimSpace(v.GetString("LEARNHUB_AUTH_TOKEN_FORMAT")); s != "" {
		cfg.TokenFormat = TokenFormat(strings.ToLower(s))
	}
	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(v.GetString("LEARNHUB_PASETO_V4_SECRET_KEY_HEX"))

	keys, err := ParseJWTKeys(v.GetString("LEARNHUB_JWT_KEYS"))
	if err != nil {
		return Config{}, err
	}
	cfg.JWTKeys = keys

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	switch c.TokenFormat {
	case FormatPaseto:
		if _, err := hex.DecodeString(c.PasetoV4SecretKeyHex); err != nil || c.PasetoV4SecretKeyHex == "" {
			return fmt.Errorf("%w: LEARNHUB_PASETO_V4_SECRET_KEY_HEX missing or not hex", ErrConfig)
		}
	case FormatJWT:
		if len(c.JWTKeys) == 0 {
			return fmt.Errorf("%w: LEARNHUB_JWT_KEYS required for jwt format", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown token format %q", ErrConfig, c.TokenFormat)
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTTL <= 0 || c.StoreTimeout <= 0 || c.Retention.PruneTimeout <= 0 {
		return fmt.Errorf("%w: ttl and timeout must be positive", ErrConfig)
	}
	if c.RefreshTTLRememberMe < c.RefreshTTL {
		return fmt.Errorf("%w: remember-me refresh ttl shorter than default", ErrConfig)
	}
	if c.AccessTokenTTL >= c.RefreshTTL {
		return fmt.Errorf("%w: access ttl must be shorter than refresh ttl", ErrConfig)
	}
	if c.RefreshTokenBytes < 16 {
		return fmt.Errorf("%w: refresh tokens need at least 128 bits", ErrConfig)
	}
	return nil
}

// ParseJWTKeys parses "kid:secret,kid2:secret2". Secrets shorter than 32
// bytes are rejected.
func ParseJWTKeys(raw string) ([]JWTKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []JWTKey
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		kid, secret, ok := strings.Cut(strings.TrimSpace(part), ":")
		kid, secret = strings.TrimSpace(kid), strings.TrimSpace(secret)
		if !ok || kid == "" || len(secret) < 32 || seen[kid] {
			return nil, fmt.Errorf("%w: LEARNHUB_JWT_KEYS entry %q", ErrConfig, kid)
		}
		seen[kid] = true
		out = append(out, JWTKey{ID: kid, Secret: []byte(secret)})
	}
	return out, nil
}
