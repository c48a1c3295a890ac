package app

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Session store backends.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config is the process-level runtime configuration. Subsystems load their
// own Config from the same viper instance.
type Config struct {
	Env         string
	ServiceName string

	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// SessionStore is StorePostgres or StoreRedis.
	SessionStore string
	RedisURL     string
	RedisPrefix  string

	// ReadinessRequireDB makes /readyz fail while Postgres is not configured.
	ReadinessRequireDB bool

	// RequireTokenHMAC refuses to start without a refresh-token HMAC key.
	// It is forced on in production.
	RequireTokenHMAC bool

	// AutoVerify marks new sign-ups as verified.
	AutoVerify bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAge           time.Duration

	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string
}

// Production reports whether LEARNHUB_ENV is "production".
func (c Config) Production() bool { return c.Env == "production" }

// LoadConfig reads LEARNHUB_* keys from v.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Env:         strings.ToLower(envString(v, "LEARNHUB_ENV", "development")),
		ServiceName: envString(v, "LEARNHUB_SERVICE_NAME", "learnhub"),
		HTTPAddr:    envString(v, "LEARNHUB_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:    envString(v, "LEARNHUB_LOG_LEVEL", "info"),
		LogFormat:   strings.ToLower(envString(v, "LEARNHUB_LOG_FORMAT", "json")),

		DatabaseURL:  envString(v, "LEARNHUB_DATABASE_URL", ""),
		SessionStore: strings.ToLower(envString(v, "LEARNHUB_SESSION_STORE", StorePostgres)),
		RedisURL:     envString(v, "LEARNHUB_REDIS_URL", ""),
		RedisPrefix:  envString(v, "LEARNHUB_REDIS_PREFIX", "learnhub:"),

		CORSAllowedOrigins: envList(v, "LEARNHUB_CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:       envString(v, "LEARNHUB_OTLP_ENDPOINT", envString(v, "OTEL_EXPORTER_OTLP_ENDPOINT", "")),
	}

	var errs []error
	dur := func(key string, def time.Duration, dst *time.Duration) {
		d, err := envDuration(v, key, def)
		errs = append(errs, err)
		*dst = d
	}
	dur("LEARNHUB_HTTP_READ_HEADER_TIMEOUT", 5*time.Second, &cfg.ReadHeaderTimeout)
	dur("LEARNHUB_HTTP_READ_TIMEOUT", 15*time.Second, &cfg.ReadTimeout)
	dur("LEARNHUB_HTTP_WRITE_TIMEOUT", 15*time.Second, &cfg.WriteTimeout)
	dur("LEARNHUB_HTTP_IDLE_TIMEOUT", 60*time.Second, &cfg.IdleTimeout)
	dur("LEARNHUB_SHUTDOWN_TIMEOUT", 10*time.Second, &cfg.ShutdownTimeout)
	dur("LEARNHUB_CORS_MAX_AGE", 10*time.Minute, &cfg.CORSMaxAge)

	flag := func(key string, def bool, dst *bool) {
		b, err := envBool(v, key, def)
		errs = append(errs, err)
		*dst = b
	}
	flag("LEARNHUB_READINESS_REQUIRE_DB", false, &cfg.ReadinessRequireDB)
	flag("LEARNHUB_REQUIRE_TOKEN_HMAC", false, &cfg.RequireTokenHMAC)
	flag("LEARNHUB_AUTH_AUTO_VERIFY", true, &cfg.AutoVerify)
	flag("LEARNHUB_CORS_ALLOW_CREDENTIALS", true, &cfg.CORSAllowCredentials)

	n, err := envInt(v, "LEARNHUB_HTTP_MAX_HEADER_BYTES", 1<<20, 1<<10, 16<<20)
	errs = append(errs, err)
	cfg.MaxHeaderBytes = n

	maxConns, err := envInt(v, "LEARNHUB_DB_MAX_CONNS", 10, 1, math.MaxInt32)
	errs = append(errs, err)
	cfg.DBMaxConns = int32(maxConns) // #nosec G115 -- bounded above.
	minConns, err := envInt(v, "LEARNHUB_DB_MIN_CONNS", 0, 0, math.MaxInt32)
	errs = append(errs, err)
	cfg.DBMinConns = int32(minConns) // #nosec G115 -- bounded above.

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.Production() {
		cfg.RequireTokenHMAC = true
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.SessionStore {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: LEARNHUB_SESSION_STORE=postgres requires LEARNHUB_DATABASE_URL")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("config: LEARNHUB_SESSION_STORE=redis requires LEARNHUB_REDIS_URL")
		}
	default:
		return fmt.Errorf("config: unknown LEARNHUB_SESSION_STORE %q", c.SessionStore)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown LEARNHUB_LOG_FORMAT %q", c.LogFormat)
	}
	if c.DBMinConns > c.DBMaxConns {
		return errors.New("config: LEARNHUB_DB_MIN_CONNS exceeds LEARNHUB_DB_MAX_CONNS")
	}
	if c.Production() && c.DatabaseURL == "" {
		return errors.New("config: production requires LEARNHUB_DATABASE_URL")
	}
	return nil
}
