package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/viper"

	"learnhub/cmd/internal/auth/session"
	"learnhub/cmd/internal/db"
	"learnhub/cmd/internal/telemetry"
)

// Serve runs the HTTP server until ctx is cancelled.
func Serve(ctx context.Context, v *viper.Viper) error {
	cfg, err := LoadConfig(v)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, nil)

	shutdown, err := telemetry.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.Warn("telemetry.shutdown.fail", "err", err)
		}
	}()

	a, err := New(ctx, cfg, v, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// Migrate applies the embedded schema migrations in direction.
func Migrate(v *viper.Viper, direction string, log *slog.Logger) error {
	dsn := envString(v, "LEARNHUB_DATABASE_URL", "")
	if err := db.Migrate(dsn, direction); err != nil {
		return err
	}
	log.Info("db.migrate.done", "direction", direction)
	return nil
}

// PruneSessions runs one retention pass and returns the number of rows
// deleted.
func PruneSessions(ctx context.Context, v *viper.Viper, log *slog.Logger) (int64, error) {
	cfg, err := LoadConfig(v)
	if err != nil {
		return 0, err
	}
	sessCfg, err := session.LoadConfig(v)
	if err != nil {
		return 0, err
	}
	if sessCfg.Retention.KeepPerUser < 1 {
		return 0, errors.New("retention: LEARNHUB_SESSION_RETENTION_KEEP must be at least 1")
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return 0, err
	}
	defer b.Close()

	svc, err := newSessionService(cfg, sessCfg, b, log, nil)
	if err != nil {
		return 0, err
	}
	return session.NewJanitor(svc, log).RunOnce(ctx)
}
