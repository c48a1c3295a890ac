// Package app wires the learnhub server runtime: configuration, logging,
// storage backends, the auth HTTP surface, metrics, tracing and the session
// janitor.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"learnhub/cmd/identity"
	authapi "learnhub/cmd/internal/auth/api"
	"learnhub/cmd/internal/auth/session"
	"learnhub/cmd/security/password"
)

// backends owns the external connections. Either field may be nil.
type backends struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

func openBackends(ctx context.Context, cfg Config, log *slog.Logger) (*backends, error) {
	b := &backends{}
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.pool = pool
		log.Info("db.enabled", "backend", "postgres")
	}
	if cfg.RedisURL != "" {
		rdb, err := NewRedisClient(ctx, cfg)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.rdb = rdb
		log.Info("redis.enabled")
	}
	return b, nil
}

func (b *backends) Close() {
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func (b *backends) readiness() []readinessCheck {
	var out []readinessCheck
	if b.pool != nil {
		pool := b.pool
		out = append(out, readinessCheck{name: "postgres", check: func(ctx context.Context) error {
			return pool.Ping(ctx)
		}})
	}
	if b.rdb != nil {
		rdb := b.rdb
		out = append(out, readinessCheck{name: "redis", check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return out
}

func (b *backends) sessionStore(cfg Config) (session.Store, error) {
	switch cfg.SessionStore {
	case StoreRedis:
		if b.rdb == nil {
			return nil, errors.New("session store redis: no redis client")
		}
		return session.NewRedisStore(b.rdb, cfg.RedisPrefix), nil
	default:
		if b.pool == nil {
			return nil, errors.New("session store postgres: no database pool")
		}
		return session.NewPostgresStore(b.pool, "")
	}
}

func newSessionService(cfg Config, sessCfg session.Config, b *backends, log *slog.Logger, m *session.Metrics) (*session.Service, error) {
	store, err := b.sessionStore(cfg)
	if err != nil {
		return nil, err
	}
	tokens, err := session.NewAccessTokenManager(sessCfg)
	if err != nil {
		return nil, err
	}
	return session.NewService(sessCfg, store, tokens,
		session.WithLogger(log),
		session.WithMetrics(m),
	), nil
}

// App is the assembled server.
type App struct {
	cfg Config
	log *slog.Logger

	backends *backends
	sessions *session.Service
	janitor  *session.Janitor
	handler  http.Handler
}

// New builds an App from cfg and the remaining subsystem keys in v.
func New(ctx context.Context, cfg Config, v *viper.Viper, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	sessCfg, err := session.LoadConfig(v)
	if err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg, sessCfg); err != nil {
		return nil, err
	}
	pwCfg, err := password.LoadConfig(v)
	if err != nil {
		return nil, err
	}
	authCfg, err := authapi.LoadConfig(v, cfg.Production())
	if err != nil {
		return nil, err
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a, err := assemble(cfg, sessCfg, pwCfg, authCfg, b, log)
	if err != nil {
		b.Close()
		return nil, err
	}
	return a, nil
}

func assemble(cfg Config, sessCfg session.Config, pwCfg password.Config, authCfg authapi.Config, b *backends, log *slog.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := session.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	svc, err := newSessionService(cfg, sessCfg, b, log, metrics)
	if err != nil {
		return nil, err
	}

	var users identity.Directory
	if b.pool != nil {
		pg, err := identity.NewPostgresStore(b.pool, identity.WithQueryTimeout(sessCfg.StoreTimeout))
		if err != nil {
			return nil, err
		}
		users = pg
	} else {
		log.Warn("identity.memory_store", "reason", "LEARNHUB_DATABASE_URL not set; accounts are lost on restart")
		users = identity.NewMemoryStore()
	}

	creds, err := identity.NewCredentials(users, pwCfg,
		identity.WithLogger(log),
		identity.WithAutoVerify(cfg.AutoVerify),
	)
	if err != nil {
		return nil, err
	}

	var auditor authapi.Auditor = authapi.LogAuditor{Log: log}
	if b.pool != nil {
		pa, err := authapi.NewPostgresAuditor(b.pool, "", authCfg.AuditTimeout, log)
		if err != nil {
			return nil, err
		}
		auditor = pa
	}

	auth := authapi.NewHandler(log, authCfg, creds, users, svc, authapi.WithAuditor(auditor))

	return &App{
		cfg:      cfg,
		log:      log,
		backends: b,
		sessions: svc,
		janitor:  session.NewJanitor(svc, log),
		handler: newRouter(routes{
			log:      log,
			cfg:      cfg,
			gatherer: reg,
			ready:    b.readiness(),
			mount:    auth.Register,
		}),
	}, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP and runs the janitor until ctx is cancelled or the
// listener fails, then shuts down within ShutdownTimeout.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	jctx, stopJanitor := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.janitor.Run(jctx)
	}()
	defer func() {
		stopJanitor()
		wg.Wait()
		a.backends.Close()
	}()

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"env", a.cfg.Env,
		"session_store", a.cfg.SessionStore,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}
