package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// readinessCheck reports whether one backend can serve traffic.
type readinessCheck struct {
	name  string
	check func(ctx context.Context) error
}

type routes struct {
	log      *slog.Logger
	cfg      Config
	gatherer prometheus.Gatherer
	ready    []readinessCheck

	// mount registers the application routes.
	mount func(chi.Router)
}

// newRouter builds the full HTTP handler: operational endpoints, the
// application routes from mount, and the shared middleware stack.
func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(WithSecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && rt.cfg.DatabaseURL == "" {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		for _, c := range rt.ready {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := c.check(ctx)
			cancel()
			if err != nil {
				rt.log.Info("readyz.not_ready", "backend", c.name, "err", err)
				http.Error(w, c.name+" not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	if rt.mount != nil {
		rt.mount(r)
	}

	var h http.Handler = r
	h = WithCORS(h, rt.cfg)
	h = WithRequestLogging(h, rt.log)
	h = WithRequestID(h)
	return otelhttp.NewHandler(h, rt.cfg.ServiceName,
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)
}
