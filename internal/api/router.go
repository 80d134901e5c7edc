package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/auth"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/config"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/logging"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/metrics"
	secmiddleware "github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/middleware"
)

// ReadyCheck reports whether a backing service can take traffic.
type ReadyCheck func(ctx context.Context) error

// RouterConfig holds what the HTTP server needs besides the handler.
type RouterConfig struct {
	Server  config.ServerConfig
	Auth    config.AuthConfig
	Ready   map[string]ReadyCheck
	Logger  zerolog.Logger
	Timeout time.Duration
}

// NewRouter mounts the handler under /api/v1 behind authentication, next
// to the unauthenticated health and metrics endpoints.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))
	r.Use(secmiddleware.BodyLimit(1 << 20))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", readyHandler(cfg.Ready))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))
		if cfg.Server.RateLimitRPS > 0 {
			limiter := secmiddleware.NewKeyedRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, func(r *http.Request) string {
				return scope(r)
			})
			r.Use(limiter.Middleware)
		}
		r.Mount("/", h.Routes())
	})

	return r
}

func readyHandler(checks map[string]ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := map[string]string{}
		var errs error
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				errs = multierr.Append(errs, err)
				continue
			}
			status[name] = "ok"
		}

		if errs != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "checks": status})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": status})
	}
}
