package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/medxp/handoff/internal/audit"
	"github.com/medxp/handoff/internal/knowledge"
	"github.com/medxp/handoff/internal/session"
	"github.com/medxp/handoff/internal/shared/metrics"
	secmiddleware "github.com/medxp/handoff/internal/shared/middleware"
)

// Check is one readiness dependency. Ping is nil for dependencies that are not configured.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	Sessions  *session.Service
	Knowledge *knowledge.Store
	Audit     audit.Repository
	Checks    []Check
	Logger    zerolog.Logger

	// RateLimitRPS of zero disables per-IP rate limiting
	RateLimitRPS   int
	RateLimitBurst int
	MaxBodyBytes   int64
}

// NewRouter builds the HTTP handler with middleware, health checks and the versioned API.
func NewRouter(opts Options) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(opts.Checks))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if opts.RateLimitRPS > 0 {
			r.Use(secmiddleware.NewIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst).Middleware)
		}
		r.Use(secmiddleware.BodyLimit(opts.MaxBodyBytes))

		r.Mount("/", NewHandler(opts.Sessions, opts.Knowledge).Routes())
		if opts.Audit != nil {
			r.Mount("/audit", audit.NewHandler(opts.Audit).Routes())
		}
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func readyHandler(checks []Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := map[string]string{
			"server": "ready",
		}
		allReady := true
		for _, c := range checks {
			if c.Ping == nil {
				results[c.Name] = "not configured"
				continue
			}
			if err := c.Ping(r.Context()); err != nil {
				results[c.Name] = "not ready: " + err.Error()
				allReady = false
				continue
			}
			results[c.Name] = "ready"
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": results,
		})
	}
}
