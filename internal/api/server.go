// Package api exposes the compliance checks and the Management API proxy
// over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yairfalse/vouch/internal/checker"
)

// TokenCookie carries the caller's Management API access token.
const TokenCookie = "access_token"

// DefaultCORSOrigin is the frontend allowed when none is configured.
const DefaultCORSOrigin = "http://localhost:3000"

const defaultMaxBodyBytes = 1 << 20

// UpstreamFunc returns a Management API handle bound to token.
type UpstreamFunc func(token string) checker.Upstream

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Config holds HTTP surface settings.
type Config struct {
	// CORSOrigins is a comma-separated allowlist.
	CORSOrigins  string
	MaxBodyBytes int64
}

// Server serves the HTTP API.
type Server struct {
	checker  *checker.Checker
	upstream UpstreamFunc
	ready    map[string]ReadinessCheck
	cfg      Config
	logger   zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithReadinessCheck adds a dependency to /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) { s.ready[name] = check }
}

// NewServer creates the HTTP server.
func NewServer(chk *checker.Checker, up UpstreamFunc, cfg Config, opts ...Option) *Server {
	if cfg.CORSOrigins == "" {
		cfg.CORSOrigins = DefaultCORSOrigin
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		checker:  chk,
		upstream: up,
		ready:    make(map[string]ReadinessCheck),
		cfg:      cfg,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(corsMiddleware(s.cfg.CORSOrigins))
	r.Use(limitBody(s.cfg.MaxBodyBytes))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Group(func(r chi.Router) {
		r.Use(tokenAuth)

		r.Route("/v1/organizations", func(r chi.Router) {
			r.Get("/", s.listOrganizations)
			r.Get("/{org}/members", s.listMembers)
		})
		r.Route("/v1/projects", func(r chi.Router) {
			r.Get("/", s.listProjects)
			r.Get("/{ref}/database/backups", s.getBackups)
			r.Post("/{ref}/database/query", s.runQuery)
			r.Post("/{ref}/database/query/enable_rls", s.enableRLS)
		})
		r.Route("/v1/compliance/{slug}", func(r chi.Router) {
			r.Get("/projects", s.projectCompliance)
			r.Get("/tables", s.tableCompliance)
			r.Get("/users", s.userCompliance)
			r.Get("/logs", s.complianceLogs)
		})
	})

	return otelhttp.NewHandler(r, "vouch.api")
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		hlog.FromRequest(r).Warn().Interface("failed", failed).Msg("not ready")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
