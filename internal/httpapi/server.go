// Package httpapi is the HTTP transport shell: it accepts tool
// invocations on POST /mcp (NDJSON) and POST /sse (SSE), and serves the
// operational endpoints (healthz, readyz, metrics, security metrics).
// Both streaming forms emit the same semantic event sequence with the
// request's correlation ID on every frame.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/emergent-company/taskmcp/internal/audit"
	"github.com/emergent-company/taskmcp/internal/auth"
	"github.com/emergent-company/taskmcp/internal/config"
	"github.com/emergent-company/taskmcp/internal/correlation"
	"github.com/emergent-company/taskmcp/internal/fault"
	"github.com/emergent-company/taskmcp/internal/health"
	"github.com/emergent-company/taskmcp/internal/mcp"
)

// maxRequestBody bounds the tool invocation request body.
const maxRequestBody = 1 << 20

// Server binds the core engines to the HTTP surface.
type Server struct {
	cfg      *config.Config
	registry *mcp.Registry
	authn    *auth.Authenticator
	limiter  *auth.Limiter
	auditor  *audit.Logger
	checker  *health.Checker
	metrics  *Metrics
	logger   *slog.Logger

	inflight chan struct{} // admission for tool invocations
	streams  chan struct{} // open streaming connections
}

// NewServer wires the HTTP transport from its collaborators.
func NewServer(cfg *config.Config, registry *mcp.Registry, authn *auth.Authenticator,
	limiter *auth.Limiter, auditor *audit.Logger, checker *health.Checker, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		authn:    authn,
		limiter:  limiter,
		auditor:  auditor,
		checker:  checker,
		metrics:  NewMetrics(),
		logger:   logger,
		inflight: make(chan struct{}, cfg.Limits.MaxInflightHTTP),
		streams:  make(chan struct{}, cfg.Limits.MaxStreamConns),
	}
}

// Metrics exposes the instrument set, mainly for tests.
func (s *Server) MetricSet() *Metrics { return s.metrics }

// Handler builds the routed handler with the middleware pipeline. The
// pipeline is a data value: order is correlate, authenticate, rate-limit,
// then dispatch; the size cap lives in the stream emitter.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	// Operational endpoints stay outside the auth pipeline.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	pipeline := []func(http.Handler) http.Handler{
		s.correlate,
		s.authenticate,
		s.rateLimit,
	}

	r.Group(func(g chi.Router) {
		for _, mw := range pipeline {
			g.Use(mw)
		}
		g.Post("/mcp", func(w http.ResponseWriter, r *http.Request) {
			s.handleInvoke(w, r, false)
		})
		g.Post("/sse", func(w http.ResponseWriter, r *http.Request) {
			s.handleInvoke(w, r, true)
		})
		// Non-streaming endpoints get the flat request deadline; the
		// streaming ones above live on heartbeats instead.
		g.With(middleware.Timeout(s.cfg.Limits.RequestTimeout)).
			Get("/security/metrics", s.handleSecurityMetrics)
	})

	return r
}

// correlate assigns the request's correlation ID.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := correlation.Ensure(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate admits the request or writes the terminal auth error.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.authn.Authenticate(r)
		if err != nil {
			f := fault.From(err)
			reason := audit.EventAuthInvalid
			switch f.Code {
			case fault.CodeAuthMissing:
				reason = audit.EventAuthMissing
			case fault.CodeRateLimited:
				reason = audit.EventAuthRateLimited
			}
			s.metrics.AuthFailures.WithLabelValues(f.Code).Inc()
			s.auditor.Emit(audit.Record{
				Event:         reason,
				CorrelationID: correlation.ID(r.Context()),
				Identity:      clientIdentity(r),
				Code:          f.Code,
			})
			s.writeFault(w, r, f)
			return
		}
		if s.authn.Enabled() {
			s.auditor.Emit(audit.Record{
				Event:         audit.EventAuthSuccess,
				CorrelationID: correlation.ID(r.Context()),
				Identity:      identity.Key,
			})
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
	})
}

// rateLimit applies the per-identity token bucket and stamps the
// X-RateLimit-* headers on every response.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := identityFrom(r.Context())
		hdrs, err := s.limiter.Allow(identity.Key)
		hdrs.Apply(w.Header().Set)
		if err != nil {
			f := fault.From(err)
			if retry, ok := f.Context["retryAfterSeconds"].(int); ok {
				w.Header().Set("Retry-After", strconv.Itoa(retry))
			}
			s.metrics.RateLimited.Inc()
			s.auditor.Emit(audit.Record{
				Event:         audit.EventRequestBlocked,
				CorrelationID: correlation.ID(r.Context()),
				Identity:      identity.Key,
				Code:          f.Code,
			})
			s.writeFault(w, r, f)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealthz answers liveness: 200 unless the process is tearing down.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":  "ok",
		"uptime":  s.checker.Uptime().Seconds(),
		"version": s.cfg.Server.Version,
	}
	if !s.checker.Live() {
		status = http.StatusServiceUnavailable
		body["status"] = "shutting_down"
	}
	writeJSON(w, status, body)
}

// handleReadyz answers readiness from the cached probe results.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ready, results := s.checker.Ready()
	status := http.StatusOK
	verdict := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		verdict = "not_ready"
	}
	writeJSON(w, status, map[string]any{
		"status": verdict,
		"checks": results,
	})
}

// handleSecurityMetrics is the admin-only summary of auth and
// rate-limit counters.
func (s *Server) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	if s.authn.Enabled() && !identity.HasToken {
		s.writeFault(w, r, fault.New(fault.CodeAuthInvalid, "admin endpoint requires a valid token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trackedAddresses":  s.authn.TrackedAddresses(),
		"rateLimitBuckets":  s.limiter.Tracked(),
		"authEnabled":       s.authn.Enabled(),
		"requestsPerMinute": s.cfg.Limits.RequestsPerMinute,
		"auditBuffered":     s.auditor.Buffered(),
	})
}

// writeFault renders a fault as a plain JSON error response (non-stream
// paths: middleware rejections and admin endpoints).
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, f *fault.Error) {
	corrID := correlation.ID(r.Context())
	body := map[string]any{
		"error": map[string]any{
			"code":      f.Code,
			"message":   f.Message,
			"retryable": f.Retry,
		},
		"correlationId": corrID,
	}
	if f.Hint != "" {
		body["error"].(map[string]any)["hint"] = f.Hint
	}
	writeJSON(w, fault.HTTPStatus(f.Code), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func clientIdentity(r *http.Request) string {
	return r.RemoteAddr
}
