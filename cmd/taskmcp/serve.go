package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emergent-company/taskmcp/internal/audit"
	"github.com/emergent-company/taskmcp/internal/auth"
	"github.com/emergent-company/taskmcp/internal/health"
	"github.com/emergent-company/taskmcp/internal/httpapi"
	"github.com/emergent-company/taskmcp/internal/scheduler"
)

const (
	shutdownGrace = 10 * time.Second

	auditFlushInterval   = 5 * time.Second
	limiterSweepInterval = 10 * time.Minute
	limiterBucketIdle    = 30 * time.Minute
	healthProbeInterval  = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming HTTP transport",
	Long: `Serves tool invocations on POST /mcp (NDJSON) and POST /sse (SSE),
plus /healthz, /readyz, /metrics and /security/metrics. Authentication
is enabled when AUTH_TOKENS is set; TLS when TLS_CERT and TLS_KEY are
both set.

Examples:
  PORT=8443 AUTH_TOKENS=secret taskmcp serve
  TLS_CERT=server.crt TLS_KEY=server.key taskmcp serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry, _, sb, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}

	authn := auth.New(cfg.Auth.Tokens)
	limiter := auth.NewLimiter(cfg.Limits.RequestsPerMinute)
	auditor := audit.NewLogger(cfg.Log.AuditPath, logger)
	checker := health.NewChecker(sb.Root(), registry, logger)

	api := httpapi.NewServer(cfg, registry, authn, limiter, auditor, checker, logger)

	sched := scheduler.New(logger)
	sched.Add(scheduler.Job{
		Name:     "audit-flush",
		Interval: auditFlushInterval,
		Fn:       func(context.Context) error { return auditor.Flush() },
	})
	sched.Add(scheduler.Job{
		Name:     "limiter-sweep",
		Interval: limiterSweepInterval,
		Fn: func(context.Context) error {
			limiter.Sweep(limiterBucketIdle)
			return nil
		},
	})
	sched.Add(scheduler.Job{
		Name:       "health-refresh",
		Interval:   healthProbeInterval,
		RunOnStart: true,
		Fn:         checker.Refresh,
	})
	sched.Start(ctx)

	addr := net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting taskmcp",
			"version", cfg.Server.Version,
			"transport", "http",
			"addr", addr,
			"tls", cfg.HTTP.TLSCert != "",
			"auth", authn.Enabled(),
		)
		var err error
		if cfg.HTTP.TLSCert != "" {
			err = srv.ListenAndServeTLS(cfg.HTTP.TLSCert, cfg.HTTP.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		checker.SetShuttingDown()
		logger.Info("shutting down", "grace", shutdownGrace)

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	sched.Wait()
	if flushErr := auditor.Close(); flushErr != nil {
		logger.Error("closing audit log", "error", flushErr)
	}
	return err
}
