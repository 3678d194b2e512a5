package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vouch/internal/api"
	"github.com/yairfalse/vouch/internal/checker"
	"github.com/yairfalse/vouch/internal/daemon"
	"github.com/yairfalse/vouch/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the Vouch HTTP API.

Compliance endpoints authenticate with the access_token cookie and forward
it to the Management API. When sweeps are enabled, configured organizations
are also checked periodically with a service token.`,
	Example: `  vouch serve
  vouch serve --config vouch.toml
  PORT=9000 DATABASE_URL=postgres://... vouch serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL,
		telemetry.WithPrometheus(),
		telemetry.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	a, err := newApp(ctx, cfg, logger, provider.MeterProvider())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithReadinessCheck("store", a.store.Ping),
	}
	if a.redis != nil {
		opts = append(opts, api.WithReadinessCheck("redis", a.redis.Ping))
	}
	srv := api.NewServer(a.checker, func(token string) checker.Upstream {
		return a.upstream.ForToken(token)
	}, api.Config{
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, opts...)

	var g run.Group

	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout.Duration,
		WriteTimeout:      cfg.Server.WriteTimeout.Duration,
		IdleTimeout:       2 * time.Minute,
	}
	addHTTPServer(&g, httpServer, func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("api listening")
	})

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(provider.Registry(), promhttp.HandlerOpts{}))
		metricsServer := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		addHTTPServer(&g, metricsServer, func() {
			logger.Info().Str("addr", metricsServer.Addr).Msg("metrics listening")
		})
	}

	if cfg.Sweep.Enabled {
		svc, err := a.serviceUpstream()
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		dm, err := daemon.NewDaemonMetrics()
		if err != nil {
			return fmt.Errorf("sweep metrics: %w", err)
		}
		d, err := daemon.NewDaemon(daemon.Config{
			Interval: cfg.Sweep.Interval.Duration,
			Orgs:     cfg.Sweep.Orgs,
		}, a.checker, svc, daemon.WithLogger(logger), daemon.WithMetrics(dm))
		if err != nil {
			return err
		}
		sweepCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(sweepCtx)
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		logger.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}

// addHTTPServer runs srv in g and shuts it down gracefully on interrupt.
func addHTTPServer(g *run.Group, srv *http.Server, started func()) {
	g.Add(func() error {
		started()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
}
