// Package daemon runs periodic compliance sweeps for configured organizations
// so the audit log keeps accruing without interactive requests.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/vouch/internal/checker"
	"github.com/yairfalse/vouch/pkg/compliance"
)

// Config holds daemon configuration
type Config struct {
	Interval time.Duration
	Orgs     []string
}

// Daemon manages continuous reconciliation
type Daemon struct {
	interval   time.Duration
	orgs       []string
	checker    *checker.Checker
	api        checker.Upstream
	metrics    *DaemonMetrics
	logger     zerolog.Logger
	startTime  time.Time
	sweepCount atomic.Int64
	lastErr    atomic.Pointer[string]
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Daemon) { d.logger = logger }
}

// WithMetrics sets the sweep metrics.
func WithMetrics(m *DaemonMetrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// NewDaemon creates a new daemon instance. api is bound to a service token.
func NewDaemon(cfg Config, chk *checker.Checker, api checker.Upstream, opts ...Option) (*Daemon, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}
	if len(cfg.Orgs) == 0 {
		return nil, fmt.Errorf("at least one org required")
	}
	if chk == nil || api == nil {
		return nil, fmt.Errorf("checker and upstream required")
	}
	d := &Daemon{
		interval:  cfg.Interval,
		orgs:      cfg.Orgs,
		checker:   chk,
		api:       api,
		logger:    zerolog.Nop(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start sweeps immediately, then on every tick until ctx is done.
func (d *Daemon) Start(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info().
		Dur("interval", d.interval).
		Strs("orgs", d.orgs).
		Msg("sweep daemon started")

	d.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep checks every resource kind of every configured org once. Failures
// are logged and do not stop the remaining checks.
func (d *Daemon) Sweep(ctx context.Context) error {
	d.sweepCount.Add(1)
	started := time.Now()

	var errs []error
	for _, org := range d.orgs {
		for _, kind := range compliance.Kinds {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := d.check(ctx, org, kind); err != nil {
				d.logger.Error().
					Err(err).
					Str("org", org).
					Str("resource", string(kind)).
					Msg("sweep check failed")
				errs = append(errs, fmt.Errorf("%s %s: %w", org, kind, err))
			}
		}
	}

	status := "success"
	err := errors.Join(errs...)
	if err != nil {
		status = "error"
		msg := err.Error()
		d.lastErr.Store(&msg)
	} else {
		d.lastErr.Store(nil)
	}
	if d.metrics != nil {
		d.metrics.RecordSweep(ctx, status)
		d.metrics.RecordSweepDuration(ctx, time.Since(started).Seconds(), status)
	}
	d.logger.Info().
		Str("status", status).
		Dur("duration", time.Since(started)).
		Msg("sweep completed")
	return err
}

func (d *Daemon) check(ctx context.Context, org string, kind compliance.Kind) error {
	var err error
	switch kind {
	case compliance.KindProject:
		_, err = d.checker.Projects(ctx, d.api, org)
	case compliance.KindTable:
		_, err = d.checker.Tables(ctx, d.api, org)
	case compliance.KindUser:
		_, err = d.checker.Users(ctx, d.api, org)
	}
	return err
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	h := HealthStatus{
		Status: "healthy",
		Uptime: int64(time.Since(d.startTime).Seconds()),
		Sweeps: d.sweepCount.Load(),
	}
	if msg := d.lastErr.Load(); msg != nil {
		h.Status = "degraded"
		h.LastError = *msg
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status    string
	Uptime    int64
	Sweeps    int64
	LastError string
}

// SweepCount returns total sweeps run
func (d *Daemon) SweepCount() int64 {
	return d.sweepCount.Load()
}
