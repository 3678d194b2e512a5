package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vouch/internal/checker"
	"github.com/yairfalse/vouch/internal/config"
	"github.com/yairfalse/vouch/internal/emitter"
	"github.com/yairfalse/vouch/internal/lock"
	"github.com/yairfalse/vouch/internal/storage"
	"github.com/yairfalse/vouch/internal/upstream"
)

// app holds the shared dependencies of every command.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    storage.Store
	locker   lock.Locker
	redis    *lock.RedisLocker
	emitter  emitter.Emitter
	checker  *checker.Checker
	upstream *upstream.Factory
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return storage.NewPostgresStore(ctx, storage.PostgresConfig{
			DSN:        cfg.DatabaseURL,
			RequireTLS: cfg.RequireTLS,
			MaxConns:   cfg.MaxConns,
		})
	case "bolt":
		return storage.NewBoltStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newEmitter(cfg *config.Config, provider metric.MeterProvider) (emitter.Emitter, error) {
	var emitters []emitter.Emitter

	metrics, err := emitter.NewPrometheusEmitterWithProvider(provider)
	if err != nil {
		return nil, err
	}
	emitters = append(emitters, metrics)

	if cfg.Kafka.Enabled {
		k, err := emitter.NewKafkaEmitter(emitter.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, k)
	}

	return emitter.NewMultiEmitter(emitters...), nil
}

// newApp wires storage, locking, emitters and the checker.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, provider metric.MeterProvider) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		upstream: upstream.NewFactory(upstream.Config{
			BaseURL: cfg.Upstream.BaseURL,
			Timeout: cfg.Upstream.Timeout.Duration,
		}),
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	a.store = store

	a.locker = lock.NewLocalLocker()
	if cfg.Lock.Backend == "redis" {
		r, err := lock.NewRedisLocker(lock.RedisConfig{
			URL:    cfg.Lock.RedisURL,
			Prefix: cfg.Lock.Prefix,
			TTL:    cfg.Lock.TTL.Duration,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.redis = r
		a.locker = r
	}

	a.emitter, err = newEmitter(cfg, provider)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create emitter: %w", err)
	}

	a.checker = checker.New(a.store,
		checker.WithLocker(a.locker),
		checker.WithEmitter(a.emitter),
		checker.WithLogger(logger),
	)

	logger.Debug().
		Str("storage", cfg.Storage.Backend).
		Str("lock", cfg.Lock.Backend).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("dependencies ready")
	return a, nil
}

// serviceUpstream returns a client bound to the service token from the
// configured environment variable.
func (a *app) serviceUpstream() (*upstream.Client, error) {
	token := os.Getenv(a.cfg.Sweep.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("%s is not set", a.cfg.Sweep.TokenEnv)
	}
	return a.upstream.ForToken(token), nil
}

func (a *app) Close() error {
	var errs []error
	if a.emitter != nil {
		errs = append(errs, a.emitter.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
