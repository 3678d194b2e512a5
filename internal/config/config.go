// Package config handles TOML configuration for Vouch.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Storage  StorageConfig  `toml:"storage"`
	Lock     LockConfig     `toml:"lock"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Metrics  MetricsConfig  `toml:"metrics"`
	OTEL     OTELConfig     `toml:"otel"`
	Sweep    SweepConfig    `toml:"sweep"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port         int      `toml:"port"`
	CORSOrigins  string   `toml:"cors_origins"`
	MaxBodyBytes int64    `toml:"max_body_bytes"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
}

// UpstreamConfig holds Management API client settings.
type UpstreamConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
}

// StorageConfig selects and configures the compliance store.
type StorageConfig struct {
	// Backend is "bolt" or "postgres".
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	DatabaseURL string `toml:"database_url"`
	RequireTLS  bool   `toml:"require_tls"`
	MaxConns    int32  `toml:"max_conns"`
}

// LockConfig selects the per-org reconciliation lock.
type LockConfig struct {
	// Backend is "local" or "redis".
	Backend  string   `toml:"backend"`
	RedisURL string   `toml:"redis_url"`
	Prefix   string   `toml:"prefix"`
	TTL      Duration `toml:"ttl"`
}

// KafkaConfig holds audit event publishing settings.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string       `toml:"endpoint"`
	Insecure    bool         `toml:"insecure"`
	ServiceName string       `toml:"service_name"`
	Traces      TracesConfig `toml:"traces"`
	Metrics     OTLPMetrics  `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// OTLPMetrics holds OTLP metric push settings.
type OTLPMetrics struct {
	Enabled bool `toml:"enabled"`
}

// SweepConfig holds the background sweep settings.
type SweepConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
	Orgs     []string `toml:"orgs"`
	// TokenEnv names the environment variable holding the service token.
	TokenEnv string `toml:"token_env"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a TOML config file. An empty path yields defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.CORSOrigins == "" {
		cfg.Server.CORSOrigins = "http://localhost:3000"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.ReadTimeout.Duration == 0 {
		cfg.Server.ReadTimeout.Duration = 15 * time.Second
	}
	if cfg.Server.WriteTimeout.Duration == 0 {
		cfg.Server.WriteTimeout.Duration = 2 * time.Minute
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.supabase.com"
	}
	if cfg.Upstream.Timeout.Duration == 0 {
		cfg.Upstream.Timeout.Duration = 30 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "bolt"
		if cfg.Storage.DatabaseURL != "" {
			cfg.Storage.Backend = "postgres"
		}
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "vouch.db"
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "local"
		if cfg.Lock.RedisURL != "" {
			cfg.Lock.Backend = "redis"
		}
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "vouch.compliance.logs"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "vouch"
	}
	if cfg.Sweep.Interval.Duration == 0 {
		cfg.Sweep.Interval.Duration = time.Hour
	}
	if cfg.Sweep.TokenEnv == "" {
		cfg.Sweep.TokenEnv = "SUPABASE_ACCESS_TOKEN"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup("CORS_HOST"); ok && v != "" {
		cfg.Server.CORSOrigins = v
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		cfg.Lock.RedisURL = v
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		cfg.OTEL.Endpoint = v
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port must be between 1 and 65535 (got %d)", c.Server.Port)
	}
	switch c.Storage.Backend {
	case "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage: path required for bolt backend")
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage: database_url required for postgres backend")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("lock: redis_url required for redis backend")
		}
	default:
		return fmt.Errorf("lock: unknown backend %q", c.Lock.Backend)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker required")
	}
	if c.Sweep.Enabled && len(c.Sweep.Orgs) == 0 {
		return fmt.Errorf("sweep: at least one org required")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	return nil
}
