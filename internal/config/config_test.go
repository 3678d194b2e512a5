package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
[server]
port = 9000
cors_origins = "https://app.example.com"
read_timeout = "5s"

[upstream]
base_url = "https://api.example.com"
timeout = "10s"

[storage]
backend = "postgres"
database_url = "postgres://vouch@localhost/vouch"
max_conns = 8

[lock]
backend = "redis"
redis_url = "redis://localhost:6379/0"
ttl = "1m"

[kafka]
enabled = true
brokers = ["localhost:9092"]
topic = "audit"

[otel]
endpoint = "localhost:4317"
insecure = true

[otel.traces]
enabled = true
sample_rate = 0.5

[sweep]
enabled = true
interval = "15m"
orgs = ["acme"]

[log]
level = "debug"
format = "console"
`
	cfg, err := Load(writeTempConfig(t, content))

	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "https://app.example.com", cfg.Server.CORSOrigins)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Duration)
	assert.Equal(t, 10*time.Second, cfg.Upstream.Timeout.Duration)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, int32(8), cfg.Storage.MaxConns)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, time.Minute, cfg.Lock.TTL.Duration)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, "audit", cfg.Kafka.Topic)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 0.5, cfg.OTEL.Traces.SampleRate)
	assert.Equal(t, 15*time.Minute, cfg.Sweep.Interval.Duration)
	assert.Equal(t, []string{"acme"}, cfg.Sweep.Orgs)
	assert.Equal(t, "console", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "CORS_HOST", "DATABASE_URL", "REDIS_URL", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(key, "")
	}
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://localhost:3000", cfg.Server.CORSOrigins)
	assert.Equal(t, "https://api.supabase.com", cfg.Upstream.BaseURL)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Equal(t, "vouch", cfg.OTEL.ServiceName)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval.Duration)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("CORS_HOST", "https://dash.example.com")
	t.Setenv("DATABASE_URL", "postgres://env@localhost/vouch")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "https://dash.example.com", cfg.Server.CORSOrigins)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "redis", cfg.Lock.Backend)
}

func TestLoad_BadPort(t *testing.T) {
	t.Setenv("PORT", "eighty")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	require.Error(t, err)
}

func TestLoad_InvalidTOML(t *testing.T) {
	_, err := Load(writeTempConfig(t, "[server\nport = 1"))
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeTempConfig(t, "[sweep]\ninterval = \"soon\"\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"postgres without url", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"redis without url", func(c *Config) { c.Lock.Backend = "redis" }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }},
		{"sweep without orgs", func(c *Config) { c.Sweep.Enabled = true }},
		{"sample rate", func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vouch.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
