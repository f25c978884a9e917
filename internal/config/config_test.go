package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/legalinfer/internal/provider"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

log:
  level: debug
  format: json

providers:
  - name: engine
    type: ai_engine
    priority: 1
    base_url: http://localhost:8001
    timeout: 20s
    max_retries: 2
  - name: openai
    type: openai
    priority: 2
    enabled: false
    api_key: ${TEST_API_KEY}
    default_model: gpt-4o-mini

pipeline:
  enable_sanitization: true
  enable_retrieval: true
  max_query_length: 500
  tenants:
    acme:
      enable_sanitization: false
      max_response_length: 1000

cache:
  backend: redis
  ttl: 10m
  redis:
    addr: redis:6379
    db: 2

rate_limit:
  max_requests: 50
  window: 30s
  tenants:
    acme:
      max_requests: 500
`)
	t.Setenv("TEST_API_KEY", "my-secret-key")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout, "unset keys keep defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.Len(t, cfg.Providers, 2)
	engine := cfg.Providers[0].Descriptor()
	assert.Equal(t, "engine", engine.Name)
	assert.Equal(t, provider.TypeAIEngine, engine.Type)
	assert.True(t, engine.Enabled)
	assert.Equal(t, 20*time.Second, engine.Timeout)
	assert.Equal(t, 2, engine.MaxRetries)

	openai := cfg.Providers[1].Descriptor()
	assert.False(t, openai.Enabled)
	assert.Equal(t, "my-secret-key", openai.APIKey)
	assert.Equal(t, "gpt-4o-mini", openai.DefaultModel)

	pc := cfg.Pipeline.ToPipeline()
	assert.True(t, pc.EnableRetrieval)
	assert.True(t, pc.EnableOutputValidation, "unset keys keep defaults")
	assert.Equal(t, 500, pc.MaxQueryLength)
	acme := pc.ForTenant("acme")
	assert.False(t, acme.EnableSanitization)
	assert.Equal(t, 1000, acme.MaxResponseLength)
	assert.Equal(t, 500, acme.MaxQueryLength)

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "redis:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, 2, cfg.Cache.Redis.DB)
	assert.Equal(t, "legalinfer", cfg.Cache.Redis.Prefix)

	def, tenants := cfg.RateLimit.Limits()
	assert.Equal(t, 50, def.MaxRequests)
	assert.Equal(t, 30*time.Second, def.Window)
	assert.Equal(t, 500, tenants["acme"].MaxRequests)
	assert.Zero(t, tenants["acme"].Window)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8081\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, DefaultProvider(), cfg.Providers[0])
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.True(t, cfg.Pipeline.EnableSanitization)
	assert.False(t, cfg.Pipeline.EnableRetrieval)
	assert.Equal(t, 3, cfg.Pipeline.MinQueryLength)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
rate_limit:
  max_requests: 100
`)
	t.Setenv("LEGALINFER_SERVER__PORT", "3000")
	t.Setenv("LEGALINFER_RATE_LIMIT__MAX_REQUESTS", "7")
	t.Setenv("LEGALINFER_CACHE__ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 7, cfg.RateLimit.MaxRequests)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("KEY_PART", "abc")

	assert.Equal(t, "abc-1", expandEnv("${KEY_PART}-1"))
	assert.Equal(t, "pa$$word", expandEnv("pa$$word"), "no placeholder, unchanged")
	assert.Equal(t, "", expandEnv("${UNSET_FOR_TEST}"))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Providers = []ProviderConfig{DefaultProvider()}
		return &cfg
	}

	tests := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"empty name": {
			mutate: func(c *Config) { c.Providers[0].Name = "" },
			want:   "name is required",
		},
		"duplicate name": {
			mutate: func(c *Config) { c.Providers = append(c.Providers, DefaultProvider()) },
			want:   `duplicate name "mock"`,
		},
		"unknown type": {
			mutate: func(c *Config) { c.Providers[0].Type = "gemini" },
			want:   `unknown type "gemini"`,
		},
		"negative retries": {
			mutate: func(c *Config) { c.Providers[0].MaxRetries = -1 },
			want:   "max_retries must not be negative",
		},
		"bad port": {
			mutate: func(c *Config) { c.Server.Port = 0 },
			want:   "server.port 0 out of range",
		},
		"bad backend": {
			mutate: func(c *Config) { c.Cache.Backend = "memcached" },
			want:   `cache.backend "memcached"`,
		},
		"zero window": {
			mutate: func(c *Config) { c.RateLimit.Window = 0 },
			want:   "rate_limit.window must be positive",
		},
		"bad tenant limit": {
			mutate: func(c *Config) {
				c.RateLimit.Tenants = map[string]TenantLimitConfig{"acme": {MaxRequests: 0}}
			},
			want: "rate_limit.tenants.acme",
		},
	}

	require.NoError(t, valid().Validate())
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{{Name: "", Type: "nope"}}
	cfg.Server.Port = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), `unknown type "nope"`)
	assert.Contains(t, err.Error(), "server.port")
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")

	var port atomic.Int64
	stop, err := Watch(path, nil, func(cfg *Config) { port.Store(int64(cfg.Server.Port)) })
	require.NoError(t, err)
	t.Cleanup(func() { _ = stop() })

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0644))
	assert.Eventually(t, func() bool { return port.Load() == 9191 }, 5*time.Second, 20*time.Millisecond)
}
