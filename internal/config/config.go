// Package config handles loading and validating service configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/howard-nolan/legalinfer/internal/pipeline"
	"github.com/howard-nolan/legalinfer/internal/provider"
	"github.com/howard-nolan/legalinfer/internal/ratelimit"
)

// EnvPrefix is the prefix for environment overrides. A double underscore
// separates nesting levels: LEGALINFER_SERVER__PORT sets server.port.
const EnvPrefix = "LEGALINFER_"

// Config is the top-level configuration for the legalinfer service.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Log       LogConfig        `koanf:"log"`
	Providers []ProviderConfig `koanf:"providers"`
	Pipeline  PipelineConfig   `koanf:"pipeline"`
	Cache     CacheConfig      `koanf:"cache"`
	RateLimit RateLimitConfig  `koanf:"rate_limit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig selects the log level (debug, info, warn, error) and format
// (text, json).
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ProviderConfig describes one inference backend. The list order in the
// file is the registration order, which breaks priority ties.
type ProviderConfig struct {
	Name                string        `koanf:"name"`
	Type                string        `koanf:"type"`
	Priority            int           `koanf:"priority"`
	Enabled             *bool         `koanf:"enabled"` // nil = true
	BaseURL             string        `koanf:"base_url"`
	APIKey              string        `koanf:"api_key"`
	DefaultModel        string        `koanf:"default_model"`
	Timeout             time.Duration `koanf:"timeout"`
	MaxRetries          int           `koanf:"max_retries"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
}

// Descriptor converts p to the provider package's descriptor.
func (p ProviderConfig) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:                p.Name,
		Type:                provider.Type(p.Type),
		Priority:            p.Priority,
		Enabled:             p.Enabled == nil || *p.Enabled,
		BaseURL:             p.BaseURL,
		APIKey:              p.APIKey,
		DefaultModel:        p.DefaultModel,
		Timeout:             p.Timeout,
		MaxRetries:          p.MaxRetries,
		HealthCheckInterval: p.HealthCheckInterval,
	}
}

// PipelineConfig holds stage switches and length limits.
type PipelineConfig struct {
	EnableSanitization        bool `koanf:"enable_sanitization"`
	EnableRetrieval           bool `koanf:"enable_retrieval"`
	EnableCitationExtraction  bool `koanf:"enable_citation_extraction"`
	EnableResponseStructuring bool `koanf:"enable_response_structuring"`
	EnableOutputValidation    bool `koanf:"enable_output_validation"`

	MinQueryLength    int `koanf:"min_query_length"`
	MaxQueryLength    int `koanf:"max_query_length"`
	MaxResponseLength int `koanf:"max_response_length"`

	Tenants map[string]TenantPipelineConfig `koanf:"tenants"`
}

// TenantPipelineConfig overrides pipeline settings for one tenant. Unset
// fields inherit.
type TenantPipelineConfig struct {
	EnableSanitization        *bool `koanf:"enable_sanitization"`
	EnableRetrieval           *bool `koanf:"enable_retrieval"`
	EnableCitationExtraction  *bool `koanf:"enable_citation_extraction"`
	EnableResponseStructuring *bool `koanf:"enable_response_structuring"`
	EnableOutputValidation    *bool `koanf:"enable_output_validation"`
	MaxQueryLength            *int  `koanf:"max_query_length"`
	MaxResponseLength         *int  `koanf:"max_response_length"`
}

// ToPipeline converts p to the pipeline package's config.
func (p PipelineConfig) ToPipeline() pipeline.Config {
	out := pipeline.Config{
		EnableSanitization:        p.EnableSanitization,
		EnableRetrieval:           p.EnableRetrieval,
		EnableCitationExtraction:  p.EnableCitationExtraction,
		EnableResponseStructuring: p.EnableResponseStructuring,
		EnableOutputValidation:    p.EnableOutputValidation,
		MinQueryLength:            p.MinQueryLength,
		MaxQueryLength:            p.MaxQueryLength,
		MaxResponseLength:         p.MaxResponseLength,
	}
	if len(p.Tenants) > 0 {
		out.Tenants = make(map[string]pipeline.TenantOverride, len(p.Tenants))
		for id, t := range p.Tenants {
			out.Tenants[id] = pipeline.TenantOverride{
				EnableSanitization:        t.EnableSanitization,
				EnableRetrieval:           t.EnableRetrieval,
				EnableCitationExtraction:  t.EnableCitationExtraction,
				EnableResponseStructuring: t.EnableResponseStructuring,
				EnableOutputValidation:    t.EnableOutputValidation,
				MaxQueryLength:            t.MaxQueryLength,
				MaxResponseLength:         t.MaxResponseLength,
			}
		}
	}
	return out
}

// CacheConfig selects and tunes the response cache.
type CacheConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Backend         string        `koanf:"backend"` // memory or redis
	TTL             time.Duration `koanf:"ttl"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	Redis           RedisConfig   `koanf:"redis"`
}

// RedisConfig is used when the cache backend is redis.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// RateLimitConfig holds the default limit and per-tenant overrides.
type RateLimitConfig struct {
	Enabled     bool                         `koanf:"enabled"`
	MaxRequests int                          `koanf:"max_requests"`
	Window      time.Duration                `koanf:"window"`
	Tenants     map[string]TenantLimitConfig `koanf:"tenants"`
}

// TenantLimitConfig overrides the rate limit for one tenant. A zero window
// inherits the default.
type TenantLimitConfig struct {
	MaxRequests int           `koanf:"max_requests"`
	Window      time.Duration `koanf:"window"`
}

// Limits converts r to the default limit and per-tenant overrides.
func (r RateLimitConfig) Limits() (ratelimit.Limit, map[string]ratelimit.Limit) {
	tenants := make(map[string]ratelimit.Limit, len(r.Tenants))
	for id, t := range r.Tenants {
		tenants[id] = ratelimit.Limit{MaxRequests: t.MaxRequests, Window: t.Window}
	}
	return ratelimit.Limit{MaxRequests: r.MaxRequests, Window: r.Window}, tenants
}

// DefaultProvider is registered when no providers are configured.
func DefaultProvider() ProviderConfig {
	return ProviderConfig{Name: "mock", Type: string(provider.TypeMock), Priority: 100}
}

// Default returns the configuration used for every key the file and the
// environment leave unset.
func Default() Config {
	pc := pipeline.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Pipeline: PipelineConfig{
			EnableSanitization:        pc.EnableSanitization,
			EnableRetrieval:           pc.EnableRetrieval,
			EnableCitationExtraction:  pc.EnableCitationExtraction,
			EnableResponseStructuring: pc.EnableResponseStructuring,
			EnableOutputValidation:    pc.EnableOutputValidation,
			MinQueryLength:            pc.MinQueryLength,
			MaxQueryLength:            pc.MaxQueryLength,
			MaxResponseLength:         pc.MaxResponseLength,
		},
		Cache: CacheConfig{
			Enabled:         true,
			Backend:         "memory",
			TTL:             5 * time.Minute,
			CleanupInterval: time.Minute,
			Redis:           RedisConfig{Addr: "localhost:6379", Prefix: "legalinfer"},
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			MaxRequests: ratelimit.DefaultMaxRequests,
			Window:      ratelimit.DefaultWindow,
		},
	}
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config. The result is
// not validated; call Validate.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// LEGALINFER_RATE_LIMIT__MAX_REQUESTS -> rate_limit.max_requests
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, EnvPrefix)),
			"__", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal on top of the defaults so unset keys keep them.
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Defaulted after unmarshaling: decoding a list onto a non-empty slice
	// would merge the first entry into the default.
	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{DefaultProvider()}
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.APIKey = expandEnv(p.APIKey)
		p.BaseURL = expandEnv(p.BaseURL)
	}
	cfg.Cache.Redis.Password = expandEnv(cfg.Cache.Redis.Password)

	return &cfg, nil
}

// expandEnv replaces ${VAR} placeholders with environment values. Strings
// without a placeholder are returned unchanged, so a literal "$" in a key
// survives.
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	known := make(map[provider.Type]bool)
	for _, t := range provider.NewRegistry().Types() {
		known[t] = true
	}
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if !known[provider.Type(p.Type)] {
			errs = append(errs, fmt.Errorf("providers[%d] %q: unknown type %q", i, p.Name, p.Type))
		}
		if p.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("providers[%d] %q: max_retries must not be negative", i, p.Name))
		}
		if p.Timeout < 0 || p.HealthCheckInterval < 0 {
			errs = append(errs, fmt.Errorf("providers[%d] %q: durations must not be negative", i, p.Name))
		}
	}

	if c.Pipeline.MinQueryLength > c.Pipeline.MaxQueryLength && c.Pipeline.MaxQueryLength > 0 {
		errs = append(errs, errors.New("pipeline.min_query_length exceeds max_query_length"))
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q: want memory or redis", c.Cache.Backend))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache.ttl must not be negative"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRequests <= 0 {
			errs = append(errs, errors.New("rate_limit.max_requests must be positive"))
		}
		if c.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("rate_limit.window must be positive"))
		}
	}
	for id, t := range c.RateLimit.Tenants {
		if t.MaxRequests <= 0 || t.Window < 0 {
			errs = append(errs, fmt.Errorf("rate_limit.tenants.%s: max_requests must be positive and window not negative", id))
		}
	}

	return errors.Join(errs...)
}

// Watch reloads the file at path whenever it changes and hands each valid
// result to fn. Invalid reloads are logged and skipped. The returned func
// stops watching.
func Watch(path string, logger *slog.Logger, fn func(*Config)) (stop func() error, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	fp := file.Provider(path)
	err = fp.Watch(func(_ interface{}, werr error) {
		if werr != nil {
			logger.Error("config watch failed", "path", path, "error", werr)
			return
		}
		cfg, err := Load(path)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			logger.Error("config reload rejected", "path", path, "error", err)
			return
		}
		logger.Info("config reloaded", "path", path)
		fn(cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("watching config file: %w", err)
	}
	return fp.Unwatch, nil
}
