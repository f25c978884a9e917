// Package cache stores prior inference responses so repeated queries can
// skip the pipeline. A Cache wraps a Store backend (in-memory or Redis) with
// key derivation, hit/miss accounting and response (de)serialization.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// DefaultTTL is used when Set is called with a zero TTL.
const DefaultTTL = 5 * time.Minute

// ErrFallbackNotCacheable is returned by CacheResponse for a fallback
// response. Fallbacks describe a transient outage and must never be served
// from the cache.
var ErrFallbackNotCacheable = errors.New("cache: fallback responses are not cacheable")

// Store is a TTL key/value backend. Get on an expired key must report a
// miss and drop the entry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// Cache is the response cache used by the gateway.
type Cache struct {
	store      Store
	backend    string
	defaultTTL time.Duration
	logger     *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option { return func(c *Cache) { c.defaultTTL = ttl } }

// WithLogger sets the Cache's logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithBackendName sets the backend label reported by Stats.
func WithBackendName(name string) Option { return func(c *Cache) { c.backend = name } }

// New wraps store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:      store,
		backend:    "in-memory",
		defaultTTL: DefaultTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = DefaultTTL
	}
	return c
}

// Get returns the value stored under key. Expired entries are misses.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.misses.Add(1)
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if !ok {
		c.misses.Add(1)
		c.logger.DebugContext(ctx, "cache miss", "key", key)
		return nil, false, nil
	}
	c.hits.Add(1)
	c.logger.DebugContext(ctx, "cache hit", "key", key)
	return v, true, nil
}

// Set stores value under key. A ttl <= 0 means the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	c.logger.DebugContext(ctx, "cache set", "key", key, "ttl", ttl)
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Clear removes every entry. Hit/miss counters are kept.
func (c *Cache) Clear(ctx context.Context) error {
	n, _ := c.store.Len(ctx)
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	c.logger.InfoContext(ctx, "cache cleared", "entries", n)
	return nil
}

// Close releases the backend.
func (c *Cache) Close() error { return c.store.Close() }

// Stats describes the cache for the admin API.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"` // percent, two decimals
	Backend string  `json:"backend"`
}

// Stats returns the current size and hit/miss counters.
func (c *Cache) Stats(ctx context.Context) Stats {
	size, err := c.store.Len(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "cache size unavailable", "error", err)
	}
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = math.Round(float64(hits)/float64(total)*10000) / 100
	}
	return Stats{Size: size, Hits: hits, Misses: misses, HitRate: rate, Backend: c.backend}
}

// ---------------------------------------------------------------------------
// Query keys and response helpers
// ---------------------------------------------------------------------------

// Query identifies a cacheable inference request.
type Query struct {
	Text     string
	Provider string
	Model    string
	Tenant   string
}

// keyFields is hashed to derive a key. Fields are declared alphabetically
// so the JSON encoding is the same as a sorted-key encoding.
type keyFields struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Query    string `json:"query"`
	Tenant   string `json:"tenant"`
}

// KeyForQuery derives the cache key for q: "query:" followed by the first
// 16 hex digits of a SHA-256 over the normalized fields. The query text is
// trimmed and lower-cased; empty provider, model and tenant become
// "default".
func KeyForQuery(q Query) string {
	f := keyFields{
		Model:    orDefault(q.Model),
		Provider: orDefault(q.Provider),
		Query:    strings.ToLower(strings.TrimSpace(q.Text)),
		Tenant:   orDefault(q.Tenant),
	}
	// Marshalling a struct of strings can't fail.
	b, _ := json.Marshal(f)
	sum := sha256.Sum256(b)
	return "query:" + hex.EncodeToString(sum[:])[:16]
}

func orDefault(s string) string {
	if s == "" {
		return "default"
	}
	return s
}

// Fallbacker is implemented by responses that know whether they are a
// fallback.
type Fallbacker interface {
	IsFallback() bool
}

// CacheResponse serializes resp and stores it under q's key. It refuses
// fallback responses with ErrFallbackNotCacheable.
func (c *Cache) CacheResponse(ctx context.Context, q Query, resp any, ttl time.Duration) error {
	if fb, ok := resp.(Fallbacker); ok && fb.IsFallback() {
		return ErrFallbackNotCacheable
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache: encode response: %w", err)
	}
	return c.Set(ctx, KeyForQuery(q), b, ttl)
}

// GetCachedResponse decodes the response cached for q into out. It
// reports false on a miss.
func (c *Cache) GetCachedResponse(ctx context.Context, q Query, out any) (bool, error) {
	key := KeyForQuery(q)
	b, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		// A value we can't decode is as good as absent.
		_ = c.store.Delete(ctx, key)
		return false, fmt.Errorf("cache: decode response %s: %w", key, err)
	}
	return true, nil
}
