// Package cache provides a namespaced, TTL-bound key/value cache used to
// accelerate audit statistics and lookups.
//
// Every operation is best-effort. Backend errors are logged and counted, reads
// report a miss, writes and deletes are dropped. Callers must never rely on the
// cache for correctness.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/audittrail/audittrail/internal/telemetry"
)

// ErrMiss is returned by a Backend when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend is a raw byte-string store with TTL and glob deletes.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes keys matching a glob ('*' and '?') and returns the count.
	DeletePattern(ctx context.Context, pattern string) (int64, error)
}

// Cache prefixes every key with its namespace and JSON-encodes values.
// A nil *Cache is valid and behaves as a disabled cache.
type Cache struct {
	backend    Backend
	namespace  string
	defaultTTL time.Duration
}

// New wraps backend. A nil backend disables the cache.
func New(backend Backend, namespace string, defaultTTL time.Duration) *Cache {
	if namespace == "" {
		namespace = "audit"
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{backend: backend, namespace: namespace, defaultTTL: defaultTTL}
}

// Enabled reports whether a backend is configured.
func (c *Cache) Enabled() bool { return c != nil && c.backend != nil }

func (c *Cache) key(k string) string { return c.namespace + ":" + k }

// Get decodes the cached value for key into dst. It reports false on a miss,
// a backend error or an undecodable entry.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	if !c.Enabled() {
		return false
	}
	raw, err := c.backend.Get(ctx, c.key(key))
	if err != nil {
		if errors.Is(err, ErrMiss) {
			telemetry.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		} else {
			telemetry.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
			slog.Error("cache get failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		telemetry.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		slog.Error("cache entry undecodable", "key", key, "error", err)
		return false
	}
	telemetry.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
	return true
}

// Set stores value under key. ttl <= 0 uses the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		telemetry.CacheOperationsTotal.WithLabelValues("set", "error").Inc()
		slog.Error("cache value unencodable", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, c.key(key), raw, ttl); err != nil {
		telemetry.CacheOperationsTotal.WithLabelValues("set", "error").Inc()
		slog.Error("cache set failed", "key", key, "error", err)
		return
	}
	telemetry.CacheOperationsTotal.WithLabelValues("set", "ok").Inc()
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if !c.Enabled() {
		return
	}
	if err := c.backend.Delete(ctx, c.key(key)); err != nil {
		telemetry.CacheOperationsTotal.WithLabelValues("delete", "error").Inc()
		slog.Error("cache delete failed", "key", key, "error", err)
		return
	}
	telemetry.CacheOperationsTotal.WithLabelValues("delete", "ok").Inc()
}

// DeletePattern removes every key in the namespace matching pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) {
	if !c.Enabled() {
		return
	}
	n, err := c.backend.DeletePattern(ctx, c.key(pattern))
	if err != nil {
		telemetry.CacheOperationsTotal.WithLabelValues("delete_pattern", "error").Inc()
		slog.Error("cache pattern delete failed", "pattern", pattern, "error", err)
		return
	}
	telemetry.CacheOperationsTotal.WithLabelValues("delete_pattern", "ok").Inc()
	slog.Debug("cache pattern deleted", "pattern", pattern, "keys", n)
}

// InvalidateStatistics drops every cached statistics result.
func (c *Cache) InvalidateStatistics(ctx context.Context) {
	c.DeletePattern(ctx, statsPrefix+"*")
}

// InvalidateQueries drops every cached query result.
func (c *Cache) InvalidateQueries(ctx context.Context) {
	c.DeletePattern(ctx, queryPrefix+"*")
}
