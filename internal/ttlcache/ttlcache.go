// Package ttlcache provides the bounded LRU-with-expiry used by the
// embedding cache. It wraps hashicorp/golang-lru/v2
// for the ordering/eviction primitive and adds a lazy per-entry expiry
// check, layering a timestamped envelope over the same LRU package.
package ttlcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/developer-mesh/chat-search-gateway/internal/observability"
)

// entry wraps a stored value with the bookkeeping needed for lazy expiry
// and the hit-count/last-access reporting the janitor surfaces.
type entry[V any] struct {
	value        V
	storedAt     time.Time
	lastAccessed time.Time
	hitCount     int64
}

// RedisMirror is the optional L2 tier for cross-restart durability. The
// embedding cache wires one when GATEWAY_EMBEDDING_REDIS_ADDR is set.
type RedisMirror interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cache is a bounded LRU with per-entry TTL. All operations are safe for
// concurrent use. The zero value is not usable; construct with New.
type Cache[V any] struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, *entry[V]]
	ttl      time.Duration
	mirror   RedisMirror
	logger   observability.Logger
	metrics  observability.MetricsClient
	hitsCtr  string
	missCtr  string
}

// Option configures a Cache at construction time.
type Option[V any] func(*Cache[V])

// WithRedisMirror attaches a read-aside/write-through Redis tier. The LRU
// remains authoritative for capacity/eviction; the mirror is only
// consulted on an L1 miss and only populated on an L1 write.
func WithRedisMirror[V any](m RedisMirror) Option[V] {
	return func(c *Cache[V]) { c.mirror = m }
}

// WithLogger attaches a logger used for mirror read/write failures.
func WithLogger[V any](l observability.Logger) Option[V] {
	return func(c *Cache[V]) { c.logger = l }
}

// WithMetrics attaches a metrics client; hit/miss counters are recorded
// under "ttlcache_hits_total"/"ttlcache_misses_total" labeled by name.
func WithMetrics[V any](m observability.MetricsClient, name string) Option[V] {
	return func(c *Cache[V]) {
		c.metrics = m
		c.hitsCtr = name
		c.missCtr = name
	}
}

// New creates a Cache bounded to capacity entries, each expiring ttl after
// being stored.
func New[V any](capacity int, ttl time.Duration, opts ...Option[V]) (*Cache[V], error) {
	if capacity <= 0 {
		capacity = 1000
	}
	l, err := lru.New[string, *entry[V]](capacity)
	if err != nil {
		return nil, err
	}
	c := &Cache[V]{
		lru:     l,
		ttl:     ttl,
		logger:  observability.NoopLogger{},
		metrics: observability.NoopMetrics{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Get returns the value and true if present and unexpired, refreshing its
// recency and hit count. Expiry is checked lazily here, never by a
// background scan — the janitor's cleanupExpired call does that sweep.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	c.mu.Lock()
	if e, ok := c.lru.Get(key); ok {
		if time.Since(e.storedAt) > c.ttl {
			c.lru.Remove(key)
			c.mu.Unlock()
			c.recordMiss()
			return c.getFromMirror(ctx, key)
		}
		e.lastAccessed = time.Now()
		e.hitCount++
		c.mu.Unlock()
		c.recordHit()
		return e.value, true
	}
	c.mu.Unlock()

	c.recordMiss()
	return c.getFromMirror(ctx, key)
}

func (c *Cache[V]) getFromMirror(ctx context.Context, key string) (V, bool) {
	var zero V
	if c.mirror == nil {
		return zero, false
	}
	raw, err := c.mirror.Get(ctx, key)
	if err != nil || raw == nil {
		return zero, false
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Warn("ttlcache mirror unmarshal failed", map[string]interface{}{"error": err.Error()})
		return zero, false
	}
	c.Put(ctx, key, v)
	return v, true
}

// Put inserts or updates key, evicting exactly one LRU entry if capacity
// is exceeded (golang-lru/v2 does this internally on Add).
func (c *Cache[V]) Put(ctx context.Context, key string, value V) {
	now := time.Now()
	c.mu.Lock()
	c.lru.Add(key, &entry[V]{value: value, storedAt: now, lastAccessed: now})
	c.mu.Unlock()

	if c.mirror != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return
		}
		if err := c.mirror.Set(ctx, key, raw, c.ttl); err != nil {
			c.logger.Warn("ttlcache mirror write failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// Remove deletes key from both tiers.
func (c *Cache[V]) Remove(ctx context.Context, key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
	if c.mirror != nil {
		_ = c.mirror.Delete(ctx, key)
	}
}

// Clear empties the LRU tier. The mirror, if any, is left alone — it has
// its own TTL-driven expiry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the number of entries currently held (including ones that
// have expired but haven't been swept yet).
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// CleanupExpired sweeps the whole structure and returns the number of
// entries removed. Intended to be called periodically by the janitor
// rather than relied on for correctness (Get already lazily expires).
func (c *Cache[V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if time.Since(e.storedAt) > c.ttl {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Stats reports aggregate bookkeeping for /cache/stats: size and total
// hit count across all live entries, plus the oldest lastAccessed time.
type Stats struct {
	Size             int
	TotalHits        int64
	OldestLastAccess time.Time
}

// Stats computes a snapshot. O(n) in cache size; called only from the
// stats endpoint, never the hot path.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Size: c.lru.Len()}
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		s.TotalHits += e.hitCount
		if s.OldestLastAccess.IsZero() || e.lastAccessed.Before(s.OldestLastAccess) {
			s.OldestLastAccess = e.lastAccessed
		}
	}
	return s
}

func (c *Cache[V]) recordHit() {
	if c.hitsCtr != "" {
		c.metrics.IncrementCounter("ttlcache_hits_total", map[string]string{"cache": c.hitsCtr})
	}
}

func (c *Cache[V]) recordMiss() {
	if c.missCtr != "" {
		c.metrics.IncrementCounter("ttlcache_misses_total", map[string]string{"cache": c.missCtr})
	}
}
