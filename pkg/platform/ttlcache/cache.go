// Package ttlcache is an in-process read-through cache with per-entry expiry,
// hit/miss accounting, and explicit invalidation.
//
// The cache never fails and holds no authority: it shadows an authoritative
// store and is invalidated on every write path. Entries are only removed by
// expiry on read, Invalidate, Clear, or Purge; there is no size bound.
// Memory therefore grows with the key space touched within one TTL window
// plus whatever expired entries have not been read or purged since.
package ttlcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultTTL is the expiry applied when no WithTTL option is given.
const DefaultTTL = 30 * time.Second

// numGenerationShards bounds the memory used for fill fencing; keys hashing
// to the same shard share a generation counter.
const numGenerationShards = 256

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Stats is a point-in-time snapshot of cache accounting.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Entries   int     `json:"entries"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache maps string keys to values of type V for a fixed TTL.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]

	generations [numGenerationShards]atomic.Uint64
	writers     [numGenerationShards]atomic.Int64

	ttl     time.Duration
	clock   func() time.Time
	metrics *Metrics

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	ttl     time.Duration
	clock   func() time.Time
	metrics *Metrics
}

// WithTTL sets the entry lifetime. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock injects the time source (tests advance a fake clock).
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetrics mirrors cache accounting into Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// New creates an empty cache.
func New[V any](opts ...Option) *Cache[V] {
	o := options{ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		ttl:     o.ttl,
		clock:   o.clock,
		metrics: o.metrics,
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the value stored under key if it is younger than the TTL.
// An expired entry is removed and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	now := c.clock()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && now.Sub(e.storedAt) < c.ttl {
		c.hits.Add(1)
		c.metrics.hit()
		return e.value, true
	}

	if ok {
		c.mu.Lock()
		// Another caller may have replaced the entry between the two locks.
		if cur, still := c.entries[key]; still && cur.storedAt.Equal(e.storedAt) {
			delete(c.entries, key)
			c.evictions.Add(1)
			c.metrics.eviction()
		}
		c.mu.Unlock()
	}

	c.misses.Add(1)
	c.metrics.miss()
	var zero V
	return zero, false
}

// Set stores value under key, replacing any existing entry.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, storedAt: c.clock()}
	c.mu.Unlock()
}

// Generation returns the fill fence for key. Pass it to SetIfGeneration after
// loading the value from the authoritative store.
func (c *Cache[V]) Generation(key string) uint64 {
	return c.generations[shardFor(key)].Load()
}

// SetIfGeneration stores value only if key has not been invalidated since gen
// was observed and no write fenced by BeginWrite is in progress on its
// shard. It reports whether the value was stored.
func (c *Cache[V]) SetIfGeneration(key string, value V, gen uint64) bool {
	shard := shardFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writers[shard].Load() > 0 || c.generations[shard].Load() != gen {
		return false
	}
	c.entries[key] = entry[V]{value: value, storedAt: c.clock()}
	return true
}

// Invalidate removes key and fences out fills that started before the call.
// Invalidating an absent key is a no-op apart from the fence.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.generations[shardFor(key)].Add(1)
	c.mu.Unlock()
}

// BeginWrite invalidates key and blocks fills for it until the returned
// function is called. Call the returned function once the authoritative
// write has completed, successfully or not; it invalidates key again.
//
// Fills that read the store while the write was in flight are rejected, so
// no reader can be served a value older than a write that is already
// visible in the store.
func (c *Cache[V]) BeginWrite(key string) (done func()) {
	shard := shardFor(key)
	c.writers[shard].Add(1)
	c.Invalidate(key)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.Invalidate(key)
			c.writers[shard].Add(-1)
		})
	}
}

// Clear drops every entry. Counters are preserved; see ResetStats.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	for i := range c.generations {
		c.generations[i].Add(1)
	}
	c.mu.Unlock()
}

// ResetStats zeroes the hit, miss, and eviction counters.
func (c *Cache[V]) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}

// Purge removes all expired entries and returns how many were dropped.
func (c *Cache[V]) Purge() int {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.evictions.Add(uint64(removed))
		c.metrics.evictions(removed)
	}
	return removed
}

// StartJanitor purges expired entries every interval until ctx is done.
func (c *Cache[V]) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Purge()
			}
		}
	}()
}

// Len returns the number of stored entries, including expired ones not yet
// removed.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters. It has no side effects.
func (c *Cache[V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// shardFor maps key onto a generation shard.
func shardFor(key string) int {
	return int(xxhash.Sum64String(key) % numGenerationShards)
}
