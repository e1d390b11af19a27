// Package cache memoizes computed values per key with a time-to-live and at most one
// in-flight computation per key.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Clock abstracts time so expiry can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Entry is a cached value and the moment it was computed.
type Entry[V any] struct {
	Value     V             `json:"value"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether now - CreatedAt exceeds the TTL.
func (e Entry[V]) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Store is an optional second tier shared between processes. Store errors are
// never fatal: a failed Get is a miss and a failed Set is logged.
type Store[V any] interface {
	Get(ctx context.Context, key string) (Entry[V], bool, error)
	Set(ctx context.Context, key string, entry Entry[V]) error
}

// Stats is a read-only snapshot of cache counters.
type Stats struct {
	Size    int     `json:"cache_size"`
	Hits    uint64  `json:"cache_hits"`
	Misses  uint64  `json:"cache_misses"`
	HitRate float64 `json:"cache_hit_rate"`
}

// Cache is a TTL cache with per-key computation coalescing. The zero value is not
// usable; construct with New.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[V]

	ttl      time.Duration
	clock    Clock
	store    Store[V]
	logger   *zap.Logger
	observer func(hit bool)

	group  singleflight.Group
	hits   atomic.Uint64
	misses atomic.Uint64
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithClock injects a clock.
func WithClock[V any](clock Clock) Option[V] {
	return func(c *Cache[V]) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithStore adds a second-tier store.
func WithStore[V any](store Store[V]) Option[V] {
	return func(c *Cache[V]) { c.store = store }
}

// WithLogger sets the logger.
func WithLogger[V any](logger *zap.Logger) Option[V] {
	return func(c *Cache[V]) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver registers a callback invoked once per lookup with its outcome.
func WithObserver[V any](fn func(hit bool)) Option[V] {
	return func(c *Cache[V]) { c.observer = fn }
}

// New creates a cache whose entries live for ttl.
func New[V any](ttl time.Duration, opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]Entry[V]),
		ttl:     ttl,
		clock:   SystemClock(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the entry lifetime.
func (c *Cache[V]) TTL() time.Duration { return c.ttl }

type computed[V any] struct {
	value V
	hit   bool
}

// GetOrCompute returns the live value for key, or runs fn to produce it. Concurrent
// callers for the same key share one execution of fn. fn runs on a context detached
// from the caller's cancellation so that one caller leaving does not fail the
// computation for the others; a caller whose ctx ends stops waiting and gets
// ctx.Err(). Errors from fn are returned to every waiter and are not cached.
//
// The boolean result reports whether the value came from the cache rather than
// from this caller's computation.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (V, bool, error) {
	if e, ok := c.lookup(key); ok {
		c.record(true)
		return e.Value, true, nil
	}

	leader := false
	ch := c.group.DoChan(key, func() (any, error) {
		leader = true

		// Another computation may have finished between lookup and DoChan.
		if e, ok := c.lookup(key); ok {
			return computed[V]{value: e.Value, hit: true}, nil
		}

		detached := context.WithoutCancel(ctx)
		if v, ok := c.fromStore(detached, key); ok {
			return computed[V]{value: v, hit: true}, nil
		}

		v, err := fn(detached)
		if err != nil {
			return nil, err
		}
		entry := Entry[V]{Value: v, CreatedAt: c.clock.Now(), TTL: c.ttl}
		c.put(key, entry)
		c.toStore(detached, key, entry)
		return computed[V]{value: v}, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.record(false)
			return zero, false, res.Err
		}
		out := res.Val.(computed[V])
		hit := out.hit || !leader
		c.record(hit)
		return out.value, hit, nil
	}
}

// Get returns a live entry without computing.
func (c *Cache[V]) Get(key string) (Entry[V], bool) {
	return c.lookup(key)
}

// lookup returns a live entry, dropping it if it has expired.
func (c *Cache[V]) lookup(key string) (Entry[V], bool) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Entry[V]{}, false
	}
	if !e.Expired(now) {
		return e, true
	}

	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && cur.Expired(now) {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return Entry[V]{}, false
}

func (c *Cache[V]) put(key string, e Entry[V]) {
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *Cache[V]) fromStore(ctx context.Context, key string) (V, bool) {
	var zero V
	if c.store == nil {
		return zero, false
	}
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache store read failed, treating as miss", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	if !ok || e.Expired(c.clock.Now()) {
		return zero, false
	}
	// Keep the original timestamp so the entry expires with its peers elsewhere.
	c.put(key, e)
	return e.Value, true
}

func (c *Cache[V]) toStore(ctx context.Context, key string, e Entry[V]) {
	if c.store == nil {
		return
	}
	if err := c.store.Set(ctx, key, e); err != nil {
		c.logger.Warn("Cache store write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache[V]) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.observer != nil {
		c.observer(hit)
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("Swept expired cache entries", zap.Int("removed", n))
			}
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{Size: c.Len(), Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
