// Package cache provides a concurrency-safe TTL cache for quotes and routes.
package cache

import (
	"strings"
	"sync"
	"time"
)

// DefaultTTL reflects upstream price volatility: entries older than this are
// treated as absent, never stale-served.
const DefaultTTL = 5 * time.Second

// Entry pairs a cached value with its expiry instant.
type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

// TTLCache is a key/value store with per-entry expiry. Expiry is evaluated
// lazily on read; there is no background sweeper.
type TTLCache[T any] struct {
	mu      sync.Mutex
	entries map[string]Entry[T]
	now     func() time.Time
}

// Option customises a cache instance.
type Option[T any] func(*TTLCache[T])

// WithClock overrides the time source used for expiry checks.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *TTLCache[T]) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs an empty cache.
func New[T any](opts ...Option[T]) *TTLCache[T] {
	c := &TTLCache[T]{
		entries: make(map[string]Entry[T]),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live value for key. An expired entry is evicted and
// reported as absent.
func (c *TTLCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if !c.now().Before(entry.ExpiresAt) {
		delete(c.entries, key)
		var zero T
		return zero, false
	}
	return entry.Value, true
}

// Put stores value under key for the provided lifetime. Non-positive TTLs
// fall back to DefaultTTL.
func (c *TTLCache[T]) Put(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry[T]{Value: value, ExpiresAt: c.now().Add(ttl)}
}

// Invalidate removes key immediately.
func (c *TTLCache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear drops every entry.
func (c *TTLCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry[T])
}

// IsCached reports whether key holds a live entry, evicting it when expired.
func (c *TTLCache[T]) IsCached(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Len returns the number of entries currently held, including any that have
// expired but not yet been read.
func (c *TTLCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Key builds the deterministic cache key for a token pair and input amount.
// Addresses are case-insensitive on EVM chains, so both are lower-cased.
func Key(tokenIn, tokenOut, amountIn string) string {
	return strings.ToLower(strings.TrimSpace(tokenIn)) + "_" +
		strings.ToLower(strings.TrimSpace(tokenOut)) + "_" +
		strings.TrimSpace(amountIn)
}
