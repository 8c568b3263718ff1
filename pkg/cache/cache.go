// Package cache provides a small in-process TTL cache with negative
// caching, stale-while-revalidate, and singleflight loader deduplication.
// The pipeline uses it for device credentials, alert rules, metric
// mappings, and channel configs; entries invalidate by TTL or by explicit
// purge when the store signals a change.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options configures a Cache.
type Options struct {
	// TTL is how long a loaded value stays fresh.
	TTL time.Duration
	// StaleWhileRevalidate extends a hit past TTL while a background
	// refresh runs. Zero disables serving stale.
	StaleWhileRevalidate time.Duration
	// NegativeTTL is how long a "not found" result is remembered. Zero
	// disables negative caching.
	NegativeTTL time.Duration
	// MaxEntries bounds the cache; oldest entries evict first. Zero means
	// unbounded.
	MaxEntries int
}

// Hooks receives cache events for metrics.
type Hooks struct {
	OnHit   func()
	OnMiss  func()
	OnStore func()
}

// Loader fetches the value for key on a miss. An ok=false result is
// negatively cached for NegativeTTL, together with its error if one was
// returned; a zero NegativeTTL keeps ok=false results out of the cache.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

type entry struct {
	value     interface{}
	err       error
	negative  bool
	expiresAt time.Time
	staleAt   time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	items map[string]*entry
	order []string
	opts  Options
	hooks Hooks
	sf    singleflight.Group
}

// New creates a Cache with the given options.
func New(opts Options, hooks Hooks) *Cache {
	return &Cache{
		items: make(map[string]*entry),
		order: make([]string, 0, 64),
		opts:  opts,
		hooks: hooks,
	}
}

type loadResult struct {
	val interface{}
	ok  bool
	err error
}

// Get returns the cached value for key, loading it on a miss. Concurrent
// misses for the same key share one loader call.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, bool, error) {
	now := time.Now()

	c.mu.RLock()
	e, exists := c.items[key]
	if exists && now.Before(e.expiresAt) {
		c.mu.RUnlock()
		c.hit()
		if e.negative {
			return nil, false, e.err
		}
		return e.value, true, nil
	}
	if exists && !e.negative && now.Before(e.staleAt) {
		val := e.value
		c.mu.RUnlock()
		c.hit()
		go func() {
			_, _, _ = c.sf.Do("refresh:"+key, func() (interface{}, error) {
				v, ok, err := loader(context.WithoutCancel(ctx), key)
				c.store(key, v, ok, err)
				return nil, nil
			})
		}()
		return val, true, nil
	}
	c.mu.RUnlock()

	if exists {
		c.Delete(key)
	}
	c.miss()

	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		c.store(key, val, ok, err)
		return loadResult{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult)
	if !res.ok {
		return nil, false, res.err
	}
	return res.val, true, nil
}

// Set stores a value directly with the cache's TTL.
func (c *Cache) Set(key string, val interface{}) {
	c.store(key, val, true, nil)
}

// Peek returns a fresh cached value without loading.
func (c *Cache) Peek(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || e.negative || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Delete removes one key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	if _, ok := c.items[key]; ok {
		delete(c.items, key)
		c.removeFromOrder(key)
	}
	c.mu.Unlock()
}

// Purge removes every entry. Used when a store notification invalidates
// the whole cache (rule or mapping changes).
func (c *Cache) Purge() {
	c.mu.Lock()
	c.items = make(map[string]*entry)
	c.order = c.order[:0]
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache) store(key string, val interface{}, ok bool, err error) {
	now := time.Now()
	e := &entry{}
	if ok {
		e.value = val
		e.expiresAt = now.Add(c.opts.TTL)
		e.staleAt = e.expiresAt.Add(c.opts.StaleWhileRevalidate)
	} else {
		if c.opts.NegativeTTL <= 0 {
			return
		}
		e.negative = true
		e.err = err
		e.expiresAt = now.Add(c.opts.NegativeTTL)
		e.staleAt = e.expiresAt
	}

	c.mu.Lock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictLocked()
	c.mu.Unlock()

	if c.hooks.OnStore != nil {
		c.hooks.OnStore()
	}
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Cache) evictLocked() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
	}
}

func (c *Cache) hit() {
	if c.hooks.OnHit != nil {
		c.hooks.OnHit()
	}
}

func (c *Cache) miss() {
	if c.hooks.OnMiss != nil {
		c.hooks.OnMiss()
	}
}
