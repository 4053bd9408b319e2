// Package keycache caches values derived from key material (signing and encryption
// services built from client key sets or secrets) with bounded size, TTL expiry and
// single-flight loading.
package keycache

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Expiry selects when an entry's TTL starts counting
type Expiry int

const (
	// ExpireAfterWrite expires an entry TTL after it was loaded
	ExpireAfterWrite Expiry = iota
	// ExpireAfterAccess expires an entry TTL after its last read
	ExpireAfterAccess
)

func (e Expiry) String() string {
	if e == ExpireAfterAccess {
		return "after-access"
	}
	return "after-write"
}

// LoaderFunc derives the value for a key on a cache miss
type LoaderFunc[K ~string, V any] func(ctx context.Context, key K) (V, error)

// Config holds the cache settings
type Config struct {
	// Name labels metrics and log lines
	Name string
	// MaxEntries bounds the cache; least recently used entries are evicted first
	MaxEntries int
	TTL        time.Duration
	Expiry     Expiry
	// LoadTimeout bounds a single load; zero leaves it to the loader
	LoadTimeout time.Duration
}

// Cache is a bounded, expiring, read-through cache with single-flight loads.
//
// At most one load per key runs at a time; concurrent callers for that key share its
// result. Failed loads are returned to the callers waiting on them and never stored.
// A load is detached from the caller that started it, so one caller giving up does not
// cancel the load for the others.
type Cache[K ~string, V any] struct {
	name        string
	expiry      Expiry
	loadTimeout time.Duration
	entries     *expirable.LRU[K, V]
	loader      LoaderFunc[K, V]
	group       singleflight.Group
}

// New creates a cache that fills misses with loader. loader may be nil when every
// lookup goes through GetWith.
func New[K ~string, V any](cfg Config, loader LoaderFunc[K, V]) *Cache[K, V] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	name := cfg.Name
	onEvict := func(key K, _ V) {
		cacheRemovals.WithLabelValues(name).Inc()
	}

	return &Cache[K, V]{
		name:        cfg.Name,
		expiry:      cfg.Expiry,
		loadTimeout: cfg.LoadTimeout,
		entries:     expirable.NewLRU[K, V](cfg.MaxEntries, onEvict, cfg.TTL),
		loader:      loader,
	}
}

// Name returns the cache name
func (c *Cache[K, V]) Name() string {
	return c.name
}

// Get returns the live value for key, loading it on a miss.
// A load failure is returned as *LoadError. ctx only bounds this caller's wait.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	return c.GetWith(ctx, key, c.loader)
}

// GetWith is Get with a loader supplied by the caller, for keys that are digests of
// the data needed to build the value. Concurrent callers of the same key must pass
// equivalent loaders; whichever starts the flight is used.
func (c *Cache[K, V]) GetWith(ctx context.Context, key K, loader LoaderFunc[K, V]) (V, error) {
	if v, ok := c.lookup(key); ok {
		cacheLookups.WithLabelValues(c.name, "hit").Inc()
		return v, nil
	}
	cacheLookups.WithLabelValues(c.name, "miss").Inc()

	ch := c.group.DoChan(string(key), func() (interface{}, error) {
		// a flight that finished while we were queued may already have stored the value
		if v, ok := c.entries.Get(key); ok {
			return v, nil
		}
		return c.load(ctx, key, loader)
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

func (c *Cache[K, V]) lookup(key K) (V, bool) {
	v, ok := c.entries.Get(key)
	if ok && c.expiry == ExpireAfterAccess {
		// re-adding restarts the entry's TTL
		c.entries.Add(key, v)
	}
	return v, ok
}

func (c *Cache[K, V]) load(ctx context.Context, key K, loader LoaderFunc[K, V]) (V, error) {
	if loader == nil {
		var zero V
		return zero, &LoadError{Cache: c.name, Key: string(key), Kind: KindOther, Err: errNoLoader}
	}

	loadCtx := context.WithoutCancel(ctx)
	if c.loadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(loadCtx, c.loadTimeout)
		defer cancel()
	}

	start := time.Now()
	v, err := loader(loadCtx, key)
	cacheLoadSeconds.WithLabelValues(c.name).Observe(time.Since(start).Seconds())

	if err != nil {
		cacheLoads.WithLabelValues(c.name, "failure").Inc()
		loadErr := asLoadError(c.name, string(key), err)
		slog.Warn("Cache load failed", "cache", c.name, "kind", loadErr.Kind, "error", loadErr.Err)
		var zero V
		return zero, loadErr
	}

	cacheLoads.WithLabelValues(c.name, "success").Inc()
	c.entries.Add(key, v)
	return v, nil
}

// Peek returns the cached value without loading or touching its expiry
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	return c.entries.Peek(key)
}

// Invalidate removes key. A load already in flight still completes and stores its value.
func (c *Cache[K, V]) Invalidate(key K) {
	c.entries.Remove(key)
}

// Purge removes every entry
func (c *Cache[K, V]) Purge() {
	c.entries.Purge()
}

// Len returns the number of live entries. Expired entries awaiting the
// background sweep are not counted.
func (c *Cache[K, V]) Len() int {
	return len(c.entries.Keys())
}
