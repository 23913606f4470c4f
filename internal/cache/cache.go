// Package cache implements a get-or-fetch cache that coalesces concurrent
// misses per key and stores values with a jittered TTL.
//
// Coalescing is process-local: with more than one running instance, each
// instance may still issue its own upstream fetch for the same key.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/metrics"
)

// DefaultNamespace prefixes keys that carry no namespace separator.
const DefaultNamespace = "crawlquota"

const (
	defaultTTL         = 5 * time.Minute
	defaultLockGCDelay = 30 * time.Second
)

// Store is the byte-level backend holding cache entries.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Config controls TTLs, jitter and lock garbage collection.
//   - DefaultTTL: used when a caller passes ttl <= 0 (default 5m).
//   - JitterPercent: stored TTL is sampled uniformly from base·(1±p/100).
//   - LockGCDelay: idle coalescing locks are dropped after this delay (default 30s).
//   - Namespace: prefix for keys without a ':' separator.
//   - Rand: optional [0,1) source, used by tests.
type Config struct {
	DefaultTTL    time.Duration
	JitterPercent float64
	LockGCDelay   time.Duration
	Namespace     string
	Logger        *zap.Logger
	Rand          func() float64
}

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits               int64 `json:"hits"`
	Misses             int64 `json:"misses"`
	StampedesPrevented int64 `json:"stampedes_prevented"`
	StoreErrors        int64 `json:"store_errors"`
	LockedKeys         int   `json:"locked_keys"`
}

// Cache fronts a Store with per-key request coalescing.
type Cache struct {
	store  Store
	cfg    Config
	locks  *lockTable
	logger *zap.Logger

	hits        atomic.Int64
	misses      atomic.Int64
	prevented   atomic.Int64
	storeErrors atomic.Int64
}

// New builds a Cache over store.
func New(store Store, cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.LockGCDelay < 0 {
		cfg.LockGCDelay = 0
	} else if cfg.LockGCDelay == 0 {
		cfg.LockGCDelay = defaultLockGCDelay
	}
	if cfg.JitterPercent < 0 {
		cfg.JitterPercent = 0
	}
	if cfg.JitterPercent > 100 {
		cfg.JitterPercent = 100
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:  store,
		cfg:    cfg,
		locks:  newLockTable(cfg.LockGCDelay),
		logger: logger,
	}
}

// Key joins namespace, entity and id with the ':' separator.
func Key(namespace, entity, id string) string {
	return namespace + ":" + entity + ":" + id
}

// NormalizeKey applies the default namespace to keys lacking a separator.
func (c *Cache) NormalizeKey(key string) string {
	if strings.Contains(key, ":") {
		return key
	}
	return c.cfg.Namespace + ":" + key
}

// Get decodes the cached value for key into dst. Store failures are logged
// and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	key = c.NormalizeKey(key)
	raw, ok := c.read(ctx, key)
	if !ok {
		c.recordMiss()
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		c.recordMiss()
		return false, nil
	}
	c.recordHit()
	return true, nil
}

// Set stores value under key with a jittered ttl.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return c.write(ctx, c.NormalizeKey(key), raw, ttl)
}

// Delete evicts key. A fill in flight for key when Delete runs does not
// write its value back.
func (c *Cache) Delete(ctx context.Context, key string) error {
	key = c.NormalizeKey(key)
	c.locks.invalidate(key)
	if err := c.store.Delete(ctx, key); err != nil {
		c.recordStoreError("delete", key, err)
		return crawler.Transient("cache delete", err)
	}
	return nil
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:               c.hits.Load(),
		Misses:             c.misses.Load(),
		StampedesPrevented: c.prevented.Load(),
		StoreErrors:        c.storeErrors.Load(),
		LockedKeys:         c.locks.size(),
	}
}

// GetOrFetch returns the cached value for key, calling fetch on a miss. For
// concurrent callers missing the same key, fetch runs once in this process;
// the other callers wait for it and read its result.
func GetOrFetch[T any](
	ctx context.Context,
	c *Cache,
	key string,
	ttl time.Duration,
	fetch func(context.Context) (T, error),
) (T, error) {
	var zero T
	raw, err := c.getOrFetchRaw(ctx, c.NormalizeKey(key), ttl, func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal fetched value: %w", err)
		}
		return data, nil
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode cached value: %w", err)
	}
	return out, nil
}

func (c *Cache) getOrFetchRaw(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fetch func(context.Context) ([]byte, error),
) ([]byte, error) {
	if raw, ok := c.read(ctx, key); ok {
		c.recordHit()
		return raw, nil
	}

	lock := c.locks.acquire(key)
	defer c.locks.release(key, lock)

	counted := false
	for {
		since := lock.fillCount()
		if lock.tryLock() {
			return c.lead(ctx, key, ttl, lock, fetch)
		}

		if !counted {
			counted = true
			c.prevented.Add(1)
			metrics.ObserveCache("stampede_prevented")
		}
		if err := lock.wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for in-flight fetch: %w", err)
		}
		if raw, ok := c.read(ctx, key); ok {
			return raw, nil
		}
		if raw, fetchErr, ok := lock.resultSince(since); ok {
			return raw, fetchErr
		}
		// The fill we waited on was invalidated or finished before we started
		// waiting; contend for the lock again.
	}
}

func (c *Cache) lead(
	ctx context.Context,
	key string,
	ttl time.Duration,
	lock *keyLock,
	fetch func(context.Context) ([]byte, error),
) (raw []byte, err error) {
	gen := lock.generation()
	defer func() {
		lock.publish(raw, err, gen)
		lock.unlock()
	}()

	// Another instance may have filled the key while we were acquiring.
	if cached, ok := c.read(ctx, key); ok {
		c.recordHit()
		return cached, nil
	}

	c.recordMiss()
	raw, err = fetch(ctx)
	if err != nil {
		return nil, err
	}
	if lock.generation() != gen {
		c.logger.Debug("cache fill dropped, key deleted during fetch", zap.String("key", key))
		return raw, nil
	}
	if werr := c.write(ctx, key, raw, ttl); werr != nil {
		c.logger.Debug("cache fill skipped", zap.String("key", key), zap.Error(werr))
		return raw, nil
	}
	// A Delete that bumped the generation after the check above may have run
	// its store delete before our write landed.
	if lock.generation() != gen {
		if derr := c.store.Delete(ctx, key); derr != nil {
			c.recordStoreError("delete", key, derr)
		}
	}
	return raw, nil
}

func (c *Cache) read(ctx context.Context, key string) ([]byte, bool) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.recordStoreError("get", key, err)
		return nil, false
	}
	return raw, ok
}

func (c *Cache) write(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if err := c.store.Set(ctx, key, raw, c.jitteredTTL(ttl)); err != nil {
		c.recordStoreError("set", key, err)
		return crawler.Transient("cache set", err)
	}
	return nil
}

func (c *Cache) jitteredTTL(base time.Duration) time.Duration {
	return Jitter(base, c.cfg.JitterPercent, c.cfg.Rand())
}

func (c *Cache) recordHit() {
	c.hits.Add(1)
	metrics.ObserveCache("hit")
}

func (c *Cache) recordMiss() {
	c.misses.Add(1)
	metrics.ObserveCache("miss")
}

func (c *Cache) recordStoreError(op, key string, err error) {
	c.storeErrors.Add(1)
	metrics.ObserveCache("store_error")
	c.logger.Warn("cache store unavailable, degrading to miss",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

// Jitter scales base by a factor in [1-p/100, 1+p/100] chosen by r in [0,1).
// The result is never below one millisecond.
func Jitter(base time.Duration, percent, r float64) time.Duration {
	if percent <= 0 || base <= 0 {
		return base
	}
	if percent > 100 {
		percent = 100
	}
	factor := 1 + (2*r-1)*percent/100
	d := time.Duration(float64(base) * factor)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
