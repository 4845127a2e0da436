package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// DefaultContextTTL is the entry lifetime when none is given
const DefaultContextTTL = 300 * time.Second

type hotEntry struct {
	data    []byte
	expires time.Time
}

// ContextKey builds the canonical key for a stored context row
func ContextKey(level models.ContextLevel, id, userID string) string {
	return fmt.Sprintf("context:%s:%s:%s", level, id, userID)
}

// ResolvedContextKey builds the canonical key for a resolved context view
func ResolvedContextKey(level models.ContextLevel, id, userID string) string {
	return fmt.Sprintf("resolved_context:%s:%s:%s", level, id, userID)
}

// ContextCache layers dependency tracking over a Cache backend. Each entry
// may name the keys it was derived from; invalidating a key also drops the
// transitive closure of entries depending on it. A small LRU sits in front
// for hot resolved contexts.
//
// Reads proceed in parallel; writes serialize against the reverse
// dependency table, so readers never observe a partially invalidated
// closure.
type ContextCache struct {
	backend Cache
	hot     *lru.Cache[string, hotEntry]
	ttl     time.Duration
	logger  observability.Logger
	metrics observability.MetricsClient

	// reverse maps a key to the set of keys that list it as a dependency
	mu      sync.RWMutex
	deps    map[string]map[string]struct{}
	reverse map[string]map[string]struct{}
}

// NewContextCache creates a dependency-tracking cache over backend
func NewContextCache(backend Cache, ttl time.Duration, logger observability.Logger, metrics observability.MetricsClient) *ContextCache {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	hot, _ := lru.New[string, hotEntry](1024)
	return &ContextCache{
		backend: backend,
		hot:     hot,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
		deps:    make(map[string]map[string]struct{}),
		reverse: make(map[string]map[string]struct{}),
	}
}

// TTL returns the configured entry lifetime
func (c *ContextCache) TTL() time.Duration { return c.ttl }

// Get retrieves an unexpired entry into value, checking the hot LRU
// before the backend.
func (c *ContextCache) Get(ctx context.Context, key string, value interface{}) error {
	if entry, ok := c.hot.Get(key); ok && time.Now().Before(entry.expires) {
		if err := json.Unmarshal(entry.data, value); err == nil {
			c.metrics.IncrementCounterWithLabels("context_cache_requests", 1, map[string]string{"result": "hot_hit"})
			return nil
		}
	}
	err := c.backend.Get(ctx, key, value)
	if err == nil {
		c.metrics.IncrementCounterWithLabels("context_cache_requests", 1, map[string]string{"result": "hit"})
		return nil
	}
	c.metrics.IncrementCounterWithLabels("context_cache_requests", 1, map[string]string{"result": "miss"})
	return err
}

// Put stores value under key and registers reverse links from each
// dependency. A zero ttl uses the cache default.
func (c *ContextCache) Put(ctx context.Context, key string, value interface{}, ttl time.Duration, dependencies []string) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.backend.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if data, err := json.Marshal(value); err == nil {
		c.hot.Add(key, hotEntry{data: data, expires: time.Now().Add(ttl)})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Replace the previous dependency set for this key
	for dep := range c.deps[key] {
		delete(c.reverse[dep], key)
	}
	set := make(map[string]struct{}, len(dependencies))
	for _, dep := range dependencies {
		set[dep] = struct{}{}
		if c.reverse[dep] == nil {
			c.reverse[dep] = make(map[string]struct{})
		}
		c.reverse[dep][key] = struct{}{}
	}
	c.deps[key] = set
	return nil
}

// Invalidate removes key and, transitively, every entry that depends on
// it. The reverse table stays locked for the whole closure so concurrent
// readers never see a half-invalidated state.
func (c *ContextCache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	closure := c.collectClosure(key)
	for _, k := range closure {
		for dep := range c.deps[k] {
			delete(c.reverse[dep], k)
		}
		delete(c.deps, k)
		delete(c.reverse, k)
		c.hot.Remove(k)
	}
	c.mu.Unlock()

	var firstErr error
	for _, k := range closure {
		if err := c.backend.Delete(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.metrics.IncrementCounterWithLabels("context_cache_invalidations", float64(len(closure)), nil)
	return firstErr
}

// Drop removes a single entry without touching its dependents
func (c *ContextCache) Drop(ctx context.Context, key string) error {
	c.mu.Lock()
	for dep := range c.deps[key] {
		delete(c.reverse[dep], key)
	}
	delete(c.deps, key)
	c.hot.Remove(key)
	c.mu.Unlock()

	if err := c.backend.Delete(ctx, key); err != nil {
		return err
	}
	c.metrics.IncrementCounterWithLabels("context_cache_invalidations", 1, nil)
	return nil
}

// collectClosure walks the reverse-dependency graph from key. Caller
// holds the write lock.
func (c *ContextCache) collectClosure(key string) []string {
	seen := map[string]struct{}{key: {}}
	queue := []string{key}
	order := []string{key}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for dependent := range c.reverse[current] {
			if _, ok := seen[dependent]; ok {
				continue
			}
			seen[dependent] = struct{}{}
			queue = append(queue, dependent)
			order = append(order, dependent)
		}
	}
	return order
}

// Warm prefetches entries through the loader callback, in parallel
func (c *ContextCache) Warm(ctx context.Context, keys []string, load func(ctx context.Context, key string) (interface{}, []string, error)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			value, deps, err := load(ctx, key)
			if err != nil {
				c.logger.Warn("cache warm load failed", map[string]interface{}{"key": key, "error": err.Error()})
				return nil
			}
			return c.Put(ctx, key, value, c.ttl, deps)
		})
	}
	return g.Wait()
}

// Dependencies returns a copy of the recorded dependency set for key
func (c *ContextCache) Dependencies(key string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.deps[key]))
	for dep := range c.deps[key] {
		out = append(out, dep)
	}
	return out
}
