package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/conductor/internal/pipeline"
)

// Cache stores successful stage outputs by cache key. Implementations must
// be safe for concurrent use; it is shared by every pipeline an
// orchestrator runs.
type Cache interface {
	Get(key string) (map[string]any, bool)
	Set(key string, output map[string]any)
}

// CacheKey derives the cache key for stage over input. When keys is non-nil
// only those entries of input contribute. Map keys are serialized in sorted
// order, so equal inputs always produce the same key.
func CacheKey(stage string, input map[string]any, keys []string) (string, error) {
	subset := input
	if keys != nil {
		subset = make(map[string]any, len(keys))
		for _, k := range keys {
			if v, ok := input[k]; ok {
				subset[k] = v
			}
		}
	}
	raw, err := json.Marshal(subset)
	if err != nil {
		return "", fmt.Errorf("encode cache input for %s: %w", stage, err)
	}
	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

type cacheEntry struct {
	output  map[string]any
	expires time.Time
}

// MemoryCache is an in-process Cache with a fixed entry lifetime.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewMemoryCache creates a cache whose entries live for ttl. Zero keeps
// entries until Clear.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get implements Cache. Expired entries are dropped on access.
func (c *MemoryCache) Get(key string) (map[string]any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expires.Equal(e.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return pipeline.CloneData(e.output), true
}

// Set implements Cache.
func (c *MemoryCache) Set(key string, output map[string]any) {
	e := cacheEntry{output: pipeline.CloneData(output)}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes every entry.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
