// Package cache implements the Executor Node's per-process fingerprint
// cache: identical VDSQuery bodies executed concurrently share one upstream
// call, and a recent successful result can be served when a later attempt at
// the same query fails.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// entry is one cached result, aged out after ttl.
type entry struct {
	value    any
	storedAt time.Time
}

// Cache is a fingerprint-keyed result cache with singleflight collapsing of
// concurrent identical requests, per spec §5's locking requirement.
type Cache struct {
	group singleflight.Group
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]entry
}

// New builds a Cache whose entries expire after ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]entry)}
}

// Fingerprint canonicalizes v (typically a *tableau.VDSQuery) into a stable
// cache key: marshal to JSON, since Go's encoding/json already sorts map
// keys, then hash to keep keys bounded-size.
func Fingerprint(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// GetOrLoad returns the cached value for key if present and unexpired;
// otherwise it calls load, collapsing concurrent callers for the same key
// into a single execution, and caches the result on success.
func (c *Cache) GetOrLoad(key string, load func() (any, error)) (any, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.get(key); ok {
			return v, nil
		}
		result, loadErr := load()
		if loadErr != nil {
			return nil, loadErr
		}
		c.put(key, result)
		return result, nil
	})
	return v, err
}

// Get returns the cached value for key if present and unexpired (the same
// ttl check GetOrLoad applies), without loading; used by the Executor's
// fallback path (§4.8: "on any cache hit after a failure, returns cached
// rows with a warning suggestion").
func (c *Cache) Get(key string) (any, bool) {
	return c.get(key)
}

func (c *Cache) get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.storedAt) > c.ttl {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, storedAt: time.Now()}
}
