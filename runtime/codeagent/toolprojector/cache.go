package toolprojector

import (
	"sync"
	"time"

	"github.com/agentscript-run/runtime/runtime/codeagent/tools"
)

// Cache memoizes Render by tool-set fingerprint with a TTL, trimmed from
// the teacher's runtime/registry.MemoryCache down to the single Get/Set
// shape this package needs (no background refresh: a render is cheap
// enough that recomputing it on expiry is simpler than refreshing ahead of
// time).
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	rendered  string
	expiresAt time.Time
}

// DefaultTTL is how long a rendered tool-type fragment stays cached before
// a subsequent RenderCached call recomputes it.
const DefaultTTL = 5 * time.Minute

// NewCache constructs a Cache with the given TTL, or DefaultTTL if ttl is zero.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{entries: make(map[string]cacheEntry), ttl: ttl}
}

// RenderCached returns the cached rendering for defs's fingerprint, calling
// Render and populating the cache on a miss or expiry.
func (c *Cache) RenderCached(defs []tools.Definition) (string, error) {
	key := Fingerprint(defs)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.rendered, nil
	}

	rendered, err := Render(defs)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{rendered: rendered, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return rendered, nil
}

// Len returns the number of cached entries, mainly for tests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
