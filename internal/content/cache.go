package content

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/wordtrail/enrich-cli/internal/quota"
	"github.com/wordtrail/enrich-cli/internal/stage"
)

// cacheEntry pairs parsed stage outputs with their insertion time.
type cacheEntry struct {
	outputs map[string]stage.Output
	addedAt time.Time
}

// Cache memoizes parsed stage responses so re-running a batch (after a
// crash, or a --retry-skipped pass) does not repeat identical requests.
// Entries expire after ttl and the oldest entry is evicted once the
// cache holds maxEntries.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	clock      quota.Clock
}

// NewCache builds a Cache. ttl <= 0 disables expiry; maxEntries <= 0
// disables the size bound.
func NewCache(ttl time.Duration, maxEntries int, clock quota.Clock) *Cache {
	if clock == nil {
		clock = quota.RealClock()
	}
	return &Cache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
	}
}

// CacheKey derives the lookup key for one stage invocation over one
// batch. The prompt already encodes every word and its carried-forward
// fields, so hashing it captures the batch identity.
func CacheKey(stageName, systemPrompt, userPrompt string) string {
	h := sha256.New()
	h.Write([]byte(stageName))
	h.Write([]byte{0})
	h.Write([]byte(systemPrompt))
	h.Write([]byte{0})
	h.Write([]byte(userPrompt))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) Get(key string) (map[string]stage.Output, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.clock.Now().Sub(e.addedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.outputs, true
}

func (c *Cache) Put(key string, outputs map[string]stage.Output) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = cacheEntry{outputs: outputs, addedAt: c.clock.Now()}
}

// Len reports the number of live entries, for status snapshots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest drops the entry with the earliest insertion time. Caller
// holds the lock.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.addedAt.Before(oldest) {
			oldestKey, oldest = k, e.addedAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
