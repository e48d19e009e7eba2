package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"dynode/internal/types"
)

// EntryOverhead is added to every entry's body length to account for the key and metadata.
const EntryOverhead = 1024

type entry struct {
	resp      types.CachedResponse
	expiresAt time.Time
	weight    int64
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Stats is a point-in-time view of one MemoryCache.
type Stats struct {
	Entries   int
	Weight    int64
	Budget    int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
}

// MemoryCache is a byte-budgeted LRU store with a deadline per entry.
// All operations take the same mutex, which keeps the weight accounting exact.
type MemoryCache struct {
	mu     sync.Mutex
	lru    *simplelru.LRU[string, *entry]
	budget int64
	weight int64
	now    func() time.Time

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

// NewMemoryCache creates a cache holding at most budget bytes of weighted entries.
func NewMemoryCache(budget int64) *MemoryCache {
	if budget < EntryOverhead {
		budget = EntryOverhead
	}
	c := &MemoryCache{
		budget: budget,
		now:    time.Now,
	}

	// Every entry weighs at least EntryOverhead, so this count never binds before the byte budget.
	maxEntries := int(budget / EntryOverhead)
	lru, err := simplelru.NewLRU[string, *entry](maxEntries, func(_ string, e *entry) {
		c.weight -= e.weight
	})
	if err != nil {
		// Only returned for a non-positive size, which the budget floor rules out.
		panic(err)
	}
	c.lru = lru
	return c
}

// Get returns a copy of the live entry for key. Expired entries are removed and reported as misses.
func (c *MemoryCache) Get(key string) (types.CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return types.CachedResponse{}, false
	}
	if e.expired(c.now()) {
		c.lru.Remove(key)
		c.expired++
		c.misses++
		return types.CachedResponse{}, false
	}

	c.hits++
	return copyResponse(e.resp), true
}

// Set stores resp under key for ttlSeconds, replacing any previous entry and its deadline.
// It reports false when nothing was stored: a zero TTL, or an entry larger than the whole budget.
func (c *MemoryCache) Set(key string, resp types.CachedResponse, ttlSeconds uint64) bool {
	if ttlSeconds == 0 {
		return false
	}
	weight := int64(len(resp.Body)) + EntryOverhead
	if weight > c.budget {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(key)
	for c.weight+weight > c.budget {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evictions++
	}

	resp = copyResponse(resp)
	resp.TTLSeconds = ttlSeconds
	c.lru.Add(key, &entry{
		resp:      resp,
		expiresAt: c.now().Add(time.Duration(ttlSeconds) * time.Second),
		weight:    weight,
	})
	c.weight += weight
	return true
}

// DeleteExpired drops every entry whose deadline has passed and returns how many were dropped.
func (c *MemoryCache) DeleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && e.expired(now) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.expired += uint64(removed)
	return removed
}

// Stats returns current counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:   c.lru.Len(),
		Weight:    c.weight,
		Budget:    c.budget,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}

func copyResponse(resp types.CachedResponse) types.CachedResponse {
	resp.Body = append([]byte(nil), resp.Body...)
	return resp
}
