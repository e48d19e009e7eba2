package cache

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"dynode/internal/types"
)

const bytesPerMB = 1024 * 1024

// Registry owns one MemoryCache per chain that has rules. Caches are created on first use and
// share the configured memory budget evenly.
type Registry struct {
	chainBudget int64
	chains      map[types.Chain]struct{}
	caches      *xsync.Map[types.Chain, *MemoryCache]
	mu          sync.Mutex
	now         func() time.Time
}

// NewRegistry splits maxMemoryMB across the given chains.
func NewRegistry(maxMemoryMB uint64, chains []types.Chain) *Registry {
	r := &Registry{
		chains: make(map[types.Chain]struct{}, len(chains)),
		caches: xsync.NewMap[types.Chain, *MemoryCache](),
		now:    time.Now,
	}
	for _, chain := range chains {
		r.chains[chain] = struct{}{}
	}
	if len(r.chains) > 0 {
		r.chainBudget = int64(maxMemoryMB*bytesPerMB) / int64(len(r.chains))
	}
	return r
}

// ChainBudget is the byte budget of each chain cache.
func (r *Registry) ChainBudget() int64 {
	return r.chainBudget
}

// Get looks key up in the chain's cache.
func (r *Registry) Get(chain types.Chain, key string) (types.CachedResponse, bool) {
	c := r.forChain(chain)
	if c == nil {
		return types.CachedResponse{}, false
	}
	return c.Get(key)
}

// Set stores resp in the chain's cache. Chains without rules never store anything.
func (r *Registry) Set(chain types.Chain, key string, resp types.CachedResponse, ttlSeconds uint64) bool {
	if ttlSeconds == 0 {
		return false
	}
	c := r.forChain(chain)
	if c == nil {
		return false
	}
	return c.Set(key, resp, ttlSeconds)
}

func (r *Registry) forChain(chain types.Chain) *MemoryCache {
	if c, ok := r.caches.Load(chain); ok {
		return c
	}
	if _, ok := r.chains[chain]; !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches.Load(chain); ok {
		return c
	}
	c := NewMemoryCache(r.chainBudget)
	c.now = r.now
	r.caches.Store(chain, c)
	return c
}

// Stats returns the stats of every cache created so far.
func (r *Registry) Stats() map[types.Chain]Stats {
	out := make(map[types.Chain]Stats)
	r.caches.Range(func(chain types.Chain, c *MemoryCache) bool {
		out[chain] = c.Stats()
		return true
	})
	return out
}

// DeleteExpired sweeps every chain cache.
func (r *Registry) DeleteExpired() int {
	removed := 0
	r.caches.Range(func(_ types.Chain, c *MemoryCache) bool {
		removed += c.DeleteExpired()
		return true
	})
	return removed
}

// Run sweeps expired entries every interval until ctx is done. onSweep, if set, is called after each sweep.
func (r *Registry) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := r.DeleteExpired()
			if onSweep != nil {
				onSweep(removed)
			}
		case <-ctx.Done():
			return
		}
	}
}
