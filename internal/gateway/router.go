package gateway

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"dynode/internal/logging"
	"dynode/internal/types"
	"dynode/internal/utils"
)

// domainState is the mutable routing state of one domain.
type domainState struct {
	domain *types.Domain
	logger logging.Logger

	mu           sync.RWMutex
	current      int
	limitedUntil map[string]time.Time
}

// Router picks the upstream URL each domain sends traffic to. The monitor publishes a fresh
// results snapshot per domain; the router never mutates a published snapshot.
type Router struct {
	domains  map[string]*domainState
	order    []*types.Domain
	results  *xsync.Map[string, map[string]types.NodeResult]
	defaults types.NodeMonitoringConfig
	backoff  time.Duration
	metrics  MetricsSink
	logger   logging.Logger
	now      func() time.Time
}

// NewRouter creates a Router over domains. The first URL of each domain is the initial choice.
func NewRouter(
	domains []types.Domain,
	defaults types.NodeMonitoringConfig,
	rateLimitBackoff time.Duration,
	metrics MetricsSink,
	logger logging.Logger,
) *Router {
	r := &Router{
		domains:  make(map[string]*domainState, len(domains)),
		results:  xsync.NewMap[string, map[string]types.NodeResult](),
		defaults: defaults,
		backoff:  rateLimitBackoff,
		metrics:  metrics,
		logger:   logging.ForComponent(logger, "router"),
		now:      time.Now,
	}
	for i := range domains {
		d := &domains[i]
		r.order = append(r.order, d)
		r.domains[d.Name] = &domainState{
			domain:       d,
			logger:       logging.ForDomain(r.logger, d.Name, string(d.Chain)),
			limitedUntil: make(map[string]time.Time),
		}
	}
	return r
}

// Domain returns the domain configured under name.
func (r *Router) Domain(name string) (*types.Domain, bool) {
	ds, ok := r.domains[name]
	if !ok {
		return nil, false
	}
	return ds.domain, true
}

// Domains returns every domain in configured order.
func (r *Router) Domains() []*types.Domain {
	return r.order
}

// BlockDelay returns how many blocks a node may trail the highest one before it counts as behind.
func (r *Router) BlockDelay(d *types.Domain) uint64 {
	if d.BlockDelay != nil {
		return *d.BlockDelay
	}
	return r.defaults.BlockDelay
}

// PollInterval returns how often the domain's URLs are polled.
func (r *Router) PollInterval(d *types.Domain) time.Duration {
	seconds := r.defaults.PollIntervalSeconds
	if d.PollIntervalSeconds != nil {
		seconds = *d.PollIntervalSeconds
	}
	return time.Duration(seconds) * time.Second
}

// IsURLBehind reports whether url trails the highest block in results by more than the domain's
// block delay. A URL without an observation, or a domain with fewer than two observations,
// is never behind.
func (r *Router) IsURLBehind(d *types.Domain, url string, results map[string]types.NodeResult) bool {
	node, ok := results[url]
	if !ok || len(results) <= 1 {
		return false
	}

	var maxBlock uint64
	for _, res := range results {
		if res.BlockNumber > maxBlock {
			maxBlock = res.BlockNumber
		}
	}
	return maxBlock-node.BlockNumber > r.BlockDelay(d)
}

// Results returns the latest snapshot for the domain. Callers must not modify it.
func (r *Router) Results(name string) map[string]types.NodeResult {
	results, _ := r.results.Load(name)
	return results
}

// UpdateResults publishes a new snapshot for the domain and re-selects its upstream.
// The router takes ownership of results.
func (r *Router) UpdateResults(name string, results map[string]types.NodeResult) {
	ds, ok := r.domains[name]
	if !ok {
		return
	}
	r.results.Store(name, results)
	r.reselect(ds, results)
}

// Current returns the upstream URL the domain routes to right now.
func (r *Router) Current(name string) types.UpstreamURL {
	ds, ok := r.domains[name]
	if !ok {
		return types.UpstreamURL{}
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.domain.URLs[ds.current]
}

// MarkRateLimited takes url out of rotation for the rate-limit backoff.
// URLs that are not part of the domain's pool (e.g. override targets) are ignored.
func (r *Router) MarkRateLimited(name, url string) {
	ds, ok := r.domains[name]
	if !ok || indexOf(ds.domain, url) < 0 {
		return
	}

	ds.mu.Lock()
	ds.limitedUntil[url] = r.now().Add(r.backoff)
	ds.mu.Unlock()

	ds.logger.Warn().Str(logging.FieldUpstream, utils.HostOf(url)).Dur("backoff", r.backoff).Msg("rate limit detected")
	r.metrics.NodeRateLimited(ds.domain.Name, utils.HostOf(url))
	r.reselect(ds, r.Results(name))
}

func (r *Router) reselect(ds *domainState, results map[string]types.NodeResult) {
	ds.mu.Lock()
	old := ds.current
	next := r.selectIndex(ds, results, r.now())
	ds.current = next
	ds.mu.Unlock()

	if next == old {
		return
	}

	oldHost := utils.HostOf(ds.domain.URLs[old].URL)
	newHost := utils.HostOf(ds.domain.URLs[next].URL)
	ds.logger.Info().
		Str("old_upstream", oldHost).
		Str("new_upstream", newHost).
		Uint64("block", results[ds.domain.URLs[next].URL].BlockNumber).
		Msg("switched upstream node")
	r.metrics.NodeSwitch(string(ds.domain.Chain), oldHost, newHost)
}

// selectIndex keeps the current URL while it is eligible, otherwise takes the first eligible URL
// in configured order. With nothing eligible it falls back to the highest observed block, then to
// the primary. Must be called with ds.mu held.
func (r *Router) selectIndex(ds *domainState, results map[string]types.NodeResult, now time.Time) int {
	d := ds.domain
	for u, until := range ds.limitedUntil {
		if !now.Before(until) {
			delete(ds.limitedUntil, u)
			ds.logger.Info().Str(logging.FieldUpstream, utils.HostOf(u)).Msg("rate limit backoff ended")
		}
	}

	eligible := func(i int) bool {
		u := d.URLs[i].URL
		if _, limited := ds.limitedUntil[u]; limited {
			return false
		}
		return !r.IsURLBehind(d, u, results)
	}

	if eligible(ds.current) {
		return ds.current
	}
	for i := range d.URLs {
		if eligible(i) {
			return i
		}
	}

	best := -1
	for i, u := range d.URLs {
		res, ok := results[u.URL]
		if !ok {
			continue
		}
		if best < 0 || res.BlockNumber > results[d.URLs[best].URL].BlockNumber {
			best = i
		}
	}
	if best >= 0 {
		return best
	}
	return 0
}

func indexOf(d *types.Domain, url string) int {
	for i, u := range d.URLs {
		if u.URL == url {
			return i
		}
	}
	return -1
}

// ResolveURL applies the first matching override to base. The override replaces the address only;
// base's headers are kept. Without a match base is returned unchanged.
func ResolveURL(d *types.Domain, base types.UpstreamURL, rpcMethod, path string) types.UpstreamURL {
	for _, o := range d.Overrides {
		if o.RpcMethod != "" && o.RpcMethod != rpcMethod {
			continue
		}
		if o.Path != "" && o.Path != path {
			continue
		}
		return types.UpstreamURL{URL: o.URL, Headers: base.Headers}
	}
	return base
}
