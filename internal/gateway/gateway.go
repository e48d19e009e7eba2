package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	jsoniter "github.com/json-iterator/go"

	"dynode/internal/cache"
	"dynode/internal/config"
	"dynode/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MetricsSink receives everything the gateway reports. metrics.Recorder is the Prometheus
// implementation.
type MetricsSink interface {
	ProxyRequest(host string)
	ProxyRequestByUserAgent(category string)
	ProxyRequestByMethod(host, method, path string)
	CacheHit(host, path string)
	CacheMiss(host, path string)
	NodeSwitch(chain, oldHost, newHost string)
	ObserveResponse(host, path, method string, status int, elapsed time.Duration)
	ObserveNodeCheck(domain, endpoint string, elapsed time.Duration, reason string)
	NodeHeight(domain, endpoint string, block uint64)
	NodeRateLimited(domain, endpoint string)
	CacheSize(chain string, entries int, weight int64)
}

// Gateway wires the router, the node monitor, the cache and the upstream client together.
type Gateway struct {
	config  *config.Config
	router  *Router
	monitor *Monitor
	matcher *cache.Matcher
	cache   *cache.Registry
	client  *http.Client
	pool    pond.Pool
	metrics MetricsSink
	logger  logging.Logger
	wg      sync.WaitGroup
}

// NewGateway creates and initializes a new Gateway using the loaded configuration.
func NewGateway(cfg *config.Config, metrics MetricsSink, logger logging.Logger) (*Gateway, error) {
	if len(cfg.Domains) == 0 {
		return nil, errors.New("no domains provided in configuration")
	}

	client := &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        1024,
			MaxIdleConnsPerHost: 256,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	matcher := cache.NewMatcher(cfg.Cache.Rules)
	router := NewRouter(cfg.Domains, cfg.NodeMonitoring, cfg.RateLimitBackoff, metrics, logger)
	pool := pond.NewPool(cfg.PollConcurrency)

	gw := &Gateway{
		config:  cfg,
		router:  router,
		monitor: NewMonitor(router, client, pool, metrics, logger),
		matcher: matcher,
		cache:   cache.NewRegistry(cfg.Cache.MaxMemoryMB, matcher.Chains()),
		client:  client,
		pool:    pool,
		metrics: metrics,
		logger:  logging.ForComponent(logger, "gateway"),
	}

	gw.logger.Info().
		Int("domains", len(cfg.Domains)).
		Int("cached_chains", len(matcher.Chains())).
		Int64("chain_cache_bytes", gw.cache.ChainBudget()).
		Msg("gateway initialized")
	return gw, nil
}

// Router exposes the routing state.
func (gw *Gateway) Router() *Router {
	return gw.router
}

// Start launches the node monitor and the cache janitor. Both stop when ctx is done.
func (gw *Gateway) Start(ctx context.Context) {
	gw.monitor.Start(ctx)

	gw.wg.Add(1)
	go func() {
		defer gw.wg.Done()
		gw.cache.Run(ctx, gw.config.CacheSweepInterval, func(removed int) {
			for chain, stats := range gw.cache.Stats() {
				gw.metrics.CacheSize(string(chain), stats.Entries, stats.Weight)
			}
			if removed > 0 {
				gw.logger.Debug().Int("removed", removed).Msg("swept expired cache entries")
			}
		})
	}()
}

// Stop waits for the background loops to exit and drains the poll pool. Cancel the context
// passed to Start first.
func (gw *Gateway) Stop() {
	gw.monitor.Wait()
	gw.wg.Wait()
	gw.pool.StopAndWait()
}
