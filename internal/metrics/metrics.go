package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dynode"

// Recorder holds every dynode metric. Create one per registry.
type Recorder struct {
	// ProxyRequestsTotal counts inbound requests per domain host.
	ProxyRequestsTotal *prometheus.CounterVec

	// ProxyRequestsByAgentTotal counts inbound requests per user-agent category.
	ProxyRequestsByAgentTotal *prometheus.CounterVec

	// ProxyRequestsByMethodTotal counts inbound calls per RPC/HTTP method and truncated path.
	ProxyRequestsByMethodTotal *prometheus.CounterVec

	// CacheHitsTotal and CacheMissesTotal count cache lookups per host and truncated path.
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// NodeSwitchesTotal counts changes of the upstream a domain routes to.
	NodeSwitchesTotal *prometheus.CounterVec

	// ProxyResponseDuration measures the time to answer an inbound request.
	ProxyResponseDuration *prometheus.HistogramVec

	// NodeCheckDuration measures node health poll duration.
	NodeCheckDuration *prometheus.HistogramVec

	// NodeCheckErrorsTotal counts failed node health polls.
	NodeCheckErrorsTotal *prometheus.CounterVec

	// NodeBlockNumber shows the last observed block per upstream.
	NodeBlockNumber *prometheus.GaugeVec

	// NodeRateLimitsTotal counts HTTP 429 answers from upstreams.
	NodeRateLimitsTotal *prometheus.CounterVec

	// CacheEntries and CacheBytes show the size of each chain cache.
	CacheEntries *prometheus.GaugeVec
	CacheBytes   *prometheus.GaugeVec
}

// NewRecorder creates and registers all metrics on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		ProxyRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"host"}),

		ProxyRequestsByAgentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_by_user_agent_total",
			Help:      "Total number of proxied requests by user-agent category.",
		}, []string{"user_agent"}),

		ProxyRequestsByMethodTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_by_method_total",
			Help:      "Total number of proxied calls by method and path.",
		}, []string{"host", "method", "path"}),

		CacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of requests served from cache.",
		}, []string{"host", "path"}),

		CacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of requests not served from cache.",
		}, []string{"host", "path"}),

		NodeSwitchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_switches_total",
			Help:      "Total number of upstream node switches.",
		}, []string{"chain", "old_host", "new_host"}),

		ProxyResponseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_response_duration_seconds",
			Help:      "Duration of proxied responses.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"host", "path", "method", "status"}),

		NodeCheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_check_duration_seconds",
			Help:      "Duration of node health checks.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"domain", "endpoint"}),

		NodeCheckErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_check_errors_total",
			Help:      "Total number of failed node health checks.",
		}, []string{"domain", "endpoint", "reason"}),

		NodeBlockNumber: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_block_number",
			Help:      "Last observed block number for each upstream.",
		}, []string{"domain", "endpoint"}),

		NodeRateLimitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_rate_limits_total",
			Help:      "Total number of rate limits returned by upstreams.",
		}, []string{"domain", "endpoint"}),

		CacheEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Number of live cache entries per chain.",
		}, []string{"chain"}),

		CacheBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_weight_bytes",
			Help:      "Weighted size of cache entries per chain.",
		}, []string{"chain"}),
	}
}

// ProxyRequest counts one inbound request for host.
func (r *Recorder) ProxyRequest(host string) {
	r.ProxyRequestsTotal.WithLabelValues(host).Inc()
}

// ProxyRequestByUserAgent counts one inbound request for a user-agent category.
func (r *Recorder) ProxyRequestByUserAgent(category string) {
	r.ProxyRequestsByAgentTotal.WithLabelValues(category).Inc()
}

// ProxyRequestByMethod counts one call by RPC or HTTP method and truncated path.
func (r *Recorder) ProxyRequestByMethod(host, method, path string) {
	r.ProxyRequestsByMethodTotal.WithLabelValues(host, method, path).Inc()
}

// CacheHit counts a request answered from cache.
func (r *Recorder) CacheHit(host, path string) {
	r.CacheHitsTotal.WithLabelValues(host, path).Inc()
}

// CacheMiss counts a request that went upstream.
func (r *Recorder) CacheMiss(host, path string) {
	r.CacheMissesTotal.WithLabelValues(host, path).Inc()
}

// NodeSwitch counts a change of the upstream a chain's domain routes to.
func (r *Recorder) NodeSwitch(chain, oldHost, newHost string) {
	r.NodeSwitchesTotal.WithLabelValues(chain, oldHost, newHost).Inc()
}

// ObserveResponse records how long an inbound request took to answer.
func (r *Recorder) ObserveResponse(host, path, method string, status int, elapsed time.Duration) {
	r.ProxyResponseDuration.WithLabelValues(host, path, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// ObserveNodeCheck records one health poll. An empty reason means the poll succeeded.
func (r *Recorder) ObserveNodeCheck(domain, endpoint string, elapsed time.Duration, reason string) {
	r.NodeCheckDuration.WithLabelValues(domain, endpoint).Observe(elapsed.Seconds())
	if reason != "" {
		r.NodeCheckErrorsTotal.WithLabelValues(domain, endpoint, reason).Inc()
	}
}

// NodeHeight sets the last observed block of an upstream.
func (r *Recorder) NodeHeight(domain, endpoint string, block uint64) {
	r.NodeBlockNumber.WithLabelValues(domain, endpoint).Set(float64(block))
}

// NodeRateLimited counts an HTTP 429 from an upstream.
func (r *Recorder) NodeRateLimited(domain, endpoint string) {
	r.NodeRateLimitsTotal.WithLabelValues(domain, endpoint).Inc()
}

// CacheSize sets the live entry count and weight of a chain cache.
func (r *Recorder) CacheSize(chain string, entries int, weight int64) {
	r.CacheEntries.WithLabelValues(chain).Set(float64(entries))
	r.CacheBytes.WithLabelValues(chain).Set(float64(weight))
}

// MetricsHandler serves the metrics gathered by g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}
