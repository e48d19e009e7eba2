package gateway

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dynode/internal/metrics"
	"dynode/internal/types"
)

var _ MetricsSink = (*metrics.Recorder)(nil)

const (
	nodeA = "https://node-a.example"
	nodeB = "https://node-b.example"
	nodeC = "https://node-c.example"
)

func uint64Ptr(v uint64) *uint64 {
	return &v
}

func testDomain(urls ...string) types.Domain {
	d := types.Domain{
		Name:       "eth.dynode.local",
		Chain:      "ethereum",
		BlockDelay: uint64Ptr(10),
	}
	for _, u := range urls {
		d.URLs = append(d.URLs, types.UpstreamURL{URL: u, Headers: map[string]string{"x-api-key": "secret"}})
	}
	return d
}

func newTestRouter(domains ...types.Domain) (*Router, *metrics.Recorder) {
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	defaults := types.NodeMonitoringConfig{PollIntervalSeconds: 30, BlockDelay: 5}
	return NewRouter(domains, defaults, time.Minute, rec, zerolog.Nop()), rec
}

func results(blocks map[string]uint64) map[string]types.NodeResult {
	out := make(map[string]types.NodeResult, len(blocks))
	for u, b := range blocks {
		out[u] = types.NodeResult{URL: u, BlockNumber: b}
	}
	return out
}

func TestIsURLBehind_TwoNodes(t *testing.T) {
	r, _ := newTestRouter(testDomain(nodeA, nodeB))
	d, ok := r.Domain("eth.dynode.local")
	require.True(t, ok)

	res := results(map[string]uint64{nodeA: 1000, nodeB: 980})
	require.True(t, r.IsURLBehind(d, nodeB, res))
	require.False(t, r.IsURLBehind(d, nodeA, res))
}

func TestIsURLBehind_WithinDelay(t *testing.T) {
	r, _ := newTestRouter(testDomain(nodeA, nodeB))
	d, _ := r.Domain("eth.dynode.local")

	res := results(map[string]uint64{nodeA: 1000, nodeB: 990})
	require.False(t, r.IsURLBehind(d, nodeB, res))
}

func TestIsURLBehind_SingleReportingURL(t *testing.T) {
	r, _ := newTestRouter(testDomain(nodeA, nodeB))
	d, _ := r.Domain("eth.dynode.local")

	res := results(map[string]uint64{nodeA: 5})
	require.False(t, r.IsURLBehind(d, nodeA, res))
}

func TestIsURLBehind_MissingObservation(t *testing.T) {
	r, _ := newTestRouter(testDomain(nodeA, nodeB, nodeC))
	d, _ := r.Domain("eth.dynode.local")

	res := results(map[string]uint64{nodeA: 1000, nodeB: 1000})
	require.False(t, r.IsURLBehind(d, nodeC, res))
}

func TestIntervals_FallBackToDefaults(t *testing.T) {
	withOverride := testDomain(nodeA)
	withOverride.PollIntervalSeconds = uint64Ptr(5)

	plain := testDomain(nodeA)
	plain.Name = "other.dynode.local"
	plain.BlockDelay = nil

	r, _ := newTestRouter(withOverride, plain)
	d1, _ := r.Domain("eth.dynode.local")
	d2, _ := r.Domain("other.dynode.local")

	require.Equal(t, 5*time.Second, r.PollInterval(d1))
	require.Equal(t, 30*time.Second, r.PollInterval(d2))
	require.Equal(t, uint64(10), r.BlockDelay(d1))
	require.Equal(t, uint64(5), r.BlockDelay(d2))
}

func TestCurrent_StartsOnPrimary(t *testing.T) {
	r, _ := newTestRouter(testDomain(nodeA, nodeB))
	require.Equal(t, nodeA, r.Current("eth.dynode.local").URL)
	require.Empty(t, r.Current("unknown.local").URL)
}

func TestUpdateResults_SwitchesAwayFromLaggingNode(t *testing.T) {
	r, rec := newTestRouter(testDomain(nodeA, nodeB))

	r.UpdateResults("eth.dynode.local", results(map[string]uint64{nodeA: 980, nodeB: 1000}))
	require.Equal(t, nodeB, r.Current("eth.dynode.local").URL)
	require.Equal(t, 1.0, testutil.ToFloat64(
		rec.NodeSwitchesTotal.WithLabelValues("ethereum", "node-a.example", "node-b.example")))

	// A recovers but B is still fine, so routing stays put.
	r.UpdateResults("eth.dynode.local", results(map[string]uint64{nodeA: 1001, nodeB: 1001}))
	require.Equal(t, nodeB, r.Current("eth.dynode.local").URL)
	require.Equal(t, 0.0, testutil.ToFloat64(
		rec.NodeSwitchesTotal.WithLabelValues("ethereum", "node-b.example", "node-a.example")))
}

func TestUpdateResults_PublishesSnapshot(t *testing.T) {
	r, _ := newTestRouter(testDomain(nodeA, nodeB))
	require.Nil(t, r.Results("eth.dynode.local"))

	res := results(map[string]uint64{nodeA: 1, nodeB: 2})
	r.UpdateResults("eth.dynode.local", res)
	require.Equal(t, res, r.Results("eth.dynode.local"))
}

func TestUpdateResults_AllBehindPicksHighest(t *testing.T) {
	r, _ := newTestRouter(testDomain(nodeA, nodeB, nodeC))
	r.MarkRateLimited("eth.dynode.local", nodeA)
	r.MarkRateLimited("eth.dynode.local", nodeB)

	r.UpdateResults("eth.dynode.local", results(map[string]uint64{nodeA: 2000, nodeB: 1500, nodeC: 1000}))
	require.Equal(t, nodeA, r.Current("eth.dynode.local").URL)
}

func TestUpdateResults_NoObservationsKeepsCurrent(t *testing.T) {
	r, _ := newTestRouter(testDomain(nodeA, nodeB))
	r.UpdateResults("eth.dynode.local", results(map[string]uint64{}))
	require.Equal(t, nodeA, r.Current("eth.dynode.local").URL)
}

func TestMarkRateLimited_BacksOffUntilExpiry(t *testing.T) {
	r, rec := newTestRouter(testDomain(nodeA, nodeB))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.MarkRateLimited("eth.dynode.local", nodeA)
	require.Equal(t, nodeB, r.Current("eth.dynode.local").URL)
	require.Equal(t, 1.0, testutil.ToFloat64(rec.NodeRateLimitsTotal.WithLabelValues("eth.dynode.local", "node-a.example")))

	// B gets limited too; nothing is eligible and nothing was observed, so the primary wins.
	r.MarkRateLimited("eth.dynode.local", nodeB)
	require.Equal(t, nodeA, r.Current("eth.dynode.local").URL)

	now = now.Add(2 * time.Minute)
	r.UpdateResults("eth.dynode.local", results(map[string]uint64{nodeA: 10, nodeB: 10}))
	require.Equal(t, nodeA, r.Current("eth.dynode.local").URL)
}

func TestMarkRateLimited_IgnoresForeignURL(t *testing.T) {
	r, rec := newTestRouter(testDomain(nodeA, nodeB))
	r.MarkRateLimited("eth.dynode.local", "https://relay.example")

	require.Equal(t, nodeA, r.Current("eth.dynode.local").URL)
	require.Equal(t, 0.0, testutil.ToFloat64(rec.NodeRateLimitsTotal.WithLabelValues("eth.dynode.local", "relay.example")))
}

func TestResolveURL(t *testing.T) {
	d := testDomain(nodeA)
	d.Overrides = []types.Override{
		{RpcMethod: "eth_sendRawTransaction", URL: "https://relay.example"},
		{Path: "/info", URL: "https://info.example"},
		{RpcMethod: "eth_call", Path: "/archive", URL: "https://archive.example"},
	}
	base := d.URLs[0]

	t.Run("no match returns base", func(t *testing.T) {
		require.Equal(t, base, ResolveURL(&d, base, "eth_chainId", "/"))
	})

	t.Run("rpc method override keeps headers", func(t *testing.T) {
		got := ResolveURL(&d, base, "eth_sendRawTransaction", "/")
		require.Equal(t, "https://relay.example", got.URL)
		require.Equal(t, base.Headers, got.Headers)
	})

	t.Run("path override matches any method", func(t *testing.T) {
		require.Equal(t, "https://info.example", ResolveURL(&d, base, "", "/info").URL)
		require.Equal(t, "https://info.example", ResolveURL(&d, base, "eth_call", "/info").URL)
	})

	t.Run("both fields must match", func(t *testing.T) {
		require.Equal(t, "https://archive.example", ResolveURL(&d, base, "eth_call", "/archive").URL)
		require.Equal(t, nodeA, ResolveURL(&d, base, "eth_call", "/").URL)
	})

	t.Run("first match wins", func(t *testing.T) {
		d2 := d
		d2.Overrides = append([]types.Override{{Path: "/archive", URL: "https://first.example"}}, d.Overrides...)
		require.Equal(t, "https://first.example", ResolveURL(&d2, base, "eth_call", "/archive").URL)
	})
}
