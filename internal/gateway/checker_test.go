package gateway

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dynode/internal/types"
	"dynode/internal/utils"
)

func heightUpstream(t *testing.T, result string) *fakeUpstream {
	return newFakeUpstream(t, jsonReply(http.StatusOK, fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":%s}`, result)))
}

func newTestMonitor(t *testing.T, d types.Domain) (*Monitor, *Router, *types.Domain, func(name string) float64) {
	t.Helper()
	if d.HealthMethod == "" {
		d.HealthMethod = "eth_blockNumber"
	}
	router, rec := newTestRouter(d)
	pool := pond.NewPool(4)
	t.Cleanup(pool.StopAndWait)

	m := NewMonitor(router, &http.Client{Timeout: time.Second}, pool, rec, zerolog.Nop())
	dom, ok := router.Domain(d.Name)
	require.True(t, ok)

	errorsFor := func(reason string) float64 {
		total := 0.0
		for _, u := range dom.URLs {
			total += testutil.ToFloat64(rec.NodeCheckErrorsTotal.WithLabelValues(d.Name, utils.HostOf(u.URL), reason))
		}
		return total
	}
	return m, router, dom, errorsFor
}

func TestParseHeight(t *testing.T) {
	tests := []struct {
		raw     string
		want    uint64
		wantErr bool
	}{
		{raw: `"0x3e8"`, want: 1000},
		{raw: `"0X3E8"`, want: 1000},
		{raw: `"1000"`, want: 1000},
		{raw: `1000`, want: 1000},
		{raw: `"0x0"`, want: 0},
		{raw: `null`, wantErr: true},
		{raw: ``, wantErr: true},
		{raw: `"0xzz"`, wantErr: true},
		{raw: `"-5"`, wantErr: true},
		{raw: `"0x10000000000000000"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseHeight([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCheckURL_SendsHealthMethod(t *testing.T) {
	node := heightUpstream(t, `"0x64"`)
	d := testDomain(node.URL)
	d.HealthMethod = "getSlot"
	m, _, dom, _ := newTestMonitor(t, d)

	res, err := m.CheckURL(context.Background(), dom, dom.URLs[0])
	require.NoError(t, err)
	require.Equal(t, uint64(100), res.BlockNumber)
	require.Equal(t, node.URL, res.URL)

	req, body := node.LastRequest()
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "secret", req.Header.Get("x-api-key"))
	require.JSONEq(t, `{"jsonrpc":"2.0","method":"getSlot","params":[],"id":1}`, body)
}

func TestCheckURL_FailureReasons(t *testing.T) {
	tests := []struct {
		name    string
		respond func(http.ResponseWriter, *http.Request, []byte)
		reason  string
	}{
		{"http status", jsonReply(http.StatusInternalServerError, `{}`), "http_status"},
		{"rate limited", jsonReply(http.StatusTooManyRequests, `{}`), "rate_limited"},
		{"bad json", jsonReply(http.StatusOK, `not json`), "json_parse"},
		{"rpc error", jsonReply(http.StatusOK, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"syncing"}}`), "rpc_error"},
		{"bad height", jsonReply(http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":"latest"}`), "block_parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newFakeUpstream(t, tt.respond)
			m, _, dom, errorsFor := newTestMonitor(t, testDomain(node.URL))

			_, err := m.CheckURL(context.Background(), dom, dom.URLs[0])
			require.Error(t, err)
			require.Equal(t, 1.0, errorsFor(tt.reason))
		})
	}
}

func TestCheckURL_Unreachable(t *testing.T) {
	node := heightUpstream(t, `"0x1"`)
	node.Close()
	m, _, dom, errorsFor := newTestMonitor(t, testDomain(node.URL))

	_, err := m.CheckURL(context.Background(), dom, dom.URLs[0])
	require.Error(t, err)
	require.Equal(t, 1.0, errorsFor("http_do"))
}

func TestPollDomain_SwitchesToLeadingNode(t *testing.T) {
	lagging := heightUpstream(t, `"0x3d4"`) // 980
	leading := heightUpstream(t, `"0x3e8"`) // 1000
	broken := newFakeUpstream(t, jsonReply(http.StatusBadGateway, `{}`))
	m, router, dom, errorsFor := newTestMonitor(t, testDomain(lagging.URL, leading.URL, broken.URL))

	results := m.PollDomain(context.Background(), dom)
	require.Len(t, results, 2)
	require.Equal(t, uint64(980), results[lagging.URL].BlockNumber)
	require.Equal(t, uint64(1000), results[leading.URL].BlockNumber)
	require.NotContains(t, results, broken.URL)

	require.Equal(t, results, router.Results(dom.Name))
	require.Equal(t, leading.URL, router.Current(dom.Name).URL)
	require.Equal(t, 1.0, errorsFor("http_status"))
}

func TestPollDomain_RateLimitedNodeLeavesRotation(t *testing.T) {
	limited := newFakeUpstream(t, jsonReply(http.StatusTooManyRequests, `{}`))
	healthy := heightUpstream(t, `"0x10"`)
	m, router, dom, _ := newTestMonitor(t, testDomain(limited.URL, healthy.URL))

	m.PollDomain(context.Background(), dom)
	require.Equal(t, healthy.URL, router.Current(dom.Name).URL)
}

func TestMonitor_StartAndStop(t *testing.T) {
	node := heightUpstream(t, `"0x1"`)
	d := testDomain(node.URL)
	d.PollIntervalSeconds = uint64Ptr(1)
	m, router, dom, _ := newTestMonitor(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	require.Eventually(t, func() bool {
		return router.Results(dom.Name) != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll loops did not stop")
	}
}
