package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"dynode/internal/logging"
	"dynode/internal/types"
	"dynode/internal/utils"
)

// checkError carries the metric reason of a failed health poll.
type checkError struct {
	reason string
	err    error
}

func (e *checkError) Error() string {
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *checkError) Unwrap() error {
	return e.err
}

func failCheck(reason string, err error) error {
	return &checkError{reason: reason, err: err}
}

// Monitor polls every domain's URLs for their block height and feeds the Router.
// Each domain runs on its own ticker.
type Monitor struct {
	router  *Router
	client  *http.Client
	pool    pond.Pool
	metrics MetricsSink
	logger  logging.Logger
	wg      sync.WaitGroup
}

// NewMonitor creates a Monitor. pool bounds how many polls run at once across all domains.
func NewMonitor(router *Router, client *http.Client, pool pond.Pool, metrics MetricsSink, logger logging.Logger) *Monitor {
	return &Monitor{
		router:  router,
		client:  client,
		pool:    pool,
		metrics: metrics,
		logger:  logging.ForComponent(logger, "monitor"),
	}
}

// CheckURL asks one upstream for its current height.
func (m *Monitor) CheckURL(ctx context.Context, d *types.Domain, u types.UpstreamURL) (types.NodeResult, error) {
	endpoint := utils.HostOf(u.URL)
	startTime := time.Now()
	block, err := m.check(ctx, d, u)
	latency := time.Since(startTime)

	if err != nil {
		reason := "unknown"
		var ce *checkError
		if errors.As(err, &ce) {
			reason = ce.reason
		}
		m.metrics.ObserveNodeCheck(d.Name, endpoint, latency, reason)
		return types.NodeResult{}, err
	}

	m.metrics.ObserveNodeCheck(d.Name, endpoint, latency, "")
	m.metrics.NodeHeight(d.Name, endpoint, block)
	return types.NodeResult{URL: u.URL, BlockNumber: block}, nil
}

func (m *Monitor) check(ctx context.Context, d *types.Domain, u types.UpstreamURL) (uint64, error) {
	reqPayload := types.RpcCall{Jsonrpc: "2.0", Method: d.HealthMethod, Params: []byte("[]"), ID: 1}
	payloadBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return 0, failCheck("request_creation", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(payloadBytes))
	if err != nil {
		return 0, failCheck("request_creation", err)
	}
	for k, v := range u.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, failCheck("http_do", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		m.router.MarkRateLimited(d.Name, u.URL)
		return 0, failCheck("rate_limited", fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return 0, failCheck("http_status", fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, failCheck("read_body", err)
	}

	var rpcResp types.RpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return 0, failCheck("json_parse", err)
	}
	if rpcResp.Error != nil {
		return 0, failCheck("rpc_error", fmt.Errorf("%s (%d)", rpcResp.Error.Message, rpcResp.Error.Code))
	}

	block, err := parseHeight(rpcResp.Result)
	if err != nil {
		return 0, failCheck("block_parse", err)
	}
	return block, nil
}

// parseHeight accepts a hex string ("0x1b4"), a decimal string or a JSON number.
func parseHeight(raw []byte) (uint64, error) {
	s := strings.TrimSpace(string(raw))
	s = strings.Trim(s, `"`)
	if s == "" || s == "null" {
		return 0, errors.New("empty result")
	}

	n := new(big.Int)
	if _, ok := n.SetString(s, 0); !ok {
		return 0, fmt.Errorf("invalid block number '%s'", s)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("block number '%s' out of range", s)
	}
	return n.Uint64(), nil
}

// PollDomain checks every URL of d concurrently and publishes the results. A URL whose poll fails
// has no entry in the published snapshot.
func (m *Monitor) PollDomain(ctx context.Context, d *types.Domain) map[string]types.NodeResult {
	logger := logging.ForDomain(m.logger, d.Name, string(d.Chain))
	results := make(map[string]types.NodeResult, len(d.URLs))
	var mu sync.Mutex

	group := m.pool.NewGroup()
	for _, u := range d.URLs {
		group.Submit(func() {
			res, err := m.CheckURL(ctx, d, u)
			if err != nil {
				logger.Warn().Err(err).Str(logging.FieldUpstream, utils.HostOf(u.URL)).Msg("node check failed")
				return
			}
			mu.Lock()
			results[u.URL] = res
			mu.Unlock()
		})
	}
	_ = group.Wait()

	if ctx.Err() != nil {
		return results
	}
	m.router.UpdateResults(d.Name, results)

	for url, res := range results {
		if m.router.IsURLBehind(d, url, results) {
			logger.Warn().
				Str(logging.FieldUpstream, utils.HostOf(url)).
				Uint64("block", res.BlockNumber).
				Msg("node is behind")
		}
	}
	logger.Debug().Int("reporting", len(results)).Int("configured", len(d.URLs)).Msg("poll finished")
	return results
}

// Start launches one poll loop per domain. Loops exit when ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	for _, d := range m.router.Domains() {
		m.wg.Add(1)
		go m.run(ctx, d)
	}
	m.logger.Info().Int("domains", len(m.router.Domains())).Msg("node monitor started")
}

// Wait blocks until every poll loop has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, d *types.Domain) {
	defer m.wg.Done()

	m.PollDomain(ctx, d)
	ticker := time.NewTicker(m.router.PollInterval(d))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.PollDomain(ctx, d)
		case <-ctx.Done():
			m.logger.Debug().Str(logging.FieldDomain, d.Name).Msg("poll loop stopping")
			return
		}
	}
}
