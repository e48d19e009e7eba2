package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"dynode/internal/logging"
	"dynode/internal/request"
	"dynode/internal/types"
	"dynode/internal/utils"
)

// Response headers added to every proxied answer.
const (
	HeaderUpstream = "X-Dynode-Upstream"
	HeaderLatency  = "X-Dynode-Latency"
	HeaderCache    = "X-Dynode-Cache"
)

const rpcUpstreamErrorCode = -32000

// exchange is one inbound request on its way through the proxy.
type exchange struct {
	w      http.ResponseWriter
	r      *http.Request
	domain *types.Domain
	host   string
	req    *request.Request
	start  time.Time
	logger logging.Logger
}

// ProxyHandler creates the caching reverse proxy handler. The domain is picked by the Host header.
func (gw *Gateway) ProxyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		lrw := utils.NewLoggingResponseWriter(w)
		host := utils.StripPort(r.Host)

		d, ok := gw.router.Domain(host)
		if !ok {
			gw.logger.Debug().Str("host", host).Str("ip", utils.GetRequestIP(r)).Msg("request for unknown domain")
			writeJSONError(lrw, http.StatusNotFound, "unknown domain "+host)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(lrw, r.Body, gw.config.MaxBodyBytes))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeJSONError(lrw, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeJSONError(lrw, http.StatusBadRequest, "failed to read request body")
			return
		}

		gw.metrics.ProxyRequest(host)
		gw.metrics.ProxyRequestByUserAgent(utils.CategorizeUserAgent(r.UserAgent()))

		ex := &exchange{
			w:      lrw,
			r:      r,
			domain: d,
			host:   host,
			req:    request.Classify(r.Method, r.URL.RequestURI(), body),
			start:  startTime,
			logger: logging.ForDomain(gw.logger, d.Name, string(d.Chain)),
		}

		switch ex.req.Kind {
		case request.KindSingle:
			gw.serveCall(ex)
		case request.KindBatch:
			gw.serveBatch(ex)
		default:
			gw.serveRegular(ex)
		}

		ex.logger.Debug().
			Str("ip", utils.GetRequestIP(r)).
			Str("kind", ex.req.Kind.String()).
			Str("method", r.Method).
			Str("path", ex.req.PathOnly()).
			Int("status", lrw.StatusCode).
			Dur("elapsed", time.Since(startTime)).
			Msg("request served")
	})
}

func (gw *Gateway) serveCall(ex *exchange) {
	call := ex.req.Call
	path := utils.TruncatePath(ex.req.Path)
	gw.metrics.ProxyRequestByMethod(ex.host, call.Method, path)

	ttl, cacheable := gw.matcher.ShouldCache(ex.domain.Chain, ex.req)
	var key string
	if cacheable {
		key = request.StoreKey(ex.host, ex.req)
		if cached, ok := gw.cache.Get(ex.domain.Chain, key); ok {
			body, err := rpcSuccess(call.ID, cached.Body)
			if err == nil {
				gw.metrics.CacheHit(ex.host, path)
				target := gw.target(ex.domain, call.Method, ex.req.PathOnly())
				status := gw.writeResponse(ex, target, http.StatusOK, contentTypeJSON, body, true)
				gw.metrics.ObserveResponse(ex.host, path, call.Method, status, time.Since(ex.start))
				return
			}
			ex.logger.Warn().Err(err).Str("rpc_method", call.Method).Msg("failed to build cached response")
		}
	}
	gw.metrics.CacheMiss(ex.host, path)

	target := gw.target(ex.domain, call.Method, ex.req.PathOnly())
	resp, err := gw.dispatch(ex.r.Context(), ex.domain, target, http.MethodPost, ex.req.Path, ex.req.Body, contentTypeJSON)
	if err != nil {
		ex.logger.Error().Err(err).Str("rpc_method", call.Method).Msg("upstream request failed")
		body, _ := rpcFailure(call.ID, rpcUpstreamErrorCode, "upstream unavailable")
		status := gw.writeResponse(ex, target, http.StatusBadGateway, contentTypeJSON, body, false)
		gw.metrics.ObserveResponse(ex.host, path, call.Method, status, time.Since(ex.start))
		return
	}

	if resp.Status != http.StatusOK {
		ex.logger.Warn().
			Str(logging.FieldUpstream, utils.HostOf(target.URL)).
			Str("rpc_method", call.Method).
			Int("status", resp.Status).
			Msg("upstream returned non-200 status")
	} else if cacheable {
		gw.storeResult(ex, key, ttl, resp.Body)
	}

	status := gw.writeResponse(ex, target, resp.Status, contentTypeJSON, resp.Body, false)
	gw.metrics.ObserveResponse(ex.host, path, call.Method, status, time.Since(ex.start))
}

// storeResult caches the result member of a successful JSON-RPC answer. Error answers and null
// results are never stored; a body that doesn't decode is logged and skipped.
func (gw *Gateway) storeResult(ex *exchange, key string, ttl uint64, body []byte) {
	var rpcResp types.RpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		ex.logger.Warn().Err(err).Str("rpc_method", ex.req.Call.Method).Msg("response not cached: invalid JSON-RPC body")
		return
	}
	if rpcResp.Error != nil || len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return
	}

	cached := types.CachedResponse{
		Body:        rpcResp.Result,
		Status:      http.StatusOK,
		ContentType: contentTypeJSON,
		TTLSeconds:  ttl,
	}
	if !gw.cache.Set(ex.domain.Chain, key, cached, ttl) {
		ex.logger.Debug().Str("rpc_method", ex.req.Call.Method).Int("bytes", len(cached.Body)).Msg("response too large to cache")
	}
}

// serveBatch forwards a batch untouched. Batches never go through the cache.
func (gw *Gateway) serveBatch(ex *exchange) {
	path := utils.TruncatePath(ex.req.Path)
	for _, call := range ex.req.Batch {
		gw.metrics.ProxyRequestByMethod(ex.host, call.Method, path)
		gw.metrics.CacheMiss(ex.host, path)
	}

	target := gw.target(ex.domain, ex.req.RpcMethod(), ex.req.PathOnly())
	var status int
	resp, err := gw.dispatch(ex.r.Context(), ex.domain, target, http.MethodPost, ex.req.Path, ex.req.Body, contentTypeJSON)
	if err != nil {
		ex.logger.Error().Err(err).Int("calls", len(ex.req.Batch)).Msg("upstream batch request failed")
		body, _ := rpcBatchFailure(ex.req.Batch, rpcUpstreamErrorCode, "upstream unavailable")
		status = gw.writeResponse(ex, target, http.StatusBadGateway, contentTypeJSON, body, false)
	} else {
		if resp.Status != http.StatusOK {
			ex.logger.Warn().
				Str(logging.FieldUpstream, utils.HostOf(target.URL)).
				Int("calls", len(ex.req.Batch)).
				Int("status", resp.Status).
				Msg("upstream returned non-200 status")
		}
		status = gw.writeResponse(ex, target, resp.Status, contentTypeJSON, resp.Body, false)
	}

	elapsed := time.Since(ex.start)
	for _, call := range ex.req.Batch {
		gw.metrics.ObserveResponse(ex.host, path, call.Method, status, elapsed)
	}
}

func (gw *Gateway) serveRegular(ex *exchange) {
	method := ex.req.Method
	path := utils.TruncatePath(ex.req.Path)
	gw.metrics.ProxyRequestByMethod(ex.host, method, path)

	ttl, cacheable := gw.matcher.ShouldCache(ex.domain.Chain, ex.req)
	var key string
	if cacheable {
		key = request.StoreKey(ex.host, ex.req)
		if cached, ok := gw.cache.Get(ex.domain.Chain, key); ok {
			gw.metrics.CacheHit(ex.host, path)
			target := gw.target(ex.domain, "", ex.req.PathOnly())
			status := gw.writeResponse(ex, target, cached.Status, cached.ContentType, cached.Body, true)
			gw.metrics.ObserveResponse(ex.host, path, method, status, time.Since(ex.start))
			return
		}
	}
	gw.metrics.CacheMiss(ex.host, path)

	target := gw.target(ex.domain, "", ex.req.PathOnly())
	resp, err := gw.dispatch(ex.r.Context(), ex.domain, target, method, ex.req.Path, ex.req.Body, ex.r.Header.Get("Content-Type"))
	if err != nil {
		ex.logger.Error().Err(err).Str("method", method).Str("path", ex.req.PathOnly()).Msg("upstream request failed")
		status := gw.writeResponse(ex, target, http.StatusBadGateway, "text/plain; charset=utf-8", []byte("Bad Gateway\n"), false)
		gw.metrics.ObserveResponse(ex.host, path, method, status, time.Since(ex.start))
		return
	}

	if resp.Status != http.StatusOK {
		ex.logger.Warn().
			Str(logging.FieldUpstream, utils.HostOf(target.URL)).
			Str("method", method).
			Str("path", ex.req.PathOnly()).
			Int("status", resp.Status).
			Msg("upstream returned non-200 status")
	} else if cacheable {
		cached := types.CachedResponse{
			Body:        resp.Body,
			Status:      resp.Status,
			ContentType: resp.ContentType,
			TTLSeconds:  ttl,
		}
		if !gw.cache.Set(ex.domain.Chain, key, cached, ttl) {
			ex.logger.Debug().Str("path", ex.req.PathOnly()).Int("bytes", len(resp.Body)).Msg("response too large to cache")
		}
	}

	status := gw.writeResponse(ex, target, resp.Status, resp.ContentType, resp.Body, false)
	gw.metrics.ObserveResponse(ex.host, path, method, status, time.Since(ex.start))
}

// target resolves the upstream for one request: the routed URL with overrides applied.
func (gw *Gateway) target(d *types.Domain, rpcMethod, path string) types.UpstreamURL {
	return ResolveURL(d, gw.router.Current(d.Name), rpcMethod, path)
}

func (gw *Gateway) writeResponse(ex *exchange, target types.UpstreamURL, status int, contentType string, body []byte, hit bool) int {
	h := ex.w.Header()
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set(HeaderUpstream, utils.HostOf(target.URL))
	h.Set(HeaderLatency, strconv.FormatInt(time.Since(ex.start).Milliseconds(), 10))
	if hit {
		h.Set(HeaderCache, "HIT")
	} else {
		h.Set(HeaderCache, "MISS")
	}

	ex.w.WriteHeader(status)
	if _, err := ex.w.Write(body); err != nil {
		ex.logger.Debug().Err(err).Msg("failed to write response")
	}
	return status
}

// rpcSuccess wraps a cached result into a response carrying the caller's id.
func rpcSuccess(id uint64, result []byte) ([]byte, error) {
	return json.Marshal(types.RpcResponse{
		Jsonrpc: "2.0",
		Result:  result,
		ID:      []byte(strconv.FormatUint(id, 10)),
	})
}

func rpcFailure(id uint64, code int, message string) ([]byte, error) {
	return json.Marshal(types.RpcResponse{
		Jsonrpc: "2.0",
		Error:   &types.RpcError{Code: code, Message: message},
		ID:      []byte(strconv.FormatUint(id, 10)),
	})
}

// rpcBatchFailure answers every member of a failed batch with its own error object.
func rpcBatchFailure(calls []types.RpcCall, code int, message string) ([]byte, error) {
	out := make([]types.RpcResponse, 0, len(calls))
	for _, call := range calls {
		out = append(out, types.RpcResponse{
			Jsonrpc: "2.0",
			Error:   &types.RpcError{Code: code, Message: message},
			ID:      []byte(strconv.FormatUint(call.ID, 10)),
		})
	}
	return json.Marshal(out)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	body, _ := json.Marshal(map[string]string{"error": message})
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
