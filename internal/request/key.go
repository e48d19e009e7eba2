package request

import (
	"bytes"
	"net/http"
	"sort"
	"strings"

	"dynode/internal/types"
)

const batchKeyPrefix = "batch:"

// Key derives the cache key for a classified request received on host.
func Key(host string, r *Request) string {
	switch r.Kind {
	case KindSingle:
		return CallKey(host, r.Path, r.Call)
	case KindBatch:
		return BatchKey(host, r.Path, r.Batch)
	default:
		return host + ":" + r.Method + ":" + r.Path
	}
}

// StoreKey is Key prefixed with the request kind. The plain key formats can collide across kinds
// (a REST path ending in ":method" versus a JSON-RPC call), so the cache is addressed with this one.
func StoreKey(host string, r *Request) string {
	return r.Kind.String() + "|" + Key(host, r)
}

// CallKey is host:POST:path:method[:params]. The params segment is left out when params are null.
func CallKey(host, path string, call *types.RpcCall) string {
	var sb strings.Builder
	sb.WriteString(host)
	sb.WriteString(":")
	sb.WriteString(http.MethodPost)
	sb.WriteString(":")
	sb.WriteString(path)
	sb.WriteString(":")
	sb.WriteString(call.Method)
	if params, ok := canonicalParams(call.Params); ok {
		sb.WriteString(":")
		sb.WriteString(params)
	}
	return sb.String()
}

// BatchKey sorts the member keys so the same set of calls always yields the same key.
func BatchKey(host, path string, calls []types.RpcCall) string {
	keys := make([]string, 0, len(calls))
	for i := range calls {
		keys = append(keys, CallKey(host, path, &calls[i]))
	}
	sort.Strings(keys)
	return batchKeyPrefix + strings.Join(keys, ";")
}

// canonicalParams re-encodes params with sorted object keys and no insignificant whitespace.
// Numbers keep their original text.
func canonicalParams(raw []byte) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return string(raw), true
	}

	out, err := json.Marshal(v)
	if err != nil {
		return string(raw), true
	}
	return string(out), true
}
