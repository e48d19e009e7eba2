package request

import (
	"bytes"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"dynode/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind tells which shape an inbound request has.
type Kind int

const (
	// KindRegular is a plain REST call.
	KindRegular Kind = iota
	// KindSingle is one JSON-RPC call object.
	KindSingle
	// KindBatch is a non-empty JSON-RPC array.
	KindBatch
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "jsonrpc"
	case KindBatch:
		return "jsonrpc_batch"
	default:
		return "regular"
	}
}

// Request is a classified inbound request. Path carries the raw query string, if any.
type Request struct {
	Kind   Kind
	Method string
	Path   string
	Body   []byte
	Call   *types.RpcCall
	Batch  []types.RpcCall
}

// Classify turns a raw HTTP method, path and body into a Request.
// Only POST bodies are probed for JSON-RPC; anything that doesn't parse is a regular request.
func Classify(method, path string, body []byte) *Request {
	req := &Request{
		Kind:   KindRegular,
		Method: method,
		Path:   path,
		Body:   body,
	}
	if method != http.MethodPost {
		return req
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return req
	}

	if call, ok := parseCall(trimmed); ok {
		req.Kind = KindSingle
		req.Call = call
		return req
	}

	if calls, ok := parseBatch(trimmed); ok {
		req.Kind = KindBatch
		req.Batch = calls
	}
	return req
}

func parseCall(body []byte) (*types.RpcCall, bool) {
	if body[0] != '{' {
		return nil, false
	}
	var call types.RpcCall
	if err := json.Unmarshal(body, &call); err != nil || call.Method == "" || nullID(body) {
		return nil, false
	}
	return &call, true
}

func parseBatch(body []byte) ([]types.RpcCall, bool) {
	if body[0] != '[' {
		return nil, false
	}
	var calls []types.RpcCall
	if err := json.Unmarshal(body, &calls); err != nil || len(calls) == 0 {
		return nil, false
	}
	for i, c := range calls {
		if c.Method == "" || nullID(body, i) {
			return nil, false
		}
	}
	return calls, true
}

// nullID reports whether the object at path carries "id":null. Such an id can't be echoed back
// through the numeric id, so the call is not treated as JSON-RPC.
func nullID(body []byte, path ...any) bool {
	return json.Get(body, append(path, "id")...).ValueType() == jsoniter.NilValue
}

// PathOnly returns the request path without its query string.
func (r *Request) PathOnly() string {
	if i := strings.IndexByte(r.Path, '?'); i >= 0 {
		return r.Path[:i]
	}
	return r.Path
}

// RpcMethod returns the method a URL override should be matched against.
// Batches only report a method when every member shares it.
func (r *Request) RpcMethod() string {
	switch r.Kind {
	case KindSingle:
		return r.Call.Method
	case KindBatch:
		method := r.Batch[0].Method
		for _, c := range r.Batch[1:] {
			if c.Method != method {
				return ""
			}
		}
		return method
	default:
		return ""
	}
}
