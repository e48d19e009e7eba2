package cache

import (
	"bytes"
	stdjson "encoding/json"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"dynode/internal/request"
	"dynode/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Matcher evaluates the configured per-chain rules against classified requests.
// Rules are immutable after construction, so a Matcher is safe for concurrent use.
type Matcher struct {
	rules map[types.Chain][]types.CacheRule
}

// NewMatcher creates a Matcher over the given rules. Rule order per chain is preserved.
func NewMatcher(rules map[types.Chain][]types.CacheRule) *Matcher {
	m := &Matcher{rules: make(map[types.Chain][]types.CacheRule, len(rules))}
	for chain, list := range rules {
		if len(list) == 0 {
			continue
		}
		m.rules[chain] = append([]types.CacheRule(nil), list...)
	}
	return m
}

// Chains returns the chains that have at least one rule, sorted.
func (m *Matcher) Chains() []types.Chain {
	chains := make([]types.Chain, 0, len(m.rules))
	for chain := range m.rules {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

// ShouldCache returns the TTL of the first rule matching req. A zero TTL means "do not cache"
// and is reported the same way as no match.
func (m *Matcher) ShouldCache(chain types.Chain, req *request.Request) (uint64, bool) {
	rules := m.rules[chain]
	if len(rules) == 0 {
		return 0, false
	}

	body := &lazyBody{raw: req.Body}
	for i := range rules {
		rule := &rules[i]
		if !matches(rule, req, body) {
			continue
		}
		if rule.TTLSeconds == 0 {
			return 0, false
		}
		return rule.TTLSeconds, true
	}
	return 0, false
}

func matches(rule *types.CacheRule, req *request.Request, body *lazyBody) bool {
	switch req.Kind {
	case request.KindSingle:
		return rule.RpcMethod != "" && rule.RpcMethod == req.Call.Method
	case request.KindBatch:
		// Any rpcMethod rule covers the whole batch without looking at its members.
		return rule.RpcMethod != ""
	default:
		if rule.RpcMethod != "" || rule.Path == "" || rule.Method == "" {
			return false
		}
		if !strings.EqualFold(rule.Method, req.Method) || rule.Path != req.PathOnly() {
			return false
		}
		return len(rule.Params) == 0 || body.contains(rule.Params)
	}
}

// lazyBody parses the request body at most once per ShouldCache call.
type lazyBody struct {
	raw    []byte
	parsed bool
	fields map[string]any
}

func (b *lazyBody) contains(params map[string]string) bool {
	if !b.parsed {
		b.parsed = true
		b.fields = parseObject(b.raw)
	}
	if b.fields == nil {
		return false
	}
	for key, want := range params {
		v, ok := b.fields[key]
		if !ok || valueString(v) != want {
			return false
		}
	}
	return true
}

func parseObject(raw []byte) map[string]any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil
	}
	return fields
}

// valueString coerces a decoded JSON value to the string it is compared against.
// Strings compare by content, everything else by its JSON text.
func valueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case stdjson.Number:
		return val.String()
	case nil:
		return "null"
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		out, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(out)
	}
}
