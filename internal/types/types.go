package types

import (
	"encoding/json"
)

// Chain identifies a blockchain network (e.g. "ethereum"). It partitions cache rules and caches.
type Chain string

// CacheRule decides whether a request is cacheable and for how long.
// REST rules match on Path + Method (+ Params), JSON-RPC rules match on RpcMethod.
type CacheRule struct {
	Path       string            `yaml:"path"`
	Method     string            `yaml:"method"`
	RpcMethod  string            `yaml:"rpcMethod"`
	Params     map[string]string `yaml:"params"`
	TTLSeconds uint64            `yaml:"ttlSeconds"`
}

// CacheConfig holds the memory budget shared by all chain caches and the per-chain rules.
type CacheConfig struct {
	MaxMemoryMB uint64                `yaml:"maxMemoryMb"`
	Rules       map[Chain][]CacheRule `yaml:"rules"`
}

// CachedResponse is what the cache stores for one key.
type CachedResponse struct {
	Body        []byte
	Status      int
	ContentType string
	TTLSeconds  uint64
}

// NodeMonitoringConfig holds the defaults used by domains that don't set their own values.
type NodeMonitoringConfig struct {
	PollIntervalSeconds uint64 `yaml:"pollIntervalSeconds"`
	BlockDelay          uint64 `yaml:"blockDelay"`
}

// UpstreamURL is one upstream address plus the static headers sent with every request to it.
type UpstreamURL struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// Override redirects matching requests to another upstream address.
// An empty RpcMethod or Path matches anything.
type Override struct {
	RpcMethod string `yaml:"rpcMethod"`
	Path      string `yaml:"path"`
	URL       string `yaml:"url"`
}

// Domain groups the candidate upstream URLs serving one chain under one inbound host name.
type Domain struct {
	Name                string        `yaml:"name"`
	Chain               Chain         `yaml:"chain"`
	BlockDelay          *uint64       `yaml:"blockDelay"`
	PollIntervalSeconds *uint64       `yaml:"pollIntervalSeconds"`
	HealthMethod        string        `yaml:"healthMethod"`
	Overrides           []Override    `yaml:"overrides"`
	URLs                []UpstreamURL `yaml:"urls"`
}

// NodeResult is the most recent block height observed for an upstream URL.
type NodeResult struct {
	URL         string
	BlockNumber uint64
}

// RpcCall is a single JSON-RPC request object.
type RpcCall struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      uint64          `json:"id"`
}

// RpcError is the error member of a JSON-RPC response.
type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RpcResponse is a single JSON-RPC response object.
type RpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}
