package utils

import (
	"strings"
)

// LongSegmentPlaceholder replaces path segments that would blow up metric cardinality.
const LongSegmentPlaceholder = ":id"

// maxSegmentLen is the longest path segment kept verbatim in metric labels.
const maxSegmentLen = 20

// TruncatePath strips the query string and replaces long segments (addresses, hashes, API keys)
// with LongSegmentPlaceholder.
func TruncatePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if len(seg) > maxSegmentLen {
			segments[i] = LongSegmentPlaceholder
		}
	}
	return strings.Join(segments, "/")
}

// User-agent categories reported in metrics.
const (
	AgentBrowser = "browser"
	AgentCurl    = "curl"
	AgentGo      = "go"
	AgentPython  = "python"
	AgentNode    = "node"
	AgentJava    = "java"
	AgentWeb3    = "web3"
	AgentEmpty   = "empty"
	AgentOther   = "other"
)

var agentPrefixes = []struct {
	needle   string
	category string
}{
	{"ethers", AgentWeb3},
	{"viem", AgentWeb3},
	{"web3", AgentWeb3},
	{"curl/", AgentCurl},
	{"go-http-client", AgentGo},
	{"python", AgentPython},
	{"aiohttp", AgentPython},
	{"node-fetch", AgentNode},
	{"axios", AgentNode},
	{"undici", AgentNode},
	{"node", AgentNode},
	{"okhttp", AgentJava},
	{"java", AgentJava},
	{"mozilla/", AgentBrowser},
}

// CategorizeUserAgent maps a raw User-Agent onto a small fixed set of categories.
func CategorizeUserAgent(ua string) string {
	ua = strings.ToLower(strings.TrimSpace(ua))
	if ua == "" {
		return AgentEmpty
	}
	for _, p := range agentPrefixes {
		if strings.Contains(ua, p.needle) {
			return p.category
		}
	}
	return AgentOther
}
