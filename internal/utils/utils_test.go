package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetRequestIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "10.0.0.1", GetRequestIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	require.Equal(t, "10.0.0.2", GetRequestIP(r))

	r.Header.Set("X-Forwarded-For", "10.0.0.3, 10.0.0.4")
	require.Equal(t, "10.0.0.3", GetRequestIP(r))
}

func TestStripPort(t *testing.T) {
	require.Equal(t, "eth.dynode.local", StripPort("ETH.dynode.local:8080"))
	require.Equal(t, "eth.dynode.local", StripPort("eth.dynode.local"))
}

func TestHostOf(t *testing.T) {
	require.Equal(t, "node.example:8545", HostOf("https://node.example:8545/v1/secret-key"))
	require.Equal(t, "not a url", HostOf("not a url"))
}

func TestTruncatePath(t *testing.T) {
	require.Equal(t, "/", TruncatePath(""))
	require.Equal(t, "/api/v1/data", TruncatePath("/api/v1/data?x=1"))
	require.Equal(t, "/accounts/:id/balance", TruncatePath("/accounts/0x52908400098527886E0F7030069857D2E4169EE7/balance"))
}

func TestCategorizeUserAgent(t *testing.T) {
	tests := map[string]string{
		"":                          AgentEmpty,
		"curl/8.4.0":                AgentCurl,
		"Go-http-client/1.1":        AgentGo,
		"python-requests/2.31":      AgentPython,
		"axios/1.6.2":               AgentNode,
		"okhttp/4.12.0":             AgentJava,
		"ethers/6.9 (node)":         AgentWeb3,
		"Mozilla/5.0 (X11; Linux)":  AgentBrowser,
		"StatusWallet/2.30 Desktop": AgentOther,
	}
	for ua, want := range tests {
		require.Equal(t, want, CategorizeUserAgent(ua), ua)
	}
}

func TestLoggingResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	lrw := NewLoggingResponseWriter(rec)
	require.Equal(t, http.StatusOK, lrw.StatusCode)

	lrw.WriteHeader(http.StatusBadGateway)
	require.Equal(t, http.StatusBadGateway, lrw.StatusCode)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}
