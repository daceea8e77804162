package tunnel

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpstreamURLs(t *testing.T) {
	base := "http://browserless:3000?token=upstream-secret"

	ws, err := UpstreamWSURL(base, "/devtools/browser/abc?token=client-token&stealth=true")
	require.NoError(t, err)

	u, err := url.Parse(ws)
	require.NoError(t, err)
	assert.Equal(t, "ws", u.Scheme)
	assert.Equal(t, "browserless:3000", u.Host)
	assert.Equal(t, "/devtools/browser/abc", u.Path)
	assert.Equal(t, "upstream-secret", u.Query().Get("token"))
	assert.Equal(t, "true", u.Query().Get("stealth"))

	secure, err := UpstreamWSURL("https://chrome.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, "wss://chrome.example.com/", secure)

	httpURL, err := UpstreamHTTPURL(base, "/json/version")
	require.NoError(t, err)
	assert.Equal(t, "http://browserless:3000/json/version?token=upstream-secret", httpURL)
}

func TestUpstreamURL_ClientTokenNeverForwarded(t *testing.T) {
	ws, err := UpstreamWSURL("http://browserless:3000", "/?token=client-token")
	require.NoError(t, err)
	assert.NotContains(t, ws, "client-token")
}

func TestRewriteDebuggerURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			"ws://browserless:3000/devtools/browser/abc?token=xyz",
			"ws://proxy.example.com:9223/devtools/browser/abc",
		},
		{
			"wss://browserless:3000/devtools/page/P1?token=xyz&session=s%201",
			"ws://proxy.example.com:9223/devtools/page/P1?session=s%201",
		},
		{
			"ws://browserless:3000/",
			"ws://proxy.example.com:9223",
		},
		{"not a url", "not a url"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RewriteDebuggerURL(tt.in, "proxy.example.com:9223"))
	}
}

func TestRewriteDiscovery_List(t *testing.T) {
	body := []byte(`[
		{"id":"P1","type":"page","url":"https://example.com/?a=1&b=2","webSocketDebuggerUrl":"ws://10.0.0.5:3000/devtools/page/P1?token=secret"},
		{"id":"P2","type":"page"}
	]`)

	out, ok := RewriteDiscovery(body, "proxy:9223")
	require.True(t, ok)

	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "ws://proxy:9223/devtools/page/P1", entries[0]["webSocketDebuggerUrl"])
	assert.Equal(t, "https://example.com/?a=1&b=2", entries[0]["url"])
	assert.NotContains(t, string(out), "secret")
	assert.NotContains(t, string(out), "10.0.0.5")
	assert.NotContains(t, entries[1], "webSocketDebuggerUrl")
}

func TestRewriteDiscovery_Object(t *testing.T) {
	body := []byte(`{"Browser":"HeadlessChrome/120","webSocketDebuggerUrl":"ws://browserless:3000/devtools/browser/b-1?token=secret"}`)

	out, ok := RewriteDiscovery(body, "proxy:9223")
	require.True(t, ok)

	var doc map[string]string
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "HeadlessChrome/120", doc["Browser"])
	assert.Equal(t, "ws://proxy:9223/devtools/browser/b-1", doc["webSocketDebuggerUrl"])
}

func TestRewriteDiscovery_NonJSONPassesThrough(t *testing.T) {
	body := []byte("<html>protocol viewer</html>")
	out, ok := RewriteDiscovery(body, "proxy:9223")
	assert.False(t, ok)
	assert.Equal(t, body, out)
}
