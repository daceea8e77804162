package tunnel

import (
	"fmt"
	"net/url"
	"strings"
)

// UpstreamHTTPURL joins requestURI (path and query of the inbound request) onto
// base. The caller's token is dropped and base query parameters are set last,
// so the upstream's own token always wins.
func UpstreamHTTPURL(base, requestURI string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid upstream url: %w", err)
	}
	return join(b, requestURI)
}

// UpstreamWSURL is UpstreamHTTPURL with http mapped to ws and https to wss.
func UpstreamWSURL(base, requestURI string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid upstream url: %w", err)
	}
	switch b.Scheme {
	case "https", "wss":
		b.Scheme = "wss"
	default:
		b.Scheme = "ws"
	}
	return join(b, requestURI)
}

func join(base *url.URL, requestURI string) (string, error) {
	ref, err := url.Parse(requestURI)
	if err != nil {
		return "", fmt.Errorf("invalid request uri: %w", err)
	}

	u := base.ResolveReference(&url.URL{Path: ref.Path, RawPath: ref.RawPath})

	query := ref.Query()
	query.Del("token")
	for key, values := range base.Query() {
		query[key] = values
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// RewriteDebuggerURL points a webSocketDebuggerUrl at the proxy: the scheme
// becomes ws, the host becomes proxyHost and any token parameter is removed.
// The path and the remaining query are kept byte for byte.
func RewriteDebuggerURL(raw, proxyHost string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	u.Scheme = "ws"
	u.Host = proxyHost
	u.RawQuery = stripQueryParam(u.RawQuery, "token")

	return strings.TrimSuffix(u.String(), "/")
}

// stripQueryParam drops every occurrence of key without re-encoding the rest
func stripQueryParam(rawQuery, key string) string {
	if rawQuery == "" {
		return ""
	}

	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, p := range parts {
		name, _, _ := strings.Cut(p, "=")
		if unescaped, err := url.QueryUnescape(name); err == nil && unescaped == key {
			continue
		}
		if p == "" {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}
