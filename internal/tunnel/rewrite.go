package tunnel

import (
	"bytes"
	"encoding/json"
)

const debuggerURLField = "webSocketDebuggerUrl"

// RewriteDiscovery rewrites every webSocketDebuggerUrl of a discovery document
// (one object or a list of objects). It reports false when body is not JSON,
// in which case the caller passes the body through untouched.
func RewriteDiscovery(body []byte, proxyHost string) ([]byte, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return body, false
	}

	switch trimmed[0] {
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return body, false
		}
		for i, entry := range entries {
			entries[i] = rewriteEntry(entry, proxyHost)
		}
		out, err := marshal(entries)
		if err != nil {
			return body, false
		}
		return out, true

	default:
		if !json.Valid(trimmed) {
			return body, false
		}
		return rewriteEntry(trimmed, proxyHost), true
	}
}

func rewriteEntry(entry json.RawMessage, proxyHost string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil {
		// Scalars and nested arrays are returned as they came
		return entry
	}

	raw, ok := fields[debuggerURLField]
	if !ok {
		return entry
	}
	var wsURL string
	if err := json.Unmarshal(raw, &wsURL); err != nil {
		return entry
	}

	rewritten, err := marshal(RewriteDebuggerURL(wsURL, proxyHost))
	if err != nil {
		return entry
	}
	fields[debuggerURLField] = rewritten

	out, err := marshal(fields)
	if err != nil {
		return entry
	}
	return out
}

// marshal encodes without HTML escaping so URLs keep their literal '&'
func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
