package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestProxyErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{
			name:     "auth",
			err:      NewAuthError("Invalid proxy token"),
			expected: KindAuth,
		},
		{
			name:     "wrapped upstream",
			err:      fmt.Errorf("chat: %w", NewUpstreamError("Upstream API error", errors.New("EOF"))),
			expected: KindUpstream,
		},
		{
			name:     "persistence",
			err:      NewPersistenceError("flush failed", errors.New("tx aborted")),
			expected: KindPersistence,
		},
		{
			name:     "plain error",
			err:      errors.New("boom"),
			expected: KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KindInternal
			var pe *ProxyError
			if errors.As(tt.err, &pe) {
				got = pe.Kind
			}
			if got != tt.expected {
				t.Errorf("Kind = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestProxyErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewUpstreamError("Failed to reach Browserless", cause)

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is() = false, want true")
	}
	if err.Error() != "Failed to reach Browserless: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   Debug,
		"INFO":    Info,
		"warning": Warning,
		"warn":    Warning,
		"error":   Error,
		"":        Info,
		"verbose": Info,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	got := formatMessage("INFO", "Session opened", "session_id", "abc", "customer_id", "c1", "dangling")
	want := "[INFO] Session opened session_id=abc customer_id=c1"
	if got != want {
		t.Errorf("formatMessage() = %q, want %q", got, want)
	}
}
