package utils

import "net/http"

// ErrorKind classifies failures that reach a caller or the metering consumer.
type ErrorKind int

const (
	KindInternal    ErrorKind = iota
	KindAuth                  // no matching active credential
	KindAdmission             // session limit or rate limit
	KindQuota                 // monthly usage exhausted
	KindUpstream              // backend connect or transport failure
	KindProtocol              // malformed inbound body
	KindPersistence           // store write failure while flushing usage
)

// ProxyError carries a kind, the wire-level error type and a caller-safe message.
type ProxyError struct {
	Kind    ErrorKind
	Status  int
	Type    string
	Message string
	Extra   map[string]interface{}
	Err     error
}

func (e *ProxyError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

// NewAuthError builds a 401 auth_error.
func NewAuthError(message string) *ProxyError {
	return &ProxyError{Kind: KindAuth, Status: http.StatusUnauthorized, Type: "auth_error", Message: message}
}

// NewSessionLimitError builds the 429 returned when a customer has no free session slot.
func NewSessionLimitError(message string) *ProxyError {
	return &ProxyError{Kind: KindAdmission, Status: http.StatusTooManyRequests, Type: "session_limit_error", Message: message}
}

// NewRateLimitError builds the 429 returned when the token bucket is empty.
func NewRateLimitError(message string) *ProxyError {
	return &ProxyError{Kind: KindAdmission, Status: http.StatusTooManyRequests, Type: "rate_limit_error", Message: message}
}

// NewQuotaError builds the 429 returned when the monthly token budget is spent.
func NewQuotaError(message string, used, limit int64) *ProxyError {
	return &ProxyError{
		Kind:    KindQuota,
		Status:  http.StatusTooManyRequests,
		Type:    "monthly_limit_exceeded",
		Message: message,
		Extra:   map[string]interface{}{"used": used, "limit": limit},
	}
}

// NewUpstreamError builds a 502 upstream_error wrapping the transport failure.
func NewUpstreamError(message string, err error) *ProxyError {
	return &ProxyError{Kind: KindUpstream, Status: http.StatusBadGateway, Type: "upstream_error", Message: message, Err: err}
}

// NewProtocolError builds a 400 invalid_request_error.
func NewProtocolError(message string, err error) *ProxyError {
	return &ProxyError{Kind: KindProtocol, Status: http.StatusBadRequest, Type: "invalid_request_error", Message: message, Err: err}
}

// NewPersistenceError wraps a failed metering flush. It never reaches a caller.
func NewPersistenceError(message string, err error) *ProxyError {
	return &ProxyError{Kind: KindPersistence, Status: http.StatusInternalServerError, Type: "server_error", Message: message, Err: err}
}
