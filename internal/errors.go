package proxy

import (
	"errors"
	"fmt"
)

// ErrorType tags the user-visible error taxonomy.
type ErrorType string

const (
	ErrTypeBadRequest          ErrorType = "bad_request"
	ErrTypeContextTooLarge     ErrorType = "context_too_large"
	ErrTypeNoKeysAvailable     ErrorType = "no_keys_available"
	ErrTypeUpstreamRateLimited ErrorType = "upstream_rate_limited"
	ErrTypeUpstreamUnavailable ErrorType = "upstream_unavailable"
	ErrTypeKeyRevoked          ErrorType = "key_revoked"
	ErrTypeKeyOverQuota        ErrorType = "key_over_quota"
	ErrTypeClientCancelled     ErrorType = "client_cancelled"
	ErrTypeInternal            ErrorType = "internal_error"
)

// Sentinel errors for the proxy domain.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrContextTooLarge = errors.New("prompt exceeds context window")
	ErrNoKeys          = errors.New("no keys available")
	ErrKeyUnknown      = errors.New("unknown key hash")
	ErrNoKeyForFamily  = errors.New("no key owns the model family")
	ErrModelNotFound   = errors.New("model not found")
	ErrCancelled       = errors.New("client cancelled")
	ErrRetriesExceeded = errors.New("retries exceeded")
)

// Error is the typed error surfaced to clients as
// {error: {message, type}, proxy_note}.
type Error struct {
	Type      ErrorType
	Message   string
	Status    int    // HTTP status for blocking responses
	ProxyNote string // operator-facing annotation, passed through verbatim
}

// Error returns the message with its taxonomy tag.
func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Type, e.Message) }

// HTTPStatus returns the status code written for blocking responses.
func (e *Error) HTTPStatus() int { return e.Status }

// NewError constructs a typed proxy error.
func NewError(t ErrorType, status int, msg string) *Error {
	return &Error{Type: t, Message: msg, Status: status}
}

// UpstreamError carries an upstream HTTP failure into the classifier.
type UpstreamError struct {
	Service    Service
	StatusCode int
	Body       string
	Header     map[string][]string
}

// Error returns a formatted string with service, status, and body.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.StatusCode, truncate(e.Body, 128))
}

// HTTPStatus returns the upstream status code.
func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }

// truncate clips s to n bytes for logging.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
