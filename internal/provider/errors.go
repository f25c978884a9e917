package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrUnknownProvider is returned when a name doesn't match any
	// registered provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnknownType is returned by the Registry for an adapter type with
	// no registered factory.
	ErrUnknownType = errors.New("unknown provider type")

	// ErrDuplicateProvider is returned when two descriptors share a name.
	ErrDuplicateProvider = errors.New("duplicate provider name")
)

// ErrorKind classifies why a provider call failed.
type ErrorKind string

const (
	KindUnauthorized  ErrorKind = "unauthorized"   // 401/403 from upstream
	KindConfigMissing ErrorKind = "config_missing" // no credentials or endpoint configured
	KindClientError   ErrorKind = "client_error"   // any other 4xx
	KindServerError   ErrorKind = "server_error"   // 5xx
	KindTimeout       ErrorKind = "timeout"
	KindNetwork       ErrorKind = "network"
	KindBadResponse   ErrorKind = "bad_response" // 200 with a body we can't use
)

// Error is the error type every adapter returns. The Kind decides whether
// the adapter retries locally and how the failure is counted in metrics.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same adapter may be called again for the
// same request. Credential problems and 4xx responses will fail the same way
// every time, so only server errors, timeouts and network errors qualify.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindServerError, KindTimeout, KindNetwork:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is (or wraps) a retryable *Error.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// KindOf returns the ErrorKind of err, or "" if err is not a *Error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// ClassifyStatus maps a non-200 HTTP status code to an ErrorKind.
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindUnauthorized
	case code >= 400 && code < 500:
		return KindClientError
	case code >= 500:
		return KindServerError
	default:
		return KindBadResponse
	}
}

// statusError builds the error for an unexpected HTTP status. The body is
// trimmed so a large HTML error page doesn't end up in the logs.
func statusError(provider string, code int, body []byte) *Error {
	const maxBody = 200
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &Error{
		Kind:       ClassifyStatus(code),
		Provider:   provider,
		StatusCode: code,
		Message:    string(body),
	}
}

// transportError converts an error from http.Client.Do (or from the
// context around it) into a *Error.
func transportError(provider string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	kind := KindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Provider: provider, Err: err}
}

func configMissing(provider, what string) *Error {
	return &Error{Kind: KindConfigMissing, Provider: provider, Message: what + " not configured"}
}
