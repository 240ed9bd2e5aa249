package slskd

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a port failure. Transport-class kinds feed the
// circuit breaker; the rest mean the downloader answered.
type Kind string

const (
	KindUnavailable Kind = "unavailable"
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindNotFound    Kind = "not_found"
	KindRejected    Kind = "rejected"
	KindTransport   Kind = "transport"
)

// Error is the typed failure returned by every port call.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("slskd: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("slskd: %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func newError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// KindOf extracts the failure kind; non-port errors map to transport.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Countable reports whether an error should trip the breaker. Only
// transport-class failures count; NotFound and Rejected mean the
// service is alive.
func Countable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindTimeout, KindTransport:
		return true
	}
	return false
}

// classifyTransport maps a request-level error (no HTTP response) to a
// failure kind.
func classifyTransport(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, op, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, op, err.Error())
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return newError(KindUnavailable, op, err.Error())
	}
	return newError(KindTransport, op, err.Error())
}

// classifyStatus maps an HTTP status code to a failure kind.
func classifyStatus(op string, code int, body string) *Error {
	switch {
	case code == 404:
		return newError(KindNotFound, op, body)
	case code == 429:
		return newError(KindRateLimited, op, body)
	case code >= 500:
		return newError(KindUnavailable, op, fmt.Sprintf("status %d: %s", code, body))
	case code >= 400 && code < 500:
		return newError(KindRejected, op, fmt.Sprintf("status %d: %s", code, body))
	}
	return newError(KindTransport, op, fmt.Sprintf("unexpected status %d", code))
}
