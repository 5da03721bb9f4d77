package assist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrEmptyContent is returned when an attempt produced no text for a reason
// other than hitting the output ceiling.
var ErrEmptyContent = errors.New("empty completion content")

// ErrorKind classifies upstream failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindConnection
	KindRateLimited
	KindServer
	KindClient
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// UpstreamError is a classified failure from a Provider.
type UpstreamError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// KindForStatus maps an HTTP status code to an ErrorKind.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout:
		return KindTimeout
	case code >= 500:
		return KindServer
	case code >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}

// Classify determines the ErrorKind of err. Errors that are already an
// UpstreamError keep their kind; context deadlines are timeouts; network
// errors are connection failures.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return KindConnection
	}
	return KindUnknown
}

// IsRetryable reports whether err is transient: timeouts, connection
// failures, rate limiting, server errors and empty content. Client errors
// and caller cancellation are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEmptyContent) {
		return true
	}
	switch Classify(err) {
	case KindTimeout, KindConnection, KindRateLimited, KindServer:
		return true
	case KindClient:
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Unclassified failures are treated as transient.
	return true
}
