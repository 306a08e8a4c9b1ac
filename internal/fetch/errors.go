package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
)

// ErrorKind names a failure class. Kinds drive retry policy, headless
// fallback, and host-budget accounting.
type ErrorKind string

const (
	KindConnectionReset    ErrorKind = "connection-reset"
	KindBrokenPipe         ErrorKind = "broken-pipe"
	KindTimeout            ErrorKind = "timeout"
	KindDNSTemporary       ErrorKind = "dns-temporary"
	KindDNSNotFound        ErrorKind = "dns-not-found"
	KindConnectionRefused  ErrorKind = "connection-refused"
	KindNetworkUnreachable ErrorKind = "network-unreachable"
	KindHostUnreachable    ErrorKind = "host-unreachable"
	KindHTTPStatus         ErrorKind = "http-status"
	KindRedirectLoop       ErrorKind = "redirect-loop"
	KindHardFailure        ErrorKind = "content-hard-failure"
	KindSoftFailure        ErrorKind = "content-soft-failure"
	KindPolicySkip         ErrorKind = "policy-skip"
	KindAborted            ErrorKind = "aborted"
	KindUnknown            ErrorKind = "unknown"
)

// Error is the pipeline's terminal error: the kind, the HTTP status when the
// server answered, and whether another attempt could have helped.
type Error struct {
	Kind       ErrorKind
	HTTPStatus int
	Retryable  bool
	RetryAfter time.Duration
	URL        string
	Err        error
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("fetch: %s (%d) from %s", e.Kind, e.HTTPStatus, e.URL)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch: %s from %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("fetch: %s from %s", e.Kind, e.URL)
}

func (e *Error) Unwrap() error { return e.Err }

// retryableStatuses are the HTTP statuses worth another attempt.
var retryableStatuses = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// RetryableStatus reports whether an HTTP status is retryable.
func RetryableStatus(status int) bool { return retryableStatuses[status] }

// statusError builds an Error for a non-2xx response.
func statusError(url string, status int, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindHTTPStatus,
		HTTPStatus: status,
		Retryable:  retryableStatuses[status],
		RetryAfter: retryAfter,
		URL:        url,
	}
}

// classifyNetError maps a transport error onto the retry taxonomy. Every
// transient network kind is retryable; context cancellation is an abort.
func classifyNetError(url string, err error) *Error {
	kind := KindUnknown
	retryable := false

	switch {
	case errors.Is(err, context.Canceled):
		kind = KindAborted
	case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err):
		kind, retryable = KindTimeout, true
	case errors.Is(err, syscall.ECONNRESET):
		kind, retryable = KindConnectionReset, true
	case errors.Is(err, syscall.EPIPE):
		kind, retryable = KindBrokenPipe, true
	case errors.Is(err, syscall.ECONNREFUSED):
		kind, retryable = KindConnectionRefused, true
	case errors.Is(err, syscall.ENETUNREACH):
		kind, retryable = KindNetworkUnreachable, true
	case errors.Is(err, syscall.EHOSTUNREACH):
		kind, retryable = KindHostUnreachable, true
	default:
		var dnsErr *net.DNSError
		var netErr net.Error
		switch {
		case errors.As(err, &dnsErr):
			if dnsErr.IsNotFound {
				kind, retryable = KindDNSNotFound, true
			} else {
				kind, retryable = KindDNSTemporary, true
			}
		case errors.As(err, &netErr) && netErr.Timeout():
			kind, retryable = KindTimeout, true
		case strings.Contains(err.Error(), "connection reset"):
			// Some transports flatten the syscall error into text.
			kind, retryable = KindConnectionReset, true
		}
	}

	return &Error{Kind: kind, Retryable: retryable, URL: url, Err: err}
}
