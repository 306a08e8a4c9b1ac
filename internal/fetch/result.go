package fetch

import "time"

// Outcome tags a Result.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeNotModified Outcome = "notModified"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeError       Outcome = "error"
	OutcomeHostLocked  Outcome = "hostLocked"
)

// Source names where a successful body came from.
type Source string

const (
	SourceNetwork    Source = "network"
	SourceCache      Source = "cache"
	SourceStaleCache Source = "stale-cache"
)

// Method names the transport that produced a network success.
type Method string

const (
	MethodHTTP             Method = "http"
	MethodHeadlessFallback Method = "headless-fallback"
)

// Timing carries per-request transfer measurements.
type Timing struct {
	TTFB         time.Duration
	Download     time.Duration
	Total        time.Duration
	Bytes        int64
	TransferKBps float64
}

// Result is the pipeline's answer for one URL.
type Result struct {
	Outcome Outcome
	URL     string

	// success
	HTML       string
	HTTPStatus int
	Source     Source
	Method     Method
	AgeSeconds int64
	Timing     Timing
	Redirects  []string
	Shared     bool // another in-flight fetch produced this body

	// skipped
	SkipReason string

	// error
	Err      *Error
	Attempts int

	// hostLocked
	RetryAfter time.Duration
}
