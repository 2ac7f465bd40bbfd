package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/buildforge/internal/resilience"
)

// Kind is the normalized failure class of a provider call.
type Kind int

const (
	// KindFatal errors are not retried (bad credential, malformed request).
	KindFatal Kind = iota
	// KindTransient errors are retried on the same provider with backoff.
	KindTransient
	// KindRateLimited errors trigger a penalty and failover.
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error is the single tagged variant every provider failure is normalized
// into. RetryAfter is zero when the backend gave no hint.
type Error struct {
	Provider   string
	Kind       Kind
	RetryAfter time.Duration
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error may succeed on this or another provider.
func (e *Error) Retryable() bool {
	return e.Kind != KindFatal
}

// httpStatusError is satisfied by the vendor clients' status errors.
type httpStatusError interface {
	HTTPStatus() int
	RetryAfterHeader() string
}

var rateLimitPatterns = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"quota exceeded",
	"resource_exhausted",
	"usage limit",
}

var fatalStatuses = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusUnauthorized:        true,
	http.StatusPaymentRequired:     true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusUnprocessableEntity: true,
}

// Classify normalizes err from providerID into an *Error. It is called once
// at the boundary; downstream code switches on Kind and never inspects text.
// A nil error returns nil.
func Classify(providerID string, err error) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	out := &Error{Provider: providerID, Kind: KindFatal, Err: err}

	var se httpStatusError
	if errors.As(err, &se) {
		out.StatusCode = se.HTTPStatus()
		out.RetryAfter = ParseRetryAfterHeader(se.RetryAfterHeader(), time.Now())
	}
	if out.RetryAfter == 0 {
		out.RetryAfter = ParseRetryAfter(err.Error())
	}

	msg := strings.ToLower(err.Error())
	switch {
	case out.StatusCode == http.StatusTooManyRequests:
		out.Kind = KindRateLimited
	case errors.Is(err, context.Canceled):
		out.Kind = KindFatal
	case containsAny(msg, rateLimitPatterns) && !fatalStatuses[out.StatusCode]:
		out.Kind = KindRateLimited
	case resilience.IsTransientHTTPStatus(out.StatusCode):
		out.Kind = KindTransient
	case fatalStatuses[out.StatusCode]:
		out.Kind = KindFatal
	case resilience.IsTransient(err):
		out.Kind = KindTransient
	case out.StatusCode == 0 && out.RetryAfter > 0:
		// A bare "retry in Ns" with no status is a throttle message.
		out.Kind = KindRateLimited
	}
	return out
}

// IsRetryable reports whether err classifies as transient.
func IsRetryable(providerID string) func(error) bool {
	return func(err error) bool {
		return Classify(providerID, err).Kind == KindTransient
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

var (
	// "retry in 192s", "try again in 20 seconds", "retry after 2 minutes"
	retryUnitPattern = regexp.MustCompile(`(?i)(?:retry|try again)\s+(?:in|after)\s+(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?|m|mins?|minutes?|h|hours?)\b`)
	// "try again in 1m30s", "retry in 1h2m3.5s"
	retryGoDurationPattern = regexp.MustCompile(`(?i)(?:retry|try again)\s+(?:in|after)\s+((?:\d+(?:\.\d+)?(?:ms|h|m|s))+)`)
)

// ParseRetryAfter extracts a retry hint from free text. It returns zero when
// no hint is present.
func ParseRetryAfter(msg string) time.Duration {
	if m := retryGoDurationPattern.FindStringSubmatch(msg); m != nil {
		if d, err := time.ParseDuration(strings.ToLower(m[1])); err == nil && d > 0 {
			return d
		}
	}
	m := retryUnitPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n <= 0 {
		return 0
	}
	unit := strings.ToLower(m[2])
	var base time.Duration
	switch {
	case strings.HasPrefix(unit, "ms"), strings.HasPrefix(unit, "milli"):
		base = time.Millisecond
	case strings.HasPrefix(unit, "s"):
		base = time.Second
	case strings.HasPrefix(unit, "m"):
		base = time.Minute
	case strings.HasPrefix(unit, "h"):
		base = time.Hour
	}
	return time.Duration(n * float64(base))
}

// ParseRetryAfterHeader parses an HTTP Retry-After value, either delta
// seconds or an HTTP date relative to now.
func ParseRetryAfterHeader(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
