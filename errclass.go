package kobold

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass is the retryability classification of a failure.
type ErrorClass int

const (
	// ErrorUnknown means the message gave no signal either way.
	ErrorUnknown ErrorClass = iota
	// ErrorTransient means the failure is expected to clear on its own
	// (rate limits, timeouts, upstream overload). Safe to retry.
	ErrorTransient
	// ErrorPermanent means retrying the same request will fail the same way.
	ErrorPermanent
)

// String returns the class name.
func (c ErrorClass) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// transientPatterns are matched first; a message that matches both lists is
// classified transient.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"connection closed",
	"network",
	"socket",
	"temporarily unavailable",
	"service unavailable",
	"rate limit",
	"overloaded",
	"quota exceeded",
	"try again later",
	"throttled",
	"429",
	"500",
	"502",
	"503",
	"504",
}

var permanentPatterns = []string{
	"unauthorized",
	"invalid api key",
	"forbidden",
	"content policy",
	"syntax error",
	"invalid json",
	"schema violation",
	"model not found",
	"not found",
	"400",
	"401",
	"403",
	"404",
}

// Classify categorizes a failure message as transient, permanent, or unknown.
// Matching is case-insensitive substring search; transient patterns win when
// both lists match. An empty message is unknown. A message that matches
// neither list is permanent — retrying an unrecognized failure forever is
// worse than surfacing it.
func Classify(message string) ErrorClass {
	if message == "" {
		return ErrorUnknown
	}
	lower := strings.ToLower(message)
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return ErrorTransient
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return ErrorPermanent
		}
	}
	return ErrorPermanent
}

// ClassifyError categorizes a Go error. Typed errors short-circuit the
// message scan: HTTP 429/5xx are transient, 4xx permanent, a deadline expiry
// transient (the request may succeed on a calmer retry). Everything else
// falls back to Classify on the error text.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		switch httpErr.Status {
		case 429, 500, 502, 503, 504:
			return ErrorTransient
		case 400, 401, 403, 404:
			return ErrorPermanent
		}
	}
	var notConf *ErrNotConfigured
	if errors.As(err, &notConf) {
		return ErrorPermanent
	}
	return Classify(err.Error())
}

// IsTransient reports whether the message classifies as transient.
func IsTransient(message string) bool {
	return Classify(message) == ErrorTransient
}

// IsPermanent reports whether the message classifies as permanent.
func IsPermanent(message string) bool {
	return Classify(message) == ErrorPermanent
}
