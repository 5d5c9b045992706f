package kobold

import (
	"fmt"
	"time"
)

// ErrProvider is a failure reported by a model provider. Message carries the
// provider's own description; Classify decides whether it is retryable.
type ErrProvider struct {
	Provider string
	Message  string
}

func (e *ErrProvider) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is an HTTP-level failure from a provider endpoint.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed from the Retry-After header, 0 if absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrNotConfigured indicates the provider for a role has no usable
// configuration (missing key, unknown endpoint). Distinguished from permanent
// provider failures so the scheduler pauses the project instead of failing it.
type ErrNotConfigured struct {
	Provider string
}

func (e *ErrNotConfigured) Error() string {
	return fmt.Sprintf("provider %q is not configured", e.Provider)
}

// ErrConfig is an invalid or missing configuration value. Fatal to the
// operation that hit it; never retried.
type ErrConfig struct {
	Field  string
	Reason string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// ErrPersistence is a disk or serialization failure while saving or loading
// state. Wraps the underlying error.
type ErrPersistence struct {
	Op   string // "save plan", "wal append", ...
	Path string
	Err  error
}

func (e *ErrPersistence) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ErrPersistence) Unwrap() error { return e.Err }

// ErrDeferred is returned by the scheduler when a task cannot be admitted
// yet. Reason names the first admission rule that failed.
type ErrDeferred struct {
	Reason string
}

func (e *ErrDeferred) Error() string {
	return "task deferred: " + e.Reason
}
