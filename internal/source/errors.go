package source

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrUnavailable is returned by TotalCount when the source cannot report a
// total cheaply.
var ErrUnavailable = eris.New("source: total count unavailable")

// ConfigurationError reports missing or invalid adapter configuration. A
// session that hits it never enters running.
type ConfigurationError struct {
	Source string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("source %s: invalid %s: %s", e.Source, e.Field, e.Reason)
}

// ConnectionError is returned by ValidateConnection.
type ConnectionError struct {
	Source string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("source %s: connection check failed: %v", e.Source, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PageFetchFailedError reports a page or batch that could not be fetched.
// Transient is true when retries were exhausted on transient failures and
// false when a non-retryable error halted the stream. Either way the session
// counts one error and keeps going; the stream decides whether more pages
// follow.
type PageFetchFailedError struct {
	Source    string
	Page      int
	Transient bool
	Err       error
}

func (e *PageFetchFailedError) Error() string {
	kind := "halted"
	if e.Transient {
		kind = "retries exhausted"
	}
	return fmt.Sprintf("source %s: page %d fetch failed (%s): %v", e.Source, e.Page, kind, e.Err)
}

func (e *PageFetchFailedError) Unwrap() error { return e.Err }

// UnrecoverableSourceError is fatal to a session, e.g. a response that does
// not match the expected schema.
type UnrecoverableSourceError struct {
	Source string
	Page   int
	Err    error
}

func (e *UnrecoverableSourceError) Error() string {
	return fmt.Sprintf("source %s: unrecoverable error on page %d: %v", e.Source, e.Page, e.Err)
}

func (e *UnrecoverableSourceError) Unwrap() error { return e.Err }
