// Package fetcher performs rate-limited, retried JSON requests against
// regulator and registry APIs.
package fetcher

import (
	"context"
	"fmt"
	"net/url"
)

// Fetcher retrieves and decodes JSON resources.
type Fetcher interface {
	// GetJSON issues a GET for rawURL with query appended and decodes the
	// body into out.
	GetJSON(ctx context.Context, rawURL string, query url.Values, out any) error
}

// StatusError is returned for non-2xx responses. Retryable statuses are
// additionally wrapped in a resilience.TransientError.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("http %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// DecodeError is returned when a 2xx body is not the expected JSON.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode response from %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
