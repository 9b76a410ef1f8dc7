package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/enforcement-cli/internal/resilience"
)

// maxErrorBody bounds how much of an error response is kept for logging.
const maxErrorBody = 512

// HTTPOptions configures an HTTPFetcher. One fetcher serves one source, so
// its limiter enforces that source's minimum spacing between requests.
type HTTPOptions struct {
	Name      string
	UserAgent string

	// Timeout bounds each individual request. Default: 30s.
	Timeout time.Duration

	// MinInterval is the minimum delay between outbound requests,
	// independent of any retry delay. Zero disables limiting.
	MinInterval time.Duration

	Retry   resilience.RetryConfig
	Headers map[string]string

	// Client overrides the default HTTP client.
	Client *http.Client
}

// HTTPFetcher implements Fetcher over net/http.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewHTTPFetcher creates an HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "enforcement-cli/1.0"
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger(opts.Name, "http get")
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}

	return &HTTPFetcher{
		client:  client,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		log:     zap.L().With(zap.String("component", "fetcher"), zap.String("source", opts.Name)),
	}
}

// GetJSON implements Fetcher. Transient failures are retried per the
// configured policy; the last error is returned once attempts run out.
func (f *HTTPFetcher) GetJSON(ctx context.Context, rawURL string, query url.Values, out any) error {
	target, err := withQuery(rawURL, query)
	if err != nil {
		return err
	}
	return resilience.Do(ctx, f.opts.Retry, func(ctx context.Context) error {
		return f.getOnce(ctx, target, out)
	})
}

func (f *HTTPFetcher) getOnce(ctx context.Context, target string, out any) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "fetcher: rate limiter wait")
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range f.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Timeouts of this request are transient even if the caller's
		// context is still live.
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return resilience.NewTransientError(eris.Wrapf(err, "fetcher: request timed out after %s", f.opts.Timeout), 0)
		}
		return eris.Wrap(err, "fetcher: do request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{StatusCode: resp.StatusCode, URL: target, Body: strings.TrimSpace(string(body))}
		f.log.Debug("non-2xx response", zap.Int("status", resp.StatusCode), zap.String("url", target))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(se, resp.StatusCode)
		}
		return se
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return resilience.NewTransientError(eris.Wrap(err, "fetcher: body read timed out"), 0)
		}
		return &DecodeError{URL: target, Err: err}
	}
	return nil
}

func withQuery(rawURL string, query url.Values) (string, error) {
	if len(query) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: parse url %s", rawURL)
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
