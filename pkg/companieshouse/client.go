// Package companieshouse is a minimal client for the Companies House public
// data API company search.
package companieshouse

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.company-information.service.gov.uk"

// Client searches the Companies House register.
type Client interface {
	SearchCompanies(ctx context.Context, query string, limit int) ([]Company, error)
}

// Company is one search result.
type Company struct {
	Number  string  `json:"company_number"`
	Title   string  `json:"title"`
	Status  string  `json:"company_status"`
	Type    string  `json:"company_type"`
	Address Address `json:"address"`
}

// Address is the registered office address of a search result.
type Address struct {
	Premises   string `json:"premises"`
	Line1      string `json:"address_line_1"`
	Line2      string `json:"address_line_2"`
	Locality   string `json:"locality"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type searchResponse struct {
	Items        []Company `json:"items"`
	TotalResults int       `json:"total_results"`
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "companieshouse: unexpected status " + strconv.Itoa(e.StatusCode) + ": " + e.Body
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithMinInterval spaces requests at least d apart. The API allows 600
// requests per five minutes per key.
func WithMinInterval(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.limiter = rate.NewLimiter(rate.Every(d), 1)
		} else {
			c.limiter = nil
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client that authenticates with apiKey. Requests are
// throttled to two per second unless overridden.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SearchCompanies(ctx context.Context, query string, limit int) ([]Company, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "companieshouse: rate limit")
		}
	}

	q := url.Values{}
	q.Set("q", query)
	if limit > 0 {
		q.Set("items_per_page", strconv.Itoa(limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search/companies?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "companieshouse: create request")
	}
	// The API key is the basic auth username with an empty password.
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "companieshouse: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "companieshouse: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "companieshouse: unmarshal response")
	}
	return result.Items, nil
}
