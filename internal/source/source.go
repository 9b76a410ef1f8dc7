// Package source fetches enforcement records from regulator sources and
// normalizes them into a uniform paged stream.
package source

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/enforcement-cli/internal/fetcher"
	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/resilience"
	"github.com/sells-group/enforcement-cli/pkg/notion"
)

// Adapter is one configured source.
type Adapter interface {
	Name() string
	// Stream opens a lazy stream over rng. Nothing is fetched until the
	// first call to Next.
	Stream(ctx context.Context, rng model.RangeParams) (Stream, error)
	// ValidateConnection performs a cheap authenticated request.
	ValidateConnection(ctx context.Context) error
	// TotalCount returns the number of records in rng, or ErrUnavailable.
	TotalCount(ctx context.Context, rng model.RangeParams) (int, error)
}

// Stream yields pages in order. Next returns io.EOF once the source is
// exhausted. At most one page is held at a time.
type Stream interface {
	Next(ctx context.Context) (*Page, error)
}

// ItemFailure is an item on a page that could not be fetched or mapped.
type ItemFailure struct {
	SourceRecordID string
	Err            error
}

// Page is one page or batch of a stream.
type Page struct {
	Number     int
	Records    []model.NormalizedRecord
	Failures   []ItemFailure
	NextCursor string
}

// Size is the number of items the page accounts for.
func (p *Page) Size() int {
	return len(p.Records) + len(p.Failures)
}

// Option configures Open.
type Option func(*options)

type options struct {
	httpClient   *http.Client
	notionClient notion.Client
}

// WithHTTPClient overrides the HTTP client used by REST adapters.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithNotionClient injects the Notion client used by the notion provider.
func WithNotionClient(c notion.Client) Option {
	return func(o *options) { o.notionClient = c }
}

// Open validates cfg and builds the adapter for its strategy. Invalid
// configuration yields a *ConfigurationError.
func Open(cfg Config, opts ...Option) (Adapter, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	switch cfg.Strategy {
	case model.StrategyRangeDetail:
		return newRangeDetailAdapter(cfg, o), nil
	case model.StrategyCursor:
		if cfg.Provider == ProviderNotion {
			return newNotionAdapter(cfg, o), nil
		}
		return newHTTPCursorAdapter(cfg, o), nil
	default:
		return nil, &ConfigurationError{Source: cfg.Name, Field: "strategy", Reason: "must be cursor or range_detail"}
	}
}

func newFetcher(cfg Config, o options, headers map[string]string) *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Name:        cfg.Name,
		Timeout:     cfg.timeout(),
		MinInterval: cfg.rateLimitDelay(),
		Retry:       retryPolicy(cfg),
		Headers:     headers,
		Client:      o.httpClient,
	})
}

func retryPolicy(cfg Config) resilience.RetryConfig {
	rc := resilience.FixedRetryConfig(cfg.RetryAttempts, cfg.retryDelay())
	rc.OnRetry = resilience.RetryLogger(cfg.Name, "fetch page")
	return rc
}

// schemaError marks a 2xx response whose shape is not what the adapter
// expects.
type schemaError struct{ msg string }

func (e *schemaError) Error() string { return "unexpected response schema: " + e.msg }

// classify converts a fetch error into the source error taxonomy.
func classify(ctx context.Context, name string, page int, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var de *fetcher.DecodeError
	var se *schemaError
	if errors.As(err, &de) || errors.As(err, &se) {
		return &UnrecoverableSourceError{Source: name, Page: page, Err: err}
	}
	return &PageFetchFailedError{Source: name, Page: page, Transient: resilience.IsTransient(err), Err: err}
}

// item is one raw entry of a cursor page.
type item struct {
	id     string
	fields map[string]any
}

// fetchPageFunc fetches the page at cursor and returns its items and the
// cursor of the following page ("" at the end).
type fetchPageFunc func(ctx context.Context, cursor string) ([]item, string, error)

// cursorStream drives a cursor-paginated source, applying page bounds and
// max_records.
type cursorStream struct {
	name     string
	mapper   mapper
	fetch    fetchPageFunc
	rng      model.RangeParams
	limit    int
	cursor   string
	page     int
	emitted  int
	finished bool
	log      *zap.Logger
}

func newCursorStream(cfg Config, rng model.RangeParams, fetch fetchPageFunc) *cursorStream {
	s := &cursorStream{
		name:   cfg.Name,
		mapper: newMapper(cfg),
		fetch:  fetch,
		rng:    rng,
		limit:  cfg.MaxRecords,
		cursor: rng.StartCursor,
		log:    zap.L().With(zap.String("component", "source"), zap.String("source", cfg.Name)),
	}
	// A resumed stream starts at the recorded cursor, so pages before
	// StartPage are not refetched.
	if rng.StartCursor != "" && rng.StartPage > 1 {
		s.page = rng.StartPage - 1
	}
	return s
}

func (s *cursorStream) Next(ctx context.Context) (*Page, error) {
	for {
		if s.finished {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.page++
		items, next, err := s.fetch(ctx, s.cursor)
		if err != nil {
			// The cursor cannot advance past a failed page.
			s.finished = true
			return nil, classify(ctx, s.name, s.page, err)
		}
		s.cursor = next
		if next == "" || (s.rng.EndPage > 0 && s.page >= s.rng.EndPage) {
			s.finished = true
		}

		if s.page < s.rng.StartPage {
			s.log.Debug("skipping page before start", zap.Int("page", s.page))
			continue
		}

		p := &Page{Number: s.page, NextCursor: next}
		for _, it := range items {
			if s.limit > 0 && s.emitted >= s.limit {
				s.finished = true
				break
			}
			s.emitted++
			rec, err := s.mapper.mapRecord(it.id, it.fields)
			if err != nil {
				p.Failures = append(p.Failures, ItemFailure{SourceRecordID: it.id, Err: err})
				continue
			}
			p.Records = append(p.Records, rec)
		}
		if s.limit > 0 && s.emitted >= s.limit {
			s.finished = true
		}
		return p, nil
	}
}
