package source

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enforcement-cli/internal/fetcher"
	"github.com/sells-group/enforcement-cli/internal/model"
)

const rangeDateLayout = "2006-01-02"

// RangeDetailAdapter fetches the complete summary set for a date range in
// one request, then enriches each summary with a detail request. Records
// are emitted in batches of page_size.
type RangeDetailAdapter struct {
	cfg   Config
	fetch fetcher.Fetcher
}

type summaryResponse struct {
	Results *[]map[string]any `json:"results"`
}

func newRangeDetailAdapter(cfg Config, o options) *RangeDetailAdapter {
	var headers map[string]string
	if cfg.Credentials != "" {
		headers = map[string]string{"Authorization": "Bearer " + cfg.Credentials}
	}
	return &RangeDetailAdapter{cfg: cfg, fetch: newFetcher(cfg, o, headers)}
}

// Name implements Adapter.
func (a *RangeDetailAdapter) Name() string { return a.cfg.Name }

// Stream implements Adapter.
func (a *RangeDetailAdapter) Stream(_ context.Context, rng model.RangeParams) (Stream, error) {
	return &rangeStream{
		adapter: a,
		mapper:  newMapper(a.cfg),
		rng:     rng,
		log:     zap.L().With(zap.String("component", "source"), zap.String("source", a.cfg.Name)),
	}, nil
}

// ValidateConnection fetches the summary listing for an empty range.
func (a *RangeDetailAdapter) ValidateConnection(ctx context.Context) error {
	var resp summaryResponse
	if err := a.fetch.GetJSON(ctx, a.cfg.Endpoint, url.Values{"limit": {"1"}}, &resp); err != nil {
		return &ConnectionError{Source: a.cfg.Name, Err: err}
	}
	return nil
}

// TotalCount returns the number of summaries in rng.
func (a *RangeDetailAdapter) TotalCount(ctx context.Context, rng model.RangeParams) (int, error) {
	summaries, err := a.summaries(ctx, rng)
	if err != nil {
		return 0, err
	}
	return len(summaries), nil
}

func (a *RangeDetailAdapter) summaries(ctx context.Context, rng model.RangeParams) ([]map[string]any, error) {
	q := url.Values{}
	if rng.StartDate != nil {
		q.Set("from", rng.StartDate.Format(rangeDateLayout))
	}
	if rng.EndDate != nil {
		q.Set("to", rng.EndDate.Format(rangeDateLayout))
	}

	var resp summaryResponse
	if err := a.fetch.GetJSON(ctx, a.cfg.Endpoint, q, &resp); err != nil {
		return nil, eris.Wrapf(err, "source: fetch %s summaries", a.cfg.Name)
	}
	if resp.Results == nil {
		return nil, &schemaError{msg: "missing results"}
	}
	return *resp.Results, nil
}

func (a *RangeDetailAdapter) detail(ctx context.Context, id string) (map[string]any, error) {
	target := strings.TrimRight(a.cfg.DetailEndpoint, "/") + "/" + url.PathEscape(id)
	var out map[string]any
	if err := a.fetch.GetJSON(ctx, target, nil, &out); err != nil {
		return nil, eris.Wrapf(err, "source: fetch %s detail %s", a.cfg.Name, id)
	}
	if out == nil {
		return nil, &schemaError{msg: "empty detail for " + id}
	}
	return out, nil
}

type rangeStream struct {
	adapter   *RangeDetailAdapter
	mapper    mapper
	rng       model.RangeParams
	summaries []map[string]any
	loaded    bool
	offset    int
	page      int
	finished  bool
	log       *zap.Logger
}

func (s *rangeStream) Next(ctx context.Context) (*Page, error) {
	if s.finished {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := s.adapter.cfg
	if !s.loaded {
		summaries, err := s.adapter.summaries(ctx, s.rng)
		if err != nil {
			s.finished = true
			return nil, classify(ctx, cfg.Name, 1, err)
		}
		if cfg.MaxRecords > 0 && len(summaries) > cfg.MaxRecords {
			summaries = summaries[:cfg.MaxRecords]
		}
		s.summaries = summaries
		s.loaded = true
		s.log.Info("summaries fetched", zap.Int("count", len(summaries)))

		// Skip whole batches before StartPage without fetching details.
		if s.rng.StartPage > 1 {
			s.page = s.rng.StartPage - 1
			s.offset = min(s.page*cfg.PageSize, len(summaries))
		}
	}

	if s.offset >= len(s.summaries) {
		s.finished = true
		return nil, io.EOF
	}

	s.page++
	end := min(s.offset+cfg.PageSize, len(s.summaries))
	batch := s.summaries[s.offset:end]
	s.offset = end
	if s.offset >= len(s.summaries) || (s.rng.EndPage > 0 && s.page >= s.rng.EndPage) {
		s.finished = true
	}

	p := &Page{Number: s.page}
	for _, summary := range batch {
		id := strings.TrimSpace(stringify(summary[s.mapper.key(FieldRecordID)]))
		if id == "" {
			s.finished = true
			return nil, &UnrecoverableSourceError{Source: cfg.Name, Page: s.page, Err: &schemaError{msg: "summary without record id"}}
		}

		detail, err := s.adapter.detail(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			classified := classify(ctx, cfg.Name, s.page, err)
			if _, fatal := classified.(*UnrecoverableSourceError); fatal {
				s.finished = true
				return nil, classified
			}
			s.log.Warn("detail fetch failed", zap.String("record_id", id), zap.Error(err))
			p.Failures = append(p.Failures, ItemFailure{SourceRecordID: id, Err: classified})
			continue
		}

		merged := make(map[string]any, len(summary)+len(detail))
		for k, v := range summary {
			merged[k] = v
		}
		for k, v := range detail {
			merged[k] = v
		}
		rec, err := s.mapper.mapRecord(id, merged)
		if err != nil {
			p.Failures = append(p.Failures, ItemFailure{SourceRecordID: id, Err: err})
			continue
		}
		p.Records = append(p.Records, rec)
	}
	return p, nil
}
