package source

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/resilience"
	"github.com/sells-group/enforcement-cli/pkg/notion"
)

// NotionAdapter reads a Notion database as a cursor source. Table holds the
// database id.
type NotionAdapter struct {
	cfg    Config
	client notion.Client
}

func newNotionAdapter(cfg Config, o options) *NotionAdapter {
	client := o.notionClient
	if client == nil {
		client = notion.NewClient(cfg.Credentials, notion.WithMinInterval(cfg.rateLimitDelay()))
	}
	return &NotionAdapter{cfg: cfg, client: client}
}

// Name implements Adapter.
func (a *NotionAdapter) Name() string { return a.cfg.Name }

// Stream implements Adapter.
func (a *NotionAdapter) Stream(_ context.Context, rng model.RangeParams) (Stream, error) {
	return newCursorStream(a.cfg, rng, a.fetchPage), nil
}

// ValidateConnection retrieves the database metadata.
func (a *NotionAdapter) ValidateConnection(ctx context.Context) error {
	_, err := a.call(ctx, func(ctx context.Context) (*notionapi.DatabaseQueryResponse, error) {
		_, err := a.client.GetDatabase(ctx, a.cfg.Table)
		return nil, err
	})
	if err != nil {
		return &ConnectionError{Source: a.cfg.Name, Err: err}
	}
	return nil
}

// TotalCount implements Adapter. Notion does not report totals.
func (a *NotionAdapter) TotalCount(context.Context, model.RangeParams) (int, error) {
	return 0, ErrUnavailable
}

func (a *NotionAdapter) request(cursor string) *notionapi.DatabaseQueryRequest {
	req := &notionapi.DatabaseQueryRequest{
		PageSize:    a.cfg.PageSize,
		StartCursor: notionapi.Cursor(cursor),
	}
	for _, s := range a.cfg.Sort {
		dir := notionapi.SortOrderASC
		if strings.EqualFold(s.Direction, "desc") {
			dir = notionapi.SortOrderDESC
		}
		req.Sorts = append(req.Sorts, notionapi.SortObject{Property: s.Field, Direction: dir})
	}
	return req
}

func (a *NotionAdapter) fetchPage(ctx context.Context, cursor string) ([]item, string, error) {
	resp, err := a.call(ctx, func(ctx context.Context) (*notionapi.DatabaseQueryResponse, error) {
		return a.client.QueryDatabase(ctx, a.cfg.Table, a.request(cursor))
	})
	if err != nil {
		return nil, "", err
	}
	if resp == nil {
		return nil, "", &schemaError{msg: "empty query response"}
	}

	wanted := make(map[string]bool, len(a.cfg.Fields))
	for _, f := range a.cfg.Fields {
		wanted[f] = true
	}

	items := make([]item, 0, len(resp.Results))
	for _, page := range resp.Results {
		fields := notion.Fields(page)
		if len(wanted) > 0 {
			for k := range fields {
				if !wanted[k] {
					delete(fields, k)
				}
			}
		}
		items = append(items, item{id: string(page.ID), fields: fields})
	}

	next := ""
	if resp.HasMore {
		next = string(resp.NextCursor)
		if next == "" {
			return nil, "", &schemaError{msg: "has_more without next_cursor"}
		}
	}
	return items, next, nil
}

// call runs fn with the per-request timeout under the source retry policy.
// Retryable Notion API statuses are marked transient.
func (a *NotionAdapter) call(ctx context.Context, fn func(context.Context) (*notionapi.DatabaseQueryResponse, error)) (*notionapi.DatabaseQueryResponse, error) {
	return resilience.DoVal(ctx, retryPolicy(a.cfg), func(ctx context.Context) (*notionapi.DatabaseQueryResponse, error) {
		reqCtx, cancel := context.WithTimeout(ctx, a.cfg.timeout())
		defer cancel()

		resp, err := fn(reqCtx)
		if err == nil {
			return resp, nil
		}
		if code := notion.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(err, code)
		}
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "notion: request timed out"), 0)
		}
		return nil, err
	})
}
