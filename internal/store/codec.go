package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/enforcement-cli/internal/model"
)

const dateLayout = "2006-01-02"

// priorStatusList renders the statuses a session may enter status from as
// a quoted SQL list. An unreachable status renders as NULL, which matches
// nothing.
func priorStatusList(status model.SessionStatus) string {
	prior := status.Prior()
	if len(prior) == 0 {
		return "NULL"
	}
	quoted := make([]string, len(prior))
	for i, p := range prior {
		quoted[i] = "'" + string(p) + "'"
	}
	return strings.Join(quoted, ", ")
}

var terminalStatuses = []any{
	string(model.SessionCompleted),
	string(model.SessionFailed),
	string(model.SessionStopped),
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal json")
	}
	return string(b), nil
}

func fromJSON(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return eris.Wrap(json.Unmarshal([]byte(raw), v), "store: unmarshal json")
}

// dateArg renders an optional date for storage; nil stays NULL.
func dateArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(dateLayout)
}

func parseDateCol(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	raw := s.String
	if len(raw) > len(dateLayout) {
		raw = raw[:len(dateLayout)]
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, eris.Wrapf(err, "store: parse date %q", s.String)
	}
	return &t, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "store: parse amount %q", s)
	}
	return d, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func statusArgs(statuses []model.SessionStatus) []any {
	out := make([]any, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
