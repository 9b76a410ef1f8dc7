package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/source"
	"github.com/sells-group/enforcement-cli/internal/store"
)

func newRangeCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test"}
	c.Flags().Int("start-page", 0, "")
	c.Flags().Int("end-page", 0, "")
	c.Flags().String("start-date", "", "")
	c.Flags().String("end-date", "", "")
	require.NoError(t, c.Flags().Parse(args))
	return c
}

func TestRangeFromFlags(t *testing.T) {
	rng, err := rangeFromFlags(newRangeCmd(t, "--start-page", "2", "--end-page", "5", "--start-date", "2024-01-01", "--end-date", "2024-03-31"))
	require.NoError(t, err)
	assert.Equal(t, 2, rng.StartPage)
	assert.Equal(t, 5, rng.EndPage)
	require.NotNil(t, rng.StartDate)
	require.NotNil(t, rng.EndDate)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *rng.StartDate)
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), *rng.EndDate)

	rng, err = rangeFromFlags(newRangeCmd(t))
	require.NoError(t, err)
	assert.Equal(t, model.RangeParams{}, rng)
}

func TestRangeFromFlags_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		msg  string
	}{
		{"pages reversed", []string{"--start-page", "6", "--end-page", "5"}, "--start-page"},
		{"bad date", []string{"--start-date", "01/02/2024"}, "YYYY-MM-DD"},
		{"dates reversed", []string{"--start-date", "2024-05-01", "--end-date", "2024-04-01"}, "--start-date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rangeFromFlags(newRangeCmd(t, tt.args...))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLookupSources(t *testing.T) {
	cfg = testConfig(t)

	srcs, err := lookupSources([]string{"hse"})
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, model.StrategyRangeDetail, srcs[0].Strategy)

	_, err = lookupSources([]string{"hse", "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"missing"`)
}

func TestStartSessions_ConfigurationError(t *testing.T) {
	cfg = testConfig(t)
	env, err := initEnv(context.Background(), "review")
	require.NoError(t, err)
	defer env.Close()

	bad := source.Config{Name: "broken", Strategy: model.StrategyRangeDetail}
	handles, err := startSessions(context.Background(), env.Tracker, []source.Config{bad}, model.RangeParams{}, false)
	require.Error(t, err)
	var ce *source.ConfigurationError
	assert.ErrorAs(t, err, &ce)
	assert.Empty(t, handles)
	assert.NoError(t, waitSessions(handles))

	sessions, err := env.Store.ListSessions(context.Background(), store.SessionFilter{Source: "broken"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.SessionFailed, sessions[0].Status)
	assert.Nil(t, sessions[0].StartedAt)
	assert.NotEmpty(t, sessions[0].LastError)
}

func TestFormatSessionList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	sessions := []model.Session{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			Source:    "hse",
			Status:    model.SessionCompleted,
			Counters:  model.Counters{Found: 60, Created: 58, Existing: 2},
			CreatedAt: now,
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Source:    "airtable",
			Status:    model.SessionRunning,
			CreatedAt: now.Add(-1 * time.Hour),
		},
	}

	var buf bytes.Buffer
	formatSessionList(&buf, sessions)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "SOURCE")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "completed")
	assert.Contains(t, output, "running")
	assert.Contains(t, output, "58")
	assert.Contains(t, output, "2025-06-15 10:30")
}

func TestFormatSessionDetail(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &model.Session{
		ID:         "abc12345",
		Source:     "hse",
		Strategy:   model.StrategyRangeDetail,
		Status:     model.SessionFailed,
		Range:      model.RangeParams{StartDate: &from},
		Counters:   model.Counters{Found: 10, Created: 9, Errors: 1},
		LastError:  "source unavailable",
		CreatedAt:  now,
		StartedAt:  &now,
		FinishedAt: &now,
	}

	var buf bytes.Buffer
	formatSessionDetail(&buf, s)

	output := buf.String()
	assert.Contains(t, output, "hse (range_detail)")
	assert.Contains(t, output, "found=10 created=9 updated=0 existing=0 errors=1")
	assert.Contains(t, output, "dates 2024-01-01..")
	assert.Contains(t, output, "source unavailable")
	assert.Contains(t, output, "Finished:")
}

func TestDescribeRange(t *testing.T) {
	assert.Empty(t, describeRange(model.RangeParams{}))
	assert.Equal(t, "pages 1-5", describeRange(model.RangeParams{EndPage: 5}))
	assert.Equal(t, "pages 3-end, from cursor itrXYZ", describeRange(model.RangeParams{StartPage: 3, StartCursor: "itrXYZ"}))
}

func TestFormatProcessingLog(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	entries := []model.ProcessingLogEntry{
		{Page: 1, Counts: model.Counters{Found: 20, Created: 20}, NextCursor: "cursor-2", CreatedAt: now},
		{Page: 2, Counts: model.Counters{Found: 1, Errors: 1}, Errors: []string{"fetch page 2: timeout"}, CreatedAt: now},
	}

	var buf bytes.Buffer
	formatProcessingLog(&buf, entries)

	output := buf.String()
	assert.Contains(t, output, "PAGE")
	assert.Contains(t, output, "cursor-2")
	assert.Contains(t, output, "page 2: fetch page 2: timeout")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcdefgh", shortID("abcdefgh-1234"))
	assert.Equal(t, "abc", shortID("abc"))
}
