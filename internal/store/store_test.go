package store

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func TestComputeStats(t *testing.T) {
	st := computeStats([]statRow{
		{fine: decimal.NewFromInt(100), costs: decimal.NewFromInt(10), date: date("2023-01-01")},
		{fine: decimal.RequireFromString("0.50"), costs: decimal.Zero},
		{fine: decimal.Zero, costs: decimal.NewFromInt(5), date: date("2024-02-02")},
	})
	assert.Equal(t, 3, st.RecordCount)
	assert.True(t, st.TotalFines.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, st.TotalCosts.Equal(decimal.NewFromInt(15)))
	require.NotNil(t, st.LastActionDate)
	assert.Equal(t, "2024-02-02", st.LastActionDate.Format(dateLayout))
}

func TestComputeStats_Empty(t *testing.T) {
	st := computeStats(nil)
	assert.Zero(t, st.RecordCount)
	assert.True(t, st.TotalFines.IsZero())
	assert.Nil(t, st.LastActionDate)
}

func TestLimitOrDefault(t *testing.T) {
	assert.Equal(t, 100, limitOrDefault(0))
	assert.Equal(t, 100, limitOrDefault(-3))
	assert.Equal(t, 7, limitOrDefault(7))
}
