package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from SessionStatus
		to   SessionStatus
		want bool
	}{
		{SessionPending, SessionRunning, true},
		{SessionPending, SessionFailed, true},
		{SessionPending, SessionStopped, true},
		{SessionPending, SessionCompleted, false},
		{SessionRunning, SessionCompleted, true},
		{SessionRunning, SessionFailed, true},
		{SessionRunning, SessionStopped, true},
		{SessionRunning, SessionPending, false},
		{SessionCompleted, SessionRunning, false},
		{SessionFailed, SessionCompleted, false},
		{SessionStopped, SessionRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestSessionStatusPrior(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []SessionStatus{SessionPending}, SessionRunning.Prior())
	assert.Equal(t, []SessionStatus{SessionRunning}, SessionCompleted.Prior())
	assert.Equal(t, []SessionStatus{SessionPending, SessionRunning}, SessionStopped.Prior())
	assert.Empty(t, SessionPending.Prior())
}

func TestSessionStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, SessionPending.Terminal())
	assert.False(t, SessionRunning.Terminal())
	assert.True(t, SessionCompleted.Terminal())
	assert.True(t, SessionFailed.Terminal())
	assert.True(t, SessionStopped.Terminal())
}

func TestParseSessionStatus(t *testing.T) {
	t.Parallel()

	st, err := ParseSessionStatus("running")
	require.NoError(t, err)
	assert.Equal(t, SessionRunning, st)

	_, err = ParseSessionStatus("paused")
	assert.Error(t, err)
}

func TestCountersRecord(t *testing.T) {
	t.Parallel()

	var c Counters
	c.Record(PersistCreated)
	c.Record(PersistCreated)
	c.Record(PersistUpdated)
	c.Record(PersistExisting)
	c.Record(PersistError)

	assert.Equal(t, Counters{Found: 5, Created: 2, Updated: 1, Existing: 1, Errors: 1}, c)
	assert.True(t, c.Balanced())

	sum := c.Add(Counters{Found: 1, Errors: 1})
	assert.Equal(t, 6, sum.Found)
	assert.Equal(t, 2, sum.Errors)
	assert.True(t, sum.Balanced())

	assert.False(t, Counters{Found: 2, Created: 1}.Balanced())
}

func TestProcessingStatusTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, ProcessingFetching.CanTransition(ProcessingFetched))
	assert.True(t, ProcessingFetched.CanTransition(ProcessingReconciled))
	assert.True(t, ProcessingFetched.CanTransition(ProcessingError))
	assert.False(t, ProcessingReconciled.CanTransition(ProcessingFetched))
	assert.False(t, ProcessingError.CanTransition(ProcessingReconciled))
	assert.False(t, ProcessingStatus("queued").Valid())
}

func TestLinkStatusTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, LinkNone.CanTransition(LinkProvisional))
	assert.True(t, LinkProvisional.CanTransition(LinkFinal))
	assert.False(t, LinkFinal.CanTransition(LinkProvisional))
	assert.False(t, LinkStatus("maybe").Valid())
}

func TestEnumValidity(t *testing.T) {
	t.Parallel()

	assert.True(t, KindNotice.Valid())
	assert.False(t, Kind("warning").Valid())
	assert.True(t, TierMedium.Valid())
	assert.False(t, Tier("certain").Valid())
	assert.True(t, ResolutionResolved.Valid())
	assert.False(t, ResolutionStatus("rejected").Valid())
	assert.True(t, PersistExisting.Valid())
	assert.False(t, PersistenceStatus("skipped").Valid())
}

func TestCandidateRef(t *testing.T) {
	t.Parallel()

	local := IdentityCandidate{EntityID: "ent-1", Registry: "local"}
	assert.Equal(t, "ent-1", local.Ref())
	assert.False(t, local.External())

	ext := IdentityCandidate{Registry: "companies_house", ExternalID: "01234567"}
	assert.Equal(t, "companies_house:01234567", ext.Ref())
	assert.True(t, ext.External())

	reg, id, ok := ParseCandidateRef(ext.Ref())
	require.True(t, ok)
	assert.Equal(t, "companies_house", reg)
	assert.Equal(t, "01234567", id)

	_, _, ok = ParseCandidateRef("ent-1")
	assert.False(t, ok)
}

func TestReviewCaseCandidate(t *testing.T) {
	t.Parallel()

	rc := &ReviewCase{Candidates: []IdentityCandidate{
		{EntityID: "a", Score: 0.72},
		{Registry: "companies_house", ExternalID: "99", Score: 0.70},
	}}

	c, ok := rc.Candidate("companies_house:99")
	require.True(t, ok)
	assert.InDelta(t, 0.70, c.Score, 1e-9)

	_, ok = rc.Candidate("missing")
	assert.False(t, ok)
}

func TestRecordKeyString(t *testing.T) {
	t.Parallel()

	r := NormalizedRecord{Source: "hse_notices", RecordID: "N-100"}
	assert.Equal(t, "hse_notices/N-100", r.Key().String())
	assert.True(t, Address{}.IsZero())
	assert.False(t, Address{Postcode: "SO31 4NB"}.IsZero())
}
