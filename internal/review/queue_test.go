package review

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/enforcement-cli/internal/events"
	"github.com/sells-group/enforcement-cli/internal/identity"
	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/reconcile"
	"github.com/sells-group/enforcement-cli/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	st  *store.SQLiteStore
	rec *reconcile.Reconciler
	q   *Queue
	bus *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	bus := events.NewBus(16)
	rec := reconcile.New(st, nil)
	q := NewQueue(st, rec, bus)
	rec.SetReviewQueue(q)
	return &fixture{st: st, rec: rec, q: q, bus: bus}
}

var oysterCandidates = []model.IdentityCandidate{
	{Registry: "companies_house", ExternalID: "01111111", Name: "OYSTER YACHTS SALES LIMITED", Score: 0.81},
	{Registry: "companies_house", ExternalID: "02222222", Name: "OYSTER YACHTS MARINE LIMITED", Score: 0.79},
	{Registry: "companies_house", ExternalID: "03333333", Name: "OYSTER YACHTS HOLDINGS LIMITED", Score: 0.75},
}

func oysterRecord() model.NormalizedRecord {
	return model.NormalizedRecord{
		Source:           "hse_notices",
		RecordID:         "N-100",
		Kind:             model.KindNotice,
		OrganizationName: "Oyster Yachts Limited",
		Address:          model.Address{Town: "Ipswich", Postcode: "IP1 1AA"},
		FineAmount:       decimal.NewFromInt(500),
	}
}

// reconcileMedium runs an ambiguous record through the reconciler and
// returns the case it enqueued.
func reconcileMedium(t *testing.T, f *fixture) *model.ReviewCase {
	t.Helper()
	out, err := f.rec.Reconcile(context.Background(),
		model.StagingRef{SessionID: "sess-1", SourceRecordID: "N-100", Page: 1},
		oysterRecord(),
		identity.Resolution{Tier: model.TierMedium, NormalizedName: "oyster yachts", Candidates: oysterCandidates},
	)
	require.NoError(t, err)
	require.NotNil(t, out.ReviewCase)
	return out.ReviewCase
}

func TestEnqueue_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := model.StagingRef{SessionID: "sess-1", SourceRecordID: "N-100", Page: 1}
	key := model.RecordKey{Source: "hse_notices", RecordID: "N-100"}

	a, err := f.q.Enqueue(ctx, ref, key, "Oyster Yachts Limited", oysterCandidates)
	require.NoError(t, err)
	b, err := f.q.Enqueue(ctx, ref, key, "Oyster Yachts Limited", oysterCandidates[:2])
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, b.Candidates, 2)

	cases, err := f.q.List(ctx, model.ResolutionPending, 0)
	require.NoError(t, err)
	assert.Len(t, cases, 1)
}

func TestEnqueue_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := model.RecordKey{Source: "hse_notices", RecordID: "N-100"}

	_, err := f.q.Enqueue(ctx, model.StagingRef{}, key, "x", oysterCandidates)
	assert.Error(t, err)
	_, err = f.q.Enqueue(ctx, model.StagingRef{SessionID: "s", SourceRecordID: "N-100"}, key, "x", nil)
	assert.Error(t, err)
}

func TestResolve_Candidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe(events.Topic(events.KindOrganization, events.ActionUpdated))
	defer sub.Close()

	rc := reconcileMedium(t, f)
	require.Len(t, rc.Candidates, 3)

	ent, err := f.q.Resolve(ctx, rc.ID, "companies_house:02222222")
	require.NoError(t, err)
	assert.Equal(t, "02222222", ent.RegistryID)
	assert.Equal(t, 1, ent.RecordCount)
	assert.True(t, ent.TotalFines.Equal(decimal.NewFromInt(500)))

	rec, err := f.st.GetRecord(ctx, model.RecordKey{Source: "hse_notices", RecordID: "N-100"})
	require.NoError(t, err)
	assert.Equal(t, model.LinkFinal, rec.LinkStatus)
	assert.Equal(t, ent.ID, rec.EntityID)

	got, err := f.q.Get(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionResolved, got.Status)
	assert.Equal(t, ent.ID, got.ResolvedEntityID)
	assert.NotNil(t, got.ResolvedAt)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "organization:updated", ev.Event)
		assert.Equal(t, ent.ID, ev.EntityRef)
		assert.Equal(t, "sess-1", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("no organization:updated event")
	}
}

func TestResolve_NewEntity(t *testing.T) {
	f := newFixture(t)
	rc := reconcileMedium(t, f)

	ent, err := f.q.Resolve(context.Background(), rc.ID, NewEntityRef)
	require.NoError(t, err)
	assert.Equal(t, "oyster yachts", ent.NormalizedName)
	assert.Empty(t, ent.RegistryID)
}

func TestResolve_UnknownCandidate(t *testing.T) {
	f := newFixture(t)
	rc := reconcileMedium(t, f)

	_, err := f.q.Resolve(context.Background(), rc.ID, "companies_house:99999999")
	assert.True(t, errors.Is(err, ErrUnknownCandidate))

	got, err := f.q.Get(context.Background(), rc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionPending, got.Status)
}

func TestResolve_AlreadyResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rc := reconcileMedium(t, f)

	first, err := f.q.Resolve(ctx, rc.ID, "companies_house:01111111")
	require.NoError(t, err)

	_, err = f.q.Resolve(ctx, rc.ID, "companies_house:03333333")
	assert.True(t, errors.Is(err, ErrResolved))

	got, err := f.q.Get(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ResolvedEntityID)
}

func TestResolve_UnknownCase(t *testing.T) {
	f := newFixture(t)
	_, err := f.q.Resolve(context.Background(), "missing", NewEntityRef)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestList_StatusFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rc := reconcileMedium(t, f)
	_, err := f.q.Resolve(ctx, rc.ID, NewEntityRef)
	require.NoError(t, err)

	pending, err := f.q.List(ctx, model.ResolutionPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := f.q.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.q.List(ctx, "bogus", 10)
	assert.Error(t, err)
}
