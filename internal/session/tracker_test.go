package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
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
	"github.com/sells-group/enforcement-cli/internal/review"
	"github.com/sells-group/enforcement-cli/internal/source"
	"github.com/sells-group/enforcement-cli/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakePage is one step of a scripted stream.
type fakePage struct {
	page *source.Page
	err  error
}

type fakeAdapter struct {
	name  string
	pages []fakePage

	mu      sync.Mutex
	fetched int
	// onNext runs after page n (1-based) is handed out.
	onNext func(n int)
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Stream(context.Context, model.RangeParams) (source.Stream, error) {
	return &fakeStream{a: a}, nil
}

func (a *fakeAdapter) ValidateConnection(context.Context) error { return nil }

func (a *fakeAdapter) TotalCount(context.Context, model.RangeParams) (int, error) {
	return 0, source.ErrUnavailable
}

func (a *fakeAdapter) Fetched() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetched
}

type fakeStream struct {
	a *fakeAdapter
	i int
}

func (s *fakeStream) Next(ctx context.Context) (*source.Page, error) {
	if s.i >= len(s.a.pages) {
		return nil, io.EOF
	}
	p := s.a.pages[s.i]
	s.i++
	s.a.mu.Lock()
	s.a.fetched++
	s.a.mu.Unlock()
	if s.a.onNext != nil {
		s.a.onNext(s.i)
	}
	return p.page, p.err
}

type fakeRegistry struct{ hits []identity.RegistryHit }

func (fakeRegistry) Name() string { return identity.RegistryCompaniesHouse }

func (r fakeRegistry) Search(context.Context, string) ([]identity.RegistryHit, error) {
	return r.hits, nil
}

func record(id, org string) model.NormalizedRecord {
	return model.NormalizedRecord{
		Source:           "hse_notices",
		RecordID:         id,
		Kind:             model.KindNotice,
		OrganizationName: org,
		Regulator:        "HSE",
		FineAmount:       decimal.NewFromInt(100),
	}
}

// pages builds n pages of size distinct records.
func pages(n, size int) []fakePage {
	out := make([]fakePage, 0, n)
	for p := 1; p <= n; p++ {
		page := &source.Page{Number: p, NextCursor: fmt.Sprintf("cursor-%d", p+1)}
		if p == n {
			page.NextCursor = ""
		}
		for i := 0; i < size; i++ {
			id := fmt.Sprintf("N-%02d-%02d", p, i)
			page.Records = append(page.Records, record(id, fmt.Sprintf("Operator %s Ltd", id)))
		}
		out = append(out, fakePage{page: page})
	}
	return out
}

type harness struct {
	st      *store.SQLiteStore
	tracker *Tracker
	queue   *review.Queue
	bus     *events.Bus
	adapter *fakeAdapter
}

func newHarness(t *testing.T, adapter *fakeAdapter, resolverOpts ...identity.Option) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	resolver, err := identity.New(identity.DefaultConfig(), resolverOpts...)
	require.NoError(t, err)

	bus := events.NewBus(1024)
	rec := reconcile.New(st, nil)
	queue := review.NewQueue(st, rec, bus)
	rec.SetReviewQueue(queue)

	h := &harness{st: st, queue: queue, bus: bus, adapter: adapter}
	h.tracker = NewTracker(st, resolver, rec, bus, WithOpener(func(source.Config) (source.Adapter, error) {
		return h.adapter, nil
	}))
	return h
}

func srcConfig() source.Config {
	return source.Config{Name: "hse_notices", Strategy: model.StrategyCursor, Endpoint: "https://example.test/notices"}
}

func runToEnd(t *testing.T, h *harness) (*Handle, *model.Session) {
	t.Helper()
	ctx := context.Background()
	handle, err := h.tracker.Start(ctx, srcConfig(), model.RangeParams{})
	require.NoError(t, err)

	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
	sess, err := h.tracker.Status(ctx, handle.ID)
	require.NoError(t, err)
	return handle, sess
}

func TestTracker_ScenarioA_AllCreated(t *testing.T) {
	h := newHarness(t, &fakeAdapter{name: "hse_notices", pages: pages(3, 20)})
	handle, sess := runToEnd(t, h)

	assert.NoError(t, handle.Err())
	assert.Equal(t, model.SessionCompleted, sess.Status)
	assert.Equal(t, model.Counters{Found: 60, Created: 60}, sess.Counters)
	assert.True(t, sess.Counters.Balanced())
	assert.NotNil(t, sess.StartedAt)
	assert.NotNil(t, sess.FinishedAt)

	log, err := h.st.ListProcessingLog(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	for i, entry := range log {
		assert.Equal(t, i+1, entry.Page)
		assert.Len(t, entry.Summaries, 20)
		assert.True(t, entry.Counts.Balanced())
	}
	assert.Equal(t, "cursor-2", log[0].NextCursor)
}

func TestTracker_ScenarioB_Reprocess(t *testing.T) {
	h := newHarness(t, &fakeAdapter{name: "hse_notices", pages: pages(3, 20)})
	_, first := runToEnd(t, h)
	require.Equal(t, 60, first.Counters.Created)

	h.adapter = &fakeAdapter{name: "hse_notices", pages: pages(3, 20)}
	_, second := runToEnd(t, h)
	assert.Equal(t, model.SessionCompleted, second.Status)
	assert.Equal(t, model.Counters{Found: 60, Existing: 60}, second.Counters)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestTracker_ScenarioC_CompaniesHouseAmbiguous(t *testing.T) {
	page := &source.Page{Number: 1, Records: []model.NormalizedRecord{record("N-1", "Oyster Yachts Limited")}}
	reg := fakeRegistry{hits: []identity.RegistryHit{
		{ID: "01111111", Name: "OYSTER YACHTS SALES LIMITED"},
		{ID: "02222222", Name: "OYSTER YACHTS MARINE LIMITED"},
		{ID: "03333333", Name: "OYSTER YACHTS HOLDINGS LIMITED"},
	}}
	h := newHarness(t, &fakeAdapter{name: "hse_notices", pages: []fakePage{{page: page}}}, identity.WithRegistry(reg, nil))

	_, sess := runToEnd(t, h)
	assert.Equal(t, model.SessionCompleted, sess.Status)
	assert.Equal(t, model.Counters{Found: 1, Created: 1}, sess.Counters)

	cases, err := h.queue.List(context.Background(), model.ResolutionPending, 0)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Len(t, cases[0].Candidates, 3)
	assert.Equal(t, sess.ID, cases[0].StagingRef.SessionID)

	rec, err := h.st.GetRecord(context.Background(), model.RecordKey{Source: "hse_notices", RecordID: "N-1"})
	require.NoError(t, err)
	assert.Equal(t, model.LinkNone, rec.LinkStatus)

	ents, err := h.st.ListEntities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestTracker_StopAfterPageTwo(t *testing.T) {
	adapter := &fakeAdapter{name: "hse_notices", pages: pages(5, 10)}
	h := newHarness(t, adapter)
	adapter.onNext = func(n int) {
		if n == 2 {
			for _, running := range h.tracker.Running() {
				assert.NoError(t, h.tracker.Stop(context.Background(), running.ID))
			}
		}
	}

	handle, sess := runToEnd(t, h)
	assert.NoError(t, handle.Err())
	assert.Equal(t, model.SessionStopped, handle.Status())
	assert.Equal(t, model.SessionStopped, sess.Status)
	assert.Equal(t, 2, adapter.Fetched())
	assert.Equal(t, model.Counters{Found: 20, Created: 20}, sess.Counters)

	log, err := h.st.ListProcessingLog(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, log, 2)

	// Terminal sessions stay terminal.
	err = h.tracker.Stop(context.Background(), sess.ID)
	assert.True(t, errors.Is(err, store.ErrTerminal))
}

func TestTracker_StoppedInStorage(t *testing.T) {
	adapter := &fakeAdapter{name: "hse_notices", pages: pages(4, 5)}
	h := newHarness(t, adapter)
	adapter.onNext = func(n int) {
		if n == 2 {
			for _, running := range h.tracker.Running() {
				assert.NoError(t, h.st.UpdateSessionStatus(context.Background(), running.ID, model.SessionStopped, ""))
			}
		}
	}

	handle, sess := runToEnd(t, h)
	assert.Equal(t, model.SessionStopped, handle.Status())
	assert.Equal(t, model.SessionStopped, sess.Status)
	assert.Equal(t, 2, adapter.Fetched())
	// Page 2 records were persisted but its counters were not committed.
	assert.Equal(t, model.Counters{Found: 5, Created: 5}, sess.Counters)
}

func TestTracker_PageFetchFailedContinues(t *testing.T) {
	ps := pages(3, 4)
	ps[1] = fakePage{err: &source.PageFetchFailedError{Source: "hse_notices", Page: 2, Transient: true, Err: errors.New("503")}}
	h := newHarness(t, &fakeAdapter{name: "hse_notices", pages: ps})

	_, sess := runToEnd(t, h)
	assert.Equal(t, model.SessionCompleted, sess.Status)
	assert.Equal(t, model.Counters{Found: 9, Created: 8, Errors: 1}, sess.Counters)
	assert.True(t, sess.Counters.Balanced())

	log, err := h.st.ListProcessingLog(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, 2, log[1].Page)
	require.Len(t, log[1].Errors, 1)
	assert.Contains(t, log[1].Errors[0], "page 2")
}

func TestTracker_UnrecoverableFails(t *testing.T) {
	ps := pages(3, 4)
	ps[1] = fakePage{err: &source.UnrecoverableSourceError{Source: "hse_notices", Page: 2, Err: errors.New("records is not an array")}}
	h := newHarness(t, &fakeAdapter{name: "hse_notices", pages: ps})

	handle, sess := runToEnd(t, h)
	var ue *source.UnrecoverableSourceError
	assert.True(t, errors.As(handle.Err(), &ue))
	assert.Equal(t, model.SessionFailed, sess.Status)
	assert.Contains(t, sess.LastError, "unrecoverable")
	assert.Equal(t, model.Counters{Found: 4, Created: 4}, sess.Counters)
}

func TestTracker_ItemFailuresCounted(t *testing.T) {
	page := &source.Page{
		Number:   1,
		Records:  []model.NormalizedRecord{record("N-1", "Good Co Ltd"), record("N-2", "   ")},
		Failures: []source.ItemFailure{{SourceRecordID: "N-3", Err: errors.New("detail 404")}},
	}
	h := newHarness(t, &fakeAdapter{name: "hse_notices", pages: []fakePage{{page: page}}})

	_, sess := runToEnd(t, h)
	assert.Equal(t, model.SessionCompleted, sess.Status)
	assert.Equal(t, model.Counters{Found: 3, Created: 1, Errors: 2}, sess.Counters)

	staged, err := h.st.ListStaging(context.Background(), sess.ID)
	require.NoError(t, err)
	byID := map[string]model.StagingRecord{}
	for _, s := range staged {
		byID[s.SourceRecordID] = s
	}
	assert.Equal(t, model.ProcessingReconciled, byID["N-1"].ProcessingStatus)
	assert.Equal(t, model.PersistCreated, byID["N-1"].PersistenceStatus)
	assert.Equal(t, model.ProcessingError, byID["N-2"].ProcessingStatus)
	assert.Equal(t, model.ProcessingError, byID["N-3"].ProcessingStatus)
	assert.Equal(t, "detail 404", byID["N-3"].Error)
}

func TestWorker_StageFollowsProcessingStates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sess := &model.Session{Source: "hse_notices", Strategy: model.StrategyCursor}
	require.NoError(t, h.st.CreateSession(ctx, sess))

	w := &worker{t: h.tracker, log: zap.NewNop()}
	it := newItem(model.StagingRef{SessionID: sess.ID, SourceRecordID: "N-1", Page: 1})
	assert.Equal(t, model.ProcessingFetching, it.status)

	// fetching cannot jump straight to reconciled.
	assert.False(t, w.stage(ctx, it, model.ProcessingReconciled, model.PersistCreated, ""))
	assert.True(t, w.stage(ctx, it, model.ProcessingFetched, model.PersistPending, ""))
	assert.True(t, w.stage(ctx, it, model.ProcessingReconciled, model.PersistCreated, ""))
	// A reconciled item is final.
	assert.False(t, w.stage(ctx, it, model.ProcessingError, model.PersistError, "late failure"))

	staged, err := h.st.ListStaging(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, model.ProcessingReconciled, staged[0].ProcessingStatus)
	assert.Equal(t, model.PersistCreated, staged[0].PersistenceStatus)
	assert.Empty(t, staged[0].Error)
}

func TestTracker_ConfigurationError(t *testing.T) {
	h := newHarness(t, nil)
	h.tracker.open = func(source.Config) (source.Adapter, error) {
		return nil, &source.ConfigurationError{Source: "hse_notices", Field: "endpoint", Reason: "required"}
	}

	handle, err := h.tracker.Start(context.Background(), srcConfig(), model.RangeParams{})
	var ce *source.ConfigurationError
	require.True(t, errors.As(err, &ce))
	require.NotNil(t, handle)

	// The handle is already finished so callers selecting on Done do not block.
	select {
	case <-handle.Done():
	default:
		t.Fatal("handle of a failed start is not done")
	}
	assert.Equal(t, model.SessionFailed, handle.Status())
	assert.True(t, errors.As(handle.Err(), &ce))
	assert.NotPanics(t, handle.requestStop)

	sess, err := h.tracker.Status(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, sess.Status)
	assert.Nil(t, sess.StartedAt)
	assert.Contains(t, sess.LastError, "endpoint")
}

func TestTracker_Events(t *testing.T) {
	h := newHarness(t, &fakeAdapter{name: "hse_notices", pages: pages(2, 3)})
	sub := h.bus.Subscribe(events.TopicSessionUpdated, "notice:created", "organization:created")
	defer sub.Close()

	handle, _ := runToEnd(t, h)

	var statuses []model.SessionStatus
	created, orgs := 0, 0
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-sub.Events():
			switch ev.Event {
			case events.TopicSessionUpdated:
				p := ev.Data.(Progress)
				statuses = append(statuses, p.Status)
				if p.Status.Terminal() {
					done = true
				}
			case "notice:created":
				created++
			case "organization:created":
				orgs++
			}
			assert.Equal(t, handle.ID, ev.SessionID)
		case <-timeout:
			t.Fatal("timed out waiting for terminal event")
		}
	}
	assert.Equal(t, 6, created)
	assert.Positive(t, orgs)
	require.NotEmpty(t, statuses)
	assert.Equal(t, model.SessionRunning, statuses[0])
	assert.Equal(t, model.SessionCompleted, statuses[len(statuses)-1])
}

func TestTracker_ActiveAndWait(t *testing.T) {
	release := make(chan struct{})
	adapter := &fakeAdapter{name: "hse_notices", pages: pages(2, 2)}
	adapter.onNext = func(n int) {
		if n == 1 {
			<-release
		}
	}
	h := newHarness(t, adapter)
	ctx := context.Background()

	handle, err := h.tracker.Start(ctx, srcConfig(), model.RangeParams{})
	require.NoError(t, err)

	active, err := h.tracker.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, handle.ID, active[0].ID)

	close(release)
	require.NoError(t, h.tracker.Wait(ctx, handle.ID))

	active, err = h.tracker.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	err = h.tracker.Wait(ctx, "unknown")
	assert.True(t, errors.Is(err, ErrUnknownSession))
}

func TestTracker_ResumeRange(t *testing.T) {
	adapter := &fakeAdapter{name: "hse_notices", pages: pages(3, 2)}
	h := newHarness(t, adapter)
	adapter.onNext = func(n int) {
		if n == 2 {
			for _, running := range h.tracker.Running() {
				assert.NoError(t, h.tracker.Stop(context.Background(), running.ID))
			}
		}
	}
	runToEnd(t, h)

	rng, err := h.tracker.ResumeRange(context.Background(), "hse_notices", model.RangeParams{EndPage: 9})
	require.NoError(t, err)
	assert.Equal(t, "cursor-3", rng.StartCursor)
	assert.Equal(t, 3, rng.StartPage)
	assert.Equal(t, 9, rng.EndPage)

	fresh, err := h.tracker.ResumeRange(context.Background(), "other_source", model.RangeParams{})
	require.NoError(t, err)
	assert.Empty(t, fresh.StartCursor)
}

func TestTracker_Stale(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sess := &model.Session{Source: "hse_notices", Strategy: model.StrategyCursor}
	require.NoError(t, h.st.CreateSession(ctx, sess))
	require.NoError(t, h.st.UpdateSessionStatus(ctx, sess.ID, model.SessionRunning, ""))

	stale, err := h.tracker.Stale(ctx, -time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, sess.ID, stale[0].ID)

	stale, err = h.tracker.Stale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestTracker_Shutdown(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	adapter := &fakeAdapter{name: "hse_notices", pages: pages(3, 2)}
	adapter.onNext = func(n int) {
		if n == 1 {
			close(entered)
			<-release
		}
	}
	h := newHarness(t, adapter)

	handle, err := h.tracker.Start(context.Background(), srcConfig(), model.RangeParams{})
	require.NoError(t, err)
	<-entered

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.tracker.Shutdown(ctx))
	assert.Equal(t, model.SessionStopped, handle.Status())
	assert.Equal(t, 1, adapter.Fetched())
}
