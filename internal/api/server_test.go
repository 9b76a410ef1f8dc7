package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/enforcement-cli/internal/events"
	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/review"
	"github.com/sells-group/enforcement-cli/internal/session"
	"github.com/sells-group/enforcement-cli/internal/source"
	"github.com/sells-group/enforcement-cli/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeSessions struct {
	sessions  map[string]*model.Session
	started   []model.RangeParams
	startErr  error
	stopErr   error
	resumeRng model.RangeParams
}

func (f *fakeSessions) Start(_ context.Context, src source.Config, rng model.RangeParams) (*session.Handle, error) {
	f.started = append(f.started, rng)
	if f.startErr != nil {
		return &session.Handle{ID: "sess-bad", Source: src.Name}, f.startErr
	}
	f.sessions["sess-new"] = &model.Session{ID: "sess-new", Source: src.Name, Status: model.SessionPending, Range: rng}
	return &session.Handle{ID: "sess-new", Source: src.Name}, nil
}

func (f *fakeSessions) ResumeRange(_ context.Context, _ string, rng model.RangeParams) (model.RangeParams, error) {
	rng.StartCursor, rng.StartPage = f.resumeRng.StartCursor, f.resumeRng.StartPage
	return rng, nil
}

func (f *fakeSessions) Stop(_ context.Context, id string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	if _, ok := f.sessions[id]; !ok {
		return eris.Wrapf(store.ErrNotFound, "session %s", id)
	}
	return nil
}

func (f *fakeSessions) Status(_ context.Context, id string) (*model.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "session %s", id)
	}
	return s, nil
}

func (f *fakeSessions) Active(context.Context) ([]model.Session, error) {
	var out []model.Session
	for _, s := range f.sessions {
		if !s.Status.Terminal() {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessions) Stale(context.Context, time.Duration) ([]model.Session, error) {
	return nil, nil
}

type fakeReviews struct {
	cases map[string]*model.ReviewCase
}

func (f *fakeReviews) List(_ context.Context, status model.ResolutionStatus, _ int) ([]model.ReviewCase, error) {
	var out []model.ReviewCase
	for _, rc := range f.cases {
		if status == "" || rc.Status == status {
			out = append(out, *rc)
		}
	}
	return out, nil
}

func (f *fakeReviews) Get(_ context.Context, id string) (*model.ReviewCase, error) {
	rc, ok := f.cases[id]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "review case %s", id)
	}
	return rc, nil
}

func (f *fakeReviews) Resolve(_ context.Context, id, ref string) (*model.CanonicalEntity, error) {
	rc, ok := f.cases[id]
	switch {
	case !ok:
		return nil, eris.Wrapf(store.ErrNotFound, "review case %s", id)
	case rc.Status == model.ResolutionResolved:
		return nil, eris.Wrapf(review.ErrResolved, "case %s", id)
	}
	if _, ok := rc.Candidate(ref); !ok && ref != review.NewEntityRef {
		return nil, eris.Wrapf(review.ErrUnknownCandidate, "case %s", id)
	}
	rc.Status = model.ResolutionResolved
	return &model.CanonicalEntity{ID: "ent-1", Name: rc.OrganizationName, RecordCount: 1}, nil
}

type fakeRecords struct {
	log map[string][]model.ProcessingLogEntry
}

func (f *fakeRecords) ListSessions(context.Context, store.SessionFilter) ([]model.Session, error) {
	return []model.Session{{ID: "sess-1"}}, nil
}

func (f *fakeRecords) ListProcessingLog(_ context.Context, id string) ([]model.ProcessingLogEntry, error) {
	return f.log[id], nil
}

type testEnv struct {
	sessions *fakeSessions
	reviews  *fakeReviews
	bus      *events.Bus
	handler  http.Handler
}

func newTestEnv() *testEnv {
	env := &testEnv{
		sessions: &fakeSessions{sessions: map[string]*model.Session{
			"sess-1": {ID: "sess-1", Source: "hse_notices", Status: model.SessionRunning},
			"sess-2": {ID: "sess-2", Source: "hse_notices", Status: model.SessionCompleted},
		}},
		reviews: &fakeReviews{cases: map[string]*model.ReviewCase{
			"rc-1": {
				ID:               "rc-1",
				OrganizationName: "Oyster Yachts Limited",
				Status:           model.ResolutionPending,
				Candidates: []model.IdentityCandidate{
					{Registry: "companies_house", ExternalID: "01", Name: "OYSTER YACHTS SALES LIMITED", Score: 0.8},
				},
			},
		}},
		bus: events.NewBus(16),
	}
	srv := New(Deps{
		Sessions: env.sessions,
		Reviews:  env.reviews,
		Records: &fakeRecords{log: map[string][]model.ProcessingLogEntry{
			"sess-1": {{ID: 1, SessionID: "sess-1", Page: 1, Counts: model.Counters{Found: 2, Created: 2}}},
		}},
		Bus:     env.bus,
		Sources: []source.Config{{Name: "hse_notices", Strategy: model.StrategyCursor}},
	})
	env.handler = srv.Handler()
	return env
}

func (env *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	rr := newTestEnv().do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestStartSession(t *testing.T) {
	env := newTestEnv()
	rr := env.do(http.MethodPost, "/sessions", map[string]any{
		"source": "hse_notices", "start_page": 2, "end_page": 4, "start_date": "2024-01-01",
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var sess model.Session
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sess))
	assert.Equal(t, "sess-new", sess.ID)

	require.Len(t, env.sessions.started, 1)
	rng := env.sessions.started[0]
	assert.Equal(t, 2, rng.StartPage)
	assert.Equal(t, 4, rng.EndPage)
	require.NotNil(t, rng.StartDate)
	assert.Equal(t, "2024-01-01", rng.StartDate.Format(time.DateOnly))
}

func TestStartSession_Resume(t *testing.T) {
	env := newTestEnv()
	env.sessions.resumeRng = model.RangeParams{StartCursor: "itr9", StartPage: 5}
	rr := env.do(http.MethodPost, "/sessions", map[string]any{"source": "hse_notices", "resume": true})
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "itr9", env.sessions.started[0].StartCursor)
	assert.Equal(t, 5, env.sessions.started[0].StartPage)
}

func TestStartSession_Errors(t *testing.T) {
	env := newTestEnv()

	rr := env.do(http.MethodPost, "/sessions", map[string]any{"source": "nope"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(http.MethodPost, "/sessions", map[string]any{"source": "hse_notices", "start_date": "01/02/2024"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.sessions.startErr = &source.ConfigurationError{Source: "hse_notices", Field: "endpoint", Reason: "required"}
	rr = env.do(http.MethodPost, "/sessions", map[string]any{"source": "hse_notices"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "sess-bad")
}

func TestGetSession(t *testing.T) {
	env := newTestEnv()
	rr := env.do(http.MethodGet, "/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"running"`)

	rr = env.do(http.MethodGet, "/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListSessions(t *testing.T) {
	env := newTestEnv()

	rr := env.do(http.MethodGet, "/sessions?active=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var active []model.Session
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, "sess-1", active[0].ID)

	rr = env.do(http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "sess-1")

	rr = env.do(http.MethodGet, "/sessions?stale=10m", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	rr = env.do(http.MethodGet, "/sessions?stale=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStopSession(t *testing.T) {
	env := newTestEnv()
	rr := env.do(http.MethodDelete, "/sessions/sess-1", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = env.do(http.MethodDelete, "/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	env.sessions.stopErr = eris.Wrap(store.ErrTerminal, "session sess-2 is completed")
	rr = env.do(http.MethodDelete, "/sessions/sess-2", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestSessionLog(t *testing.T) {
	env := newTestEnv()
	rr := env.do(http.MethodGet, "/sessions/sess-1/log", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var entries []model.ProcessingLogEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Counts.Created)

	rr = env.do(http.MethodGet, "/sessions/sess-2/log", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	rr = env.do(http.MethodGet, "/sessions/missing/log", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReviews(t *testing.T) {
	env := newTestEnv()

	rr := env.do(http.MethodGet, "/reviews?status=pending", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "rc-1")

	rr = env.do(http.MethodGet, "/reviews?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(http.MethodGet, "/reviews/rc-1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(http.MethodGet, "/reviews/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestResolveReview(t *testing.T) {
	env := newTestEnv()

	rr := env.do(http.MethodPost, "/reviews/rc-1/resolve", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(http.MethodPost, "/reviews/rc-1/resolve", map[string]string{"candidate_ref": "companies_house:99"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(http.MethodPost, "/reviews/rc-1/resolve", map[string]string{"candidate_ref": "companies_house:01"})
	require.Equal(t, http.StatusOK, rr.Code)
	var ent model.CanonicalEntity
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ent))
	assert.Equal(t, "ent-1", ent.ID)

	rr = env.do(http.MethodPost, "/reviews/rc-1/resolve", map[string]string{"candidate_ref": "new"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(http.MethodPost, "/reviews/missing/resolve", map[string]string{"candidate_ref": "new"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv()
	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "http://admin.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestEvents_Stream(t *testing.T) {
	env := newTestEnv()
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?topic=session:updated", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	env.bus.Publish(ctx, events.Event{Event: "notice:created", SessionID: "sess-1"})
	env.bus.Publish(ctx, events.Event{Event: events.TopicSessionUpdated, SessionID: "sess-1"})

	var got []string
	for len(got) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			got = append(got, line)
		}
	}
	assert.Equal(t, "event: session:updated", got[0])
	assert.True(t, strings.HasPrefix(got[1], "data: "))

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(got[1], "data: ")), &ev))
	assert.Equal(t, "sess-1", ev.SessionID)
}

func TestEvents_NoBus(t *testing.T) {
	srv := New(Deps{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
