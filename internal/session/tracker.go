// Package session runs ingestion sessions: one sequential worker per session
// that fetches pages, resolves identities, reconciles records and commits
// counters page by page.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enforcement-cli/internal/events"
	"github.com/sells-group/enforcement-cli/internal/identity"
	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/reconcile"
	"github.com/sells-group/enforcement-cli/internal/source"
	"github.com/sells-group/enforcement-cli/internal/store"
)

// ErrUnknownSession is returned by Wait for sessions this tracker did not
// start.
var ErrUnknownSession = eris.New("session: not running in this process")

// Resolver matches organization names.
type Resolver interface {
	Resolve(ctx context.Context, name string, addr model.Address, snap *identity.Snapshot) (identity.Resolution, error)
}

// Reconciler persists records.
type Reconciler interface {
	Reconcile(ctx context.Context, ref model.StagingRef, rec model.NormalizedRecord, res identity.Resolution) (reconcile.Outcome, error)
}

// Opener builds the adapter for a source config.
type Opener func(cfg source.Config) (source.Adapter, error)

// Progress is the payload of session events.
type Progress struct {
	Status    model.SessionStatus `json:"status"`
	Counters  model.Counters      `json:"counters"`
	Page      int                 `json:"page,omitempty"`
	LastError string              `json:"last_error,omitempty"`
}

// Handle is a session running in this process.
type Handle struct {
	ID     string
	Source string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	status   model.SessionStatus
	err      error
}

func newHandle(id, src string) *Handle {
	return &Handle{
		ID:     id,
		Source: src,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Done is closed when the worker has exited and the final status is stored.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the final status. It is only meaningful after Done.
func (h *Handle) Status() model.SessionStatus { return h.status }

// Err returns the error that ended the session, if any. It is only
// meaningful after Done.
func (h *Handle) Err() error { return h.err }

func (h *Handle) requestStop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) stopRequested() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithOpener replaces source.Open.
func WithOpener(fn Opener) Option {
	return func(t *Tracker) { t.open = fn }
}

// WithSourceOptions passes options to source.Open.
func WithSourceOptions(opts ...source.Option) Option {
	return func(t *Tracker) {
		t.open = func(cfg source.Config) (source.Adapter, error) {
			return source.Open(cfg, opts...)
		}
	}
}

// Tracker starts, stops and reports on sessions.
type Tracker struct {
	store      store.Store
	resolver   Resolver
	reconciler Reconciler
	pub        events.Publisher
	open       Opener
	log        *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Handle
}

// NewTracker creates a Tracker. pub may be nil.
func NewTracker(st store.Store, resolver Resolver, reconciler Reconciler, pub events.Publisher, opts ...Option) *Tracker {
	if pub == nil {
		pub = events.Nop{}
	}
	t := &Tracker{
		store:      st,
		resolver:   resolver,
		reconciler: reconciler,
		pub:        pub,
		open:       func(cfg source.Config) (source.Adapter, error) { return source.Open(cfg) },
		log:        zap.L().With(zap.String("component", "session")),
		sessions:   make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start creates a session for src over rng and runs it in its own
// goroutine. A configuration error is recorded as a failed session that
// never ran and is returned alongside its id. The worker outlives ctx's
// cancellation; use Stop to end it.
func (t *Tracker) Start(ctx context.Context, src source.Config, rng model.RangeParams) (*Handle, error) {
	src = src.WithDefaults()
	sess := &model.Session{
		Source:   src.Name,
		Strategy: src.Strategy,
		Range:    rng,
		Status:   model.SessionPending,
	}
	if err := t.store.CreateSession(ctx, sess); err != nil {
		return nil, eris.Wrapf(err, "session: create for %s", src.Name)
	}

	adapter, err := t.open(src)
	if err != nil {
		if uerr := t.store.UpdateSessionStatus(ctx, sess.ID, model.SessionFailed, err.Error()); uerr != nil {
			t.log.Warn("session: failed to record configuration failure", zap.String("session_id", sess.ID), zap.Error(uerr))
		}
		t.publishStatus(ctx, sess.ID, Progress{Status: model.SessionFailed, LastError: err.Error()})
		err = eris.Wrapf(err, "session %s", sess.ID)
		h := newHandle(sess.ID, src.Name)
		h.status, h.err = model.SessionFailed, err
		close(h.done)
		return h, err
	}

	h := newHandle(sess.ID, src.Name)
	t.mu.Lock()
	t.sessions[h.ID] = h
	t.mu.Unlock()

	t.log.Info("session started",
		zap.String("session_id", h.ID),
		zap.String("source", src.Name),
		zap.String("strategy", string(src.Strategy)),
		zap.Int("start_page", rng.StartPage),
		zap.Bool("resumed", rng.StartCursor != ""),
	)
	go t.run(context.WithoutCancel(ctx), h, adapter, rng)
	return h, nil
}

// ResumeRange returns rng positioned after the last committed page of the
// most recent session for src that recorded a cursor. rng is returned
// unchanged when there is nothing to resume.
func (t *Tracker) ResumeRange(ctx context.Context, src string, rng model.RangeParams) (model.RangeParams, error) {
	cursor, page, err := t.store.LastCursor(ctx, src)
	if err != nil {
		return rng, eris.Wrapf(err, "session: last cursor for %s", src)
	}
	if cursor == "" {
		return rng, nil
	}
	rng.StartCursor = cursor
	rng.StartPage = page + 1
	return rng, nil
}

// Stop asks a session to stop at its next page boundary. Sessions running
// in another process are stopped in storage; their worker notices on its
// next commit.
func (t *Tracker) Stop(ctx context.Context, id string) error {
	if h, ok := t.handle(id); ok && !h.finished() {
		h.requestStop()
		t.log.Info("session stop requested", zap.String("session_id", id))
		return nil
	}
	if err := t.store.UpdateSessionStatus(ctx, id, model.SessionStopped, ""); err != nil {
		return eris.Wrapf(err, "session: stop %s", id)
	}
	t.publishStatus(ctx, id, Progress{Status: model.SessionStopped})
	return nil
}

// Status returns the stored session.
func (t *Tracker) Status(ctx context.Context, id string) (*model.Session, error) {
	sess, err := t.store.GetSession(ctx, id)
	return sess, eris.Wrapf(err, "session: status %s", id)
}

// Active lists pending and running sessions across all processes.
func (t *Tracker) Active(ctx context.Context) ([]model.Session, error) {
	sessions, err := t.store.ListSessions(ctx, store.SessionFilter{
		Statuses: []model.SessionStatus{model.SessionPending, model.SessionRunning},
	})
	return sessions, eris.Wrap(err, "session: list active")
}

// Stale lists running sessions whose last update is older than olderThan.
// They are reported only; nothing restarts or fails them.
func (t *Tracker) Stale(ctx context.Context, olderThan time.Duration) ([]model.Session, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	sessions, err := t.store.ListSessions(ctx, store.SessionFilter{
		Statuses:      []model.SessionStatus{model.SessionRunning},
		UpdatedBefore: &cutoff,
	})
	return sessions, eris.Wrap(err, "session: list stale")
}

// Wait blocks until the session ends or ctx is done and returns the error
// that ended it.
func (t *Tracker) Wait(ctx context.Context, id string) error {
	h, ok := t.handle(id)
	if !ok {
		return eris.Wrapf(ErrUnknownSession, "session %s", id)
	}
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the handles of sessions running in this process.
func (t *Tracker) Running() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Handle
	for _, h := range t.sessions {
		if !h.finished() {
			out = append(out, h)
		}
	}
	return out
}

func (t *Tracker) handle(id string) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sessions[id]
	return h, ok
}

// Shutdown stops every running session and waits for them to finish.
func (t *Tracker) Shutdown(ctx context.Context) error {
	handles := t.Running()
	for _, h := range handles {
		h.requestStop()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "session: shutdown")
		}
	}
	return nil
}

func (t *Tracker) run(ctx context.Context, h *Handle, adapter source.Adapter, rng model.RangeParams) {
	log := t.log.With(zap.String("session_id", h.ID), zap.String("source", h.Source))
	w := &worker{t: t, h: h, log: log}

	status, err := w.drive(ctx, adapter, rng)
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
	}

	uerr := t.store.UpdateSessionStatus(ctx, h.ID, status, lastErr)
	switch {
	case errors.Is(uerr, store.ErrTerminal):
		// Stopped from another process.
		status = model.SessionStopped
	case uerr != nil:
		log.Error("session: failed to store final status", zap.String("status", string(status)), zap.Error(uerr))
	}

	h.status, h.err = status, err

	t.publishStatus(ctx, h.ID, Progress{Status: status, Counters: w.total, LastError: lastErr})
	log.Info("session finished",
		zap.String("status", string(status)),
		zap.Int("pages", w.pages),
		zap.Int("found", w.total.Found),
		zap.Int("created", w.total.Created),
		zap.Int("updated", w.total.Updated),
		zap.Int("existing", w.total.Existing),
		zap.Int("errors", w.total.Errors),
		zap.Error(err),
	)
	close(h.done)
}

func (t *Tracker) publishStatus(ctx context.Context, id string, p Progress) {
	t.pub.Publish(ctx, events.Event{Event: events.TopicSessionUpdated, SessionID: id, Data: p})
}
