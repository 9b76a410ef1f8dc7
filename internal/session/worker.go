package session

import (
	"context"
	"errors"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enforcement-cli/internal/events"
	"github.com/sells-group/enforcement-cli/internal/identity"
	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/source"
	"github.com/sells-group/enforcement-cli/internal/store"
)

// errStoppedElsewhere ends a worker whose session was made terminal by
// another process.
var errStoppedElsewhere = eris.New("session: stopped outside this worker")

// worker is the sequential loop of one session.
type worker struct {
	t     *Tracker
	h     *Handle
	log   *zap.Logger
	snap  *identity.Snapshot
	total model.Counters
	pages int
}

// drive runs the session to a terminal status. The returned error is the
// cause of a failed session; stopped and completed sessions return nil.
func (w *worker) drive(ctx context.Context, adapter source.Adapter, rng model.RangeParams) (model.SessionStatus, error) {
	if w.h.stopRequested() {
		return model.SessionStopped, nil
	}
	if err := w.t.store.UpdateSessionStatus(ctx, w.h.ID, model.SessionRunning, ""); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return model.SessionStopped, nil
		}
		return model.SessionFailed, eris.Wrap(err, "session: mark running")
	}
	w.t.publishStatus(ctx, w.h.ID, Progress{Status: model.SessionRunning})

	entities, err := w.t.store.ListEntities(ctx)
	if err != nil {
		return model.SessionFailed, eris.Wrap(err, "session: load entities")
	}
	w.snap = identity.NewSnapshot(entities)

	stream, err := adapter.Stream(ctx, rng)
	if err != nil {
		return model.SessionFailed, eris.Wrap(err, "session: open stream")
	}

	for {
		if w.h.stopRequested() {
			return model.SessionStopped, nil
		}

		page, err := stream.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return model.SessionCompleted, nil
		case err != nil:
			if ctx.Err() != nil {
				return model.SessionStopped, nil
			}
			var pf *source.PageFetchFailedError
			if !errors.As(err, &pf) {
				// Unrecoverable source errors and anything unclassified.
				return model.SessionFailed, err
			}
			w.log.Warn("page fetch failed", zap.Int("page", pf.Page), zap.Bool("transient", pf.Transient), zap.Error(err))
			if err := w.commitFailedPage(ctx, pf); err != nil {
				return w.commitError(err)
			}
			continue
		}

		entry := w.processPage(ctx, page)
		if err := w.commit(ctx, entry); err != nil {
			return w.commitError(err)
		}
	}
}

func (w *worker) commitError(err error) (model.SessionStatus, error) {
	if errors.Is(err, errStoppedElsewhere) {
		return model.SessionStopped, nil
	}
	return model.SessionFailed, err
}

// processPage persists every record of page and returns the log entry to
// commit. Item failures never abort the page.
func (w *worker) processPage(ctx context.Context, page *source.Page) *model.ProcessingLogEntry {
	entry := &model.ProcessingLogEntry{
		SessionID:  w.h.ID,
		Page:       page.Number,
		NextCursor: page.NextCursor,
	}

	for _, f := range page.Failures {
		it := newItem(model.StagingRef{SessionID: w.h.ID, SourceRecordID: f.SourceRecordID, Page: page.Number})
		w.itemFailed(ctx, entry, it, "", f.Err)
	}

	for _, rec := range page.Records {
		it := newItem(model.StagingRef{SessionID: w.h.ID, SourceRecordID: rec.RecordID, Page: page.Number})
		w.stage(ctx, it, model.ProcessingFetched, model.PersistPending, "")

		res, err := w.t.resolver.Resolve(ctx, rec.OrganizationName, rec.Address, w.snap)
		if err != nil {
			w.itemFailed(ctx, entry, it, rec.OrganizationName, err)
			continue
		}
		out, err := w.t.reconciler.Reconcile(ctx, it.StagingRef, rec, res)
		if err != nil {
			w.itemFailed(ctx, entry, it, rec.OrganizationName, err)
			continue
		}
		if out.Entity != nil {
			w.snap.Put(*out.Entity)
		}

		w.stage(ctx, it, model.ProcessingReconciled, out.Result, "")
		entry.Counts.Record(out.Result)
		entry.Summaries = append(entry.Summaries, model.RecordSummary{
			RecordID:         rec.RecordID,
			OrganizationName: rec.OrganizationName,
			Outcome:          out.Result,
			Tier:             string(res.Tier),
		})
		w.publishRecord(ctx, rec, out.Result, out.EntityID)
		if out.EntityCreated && out.Entity != nil {
			w.t.pub.Publish(ctx, events.Event{
				Event:     events.Topic(events.KindOrganization, events.ActionCreated),
				SessionID: w.h.ID,
				EntityRef: out.Entity.ID,
				Data:      out.Entity,
			})
		}
	}
	return entry
}

func (w *worker) itemFailed(ctx context.Context, entry *model.ProcessingLogEntry, it *item, org string, err error) {
	recordID := it.SourceRecordID
	w.log.Warn("record failed",
		zap.Int("page", it.Page),
		zap.String("record_id", recordID),
		zap.Error(err),
	)
	w.stage(ctx, it, model.ProcessingError, model.PersistError, err.Error())
	entry.Counts.Record(model.PersistError)
	entry.Errors = append(entry.Errors, recordID+": "+err.Error())
	entry.Summaries = append(entry.Summaries, model.RecordSummary{
		RecordID:         recordID,
		OrganizationName: org,
		Outcome:          model.PersistError,
	})
}

// item is one page entry on its way through the processing states. Items
// start in fetching, which is never written.
type item struct {
	model.StagingRef
	status model.ProcessingStatus
}

func newItem(ref model.StagingRef) *item {
	return &item{StagingRef: ref, status: model.ProcessingFetching}
}

// stage moves it to next and writes the staging row. A move the state
// machine forbids is logged and skipped. Staging is an audit trail; a
// failed write is logged and processing continues. stage reports whether
// the move was accepted.
func (w *worker) stage(ctx context.Context, it *item, next model.ProcessingStatus, persist model.PersistenceStatus, msg string) bool {
	if !it.status.CanTransition(next) {
		w.log.Warn("staging transition rejected",
			zap.String("record_id", it.SourceRecordID),
			zap.String("from", string(it.status)),
			zap.String("to", string(next)),
		)
		return false
	}
	it.status = next
	err := w.t.store.UpsertStaging(ctx, model.StagingRecord{
		StagingRef:        it.StagingRef,
		ProcessingStatus:  next,
		PersistenceStatus: persist,
		Error:             msg,
	})
	if err != nil {
		w.log.Warn("staging write failed", zap.String("record_id", it.SourceRecordID), zap.Error(err))
	}
	return true
}

// commitFailedPage records a page that could not be fetched as one error.
func (w *worker) commitFailedPage(ctx context.Context, pf *source.PageFetchFailedError) error {
	entry := &model.ProcessingLogEntry{
		SessionID: w.h.ID,
		Page:      pf.Page,
		Errors:    []string{pf.Error()},
	}
	entry.Counts.Record(model.PersistError)
	return w.commit(ctx, entry)
}

// commit stores the page counters and log entry together, then publishes
// progress.
func (w *worker) commit(ctx context.Context, entry *model.ProcessingLogEntry) error {
	if err := w.t.store.CommitBatch(ctx, entry); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			w.log.Info("session became terminal, stopping", zap.Int("page", entry.Page))
			return errStoppedElsewhere
		}
		return eris.Wrapf(err, "session: commit page %d", entry.Page)
	}
	w.total = w.total.Add(entry.Counts)
	w.pages++

	w.t.pub.Publish(ctx, events.Event{Event: events.TopicPageCommitted, SessionID: w.h.ID, Data: entry})
	w.t.publishStatus(ctx, w.h.ID, Progress{Status: model.SessionRunning, Counters: w.total, Page: entry.Page})
	w.log.Debug("page committed",
		zap.Int("page", entry.Page),
		zap.Int("found", entry.Counts.Found),
		zap.Int("errors", entry.Counts.Errors),
	)
	return nil
}

func (w *worker) publishRecord(ctx context.Context, rec model.NormalizedRecord, result model.PersistenceStatus, entityID string) {
	var action string
	switch result {
	case model.PersistCreated:
		action = events.ActionCreated
	case model.PersistUpdated:
		action = events.ActionUpdated
	default:
		return
	}
	w.t.pub.Publish(ctx, events.Event{
		Event:     events.Topic(string(rec.Kind), action),
		SessionID: w.h.ID,
		EntityRef: rec.Key().String(),
		Data: map[string]any{
			"record":    rec,
			"entity_id": entityID,
		},
	})
}
