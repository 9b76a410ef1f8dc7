// Package review holds ambiguous identity matches pending a human decision.
package review

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enforcement-cli/internal/events"
	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/store"
)

// NewEntityRef resolves a case by creating a new entity from the record's
// organization name instead of picking a candidate.
const NewEntityRef = "new"

var (
	// ErrUnknownCandidate is returned when the chosen ref is not one of the
	// case's candidates.
	ErrUnknownCandidate = eris.New("review: candidate not in case")
	// ErrResolved is returned when resolving a case that is already resolved.
	ErrResolved = eris.New("review: case already resolved")
)

// Linker promotes a provisional record link to final.
type Linker interface {
	PromoteLink(ctx context.Context, key model.RecordKey, chosen model.IdentityCandidate) (*model.CanonicalEntity, error)
}

// Queue stores review cases and applies resolutions.
type Queue struct {
	store  store.Store
	linker Linker
	pub    events.Publisher
	log    *zap.Logger
}

// NewQueue creates a Queue. pub may be nil.
func NewQueue(st store.Store, linker Linker, pub events.Publisher) *Queue {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Queue{
		store:  st,
		linker: linker,
		pub:    pub,
		log:    zap.L().With(zap.String("component", "review")),
	}
}

// Enqueue records a pending case for the staging row ref. Enqueueing the
// same ref again replaces the candidates of the pending case.
func (q *Queue) Enqueue(ctx context.Context, ref model.StagingRef, key model.RecordKey, name string, cands []model.IdentityCandidate) (*model.ReviewCase, error) {
	if ref.SessionID == "" || ref.SourceRecordID == "" {
		return nil, eris.New("review: staging ref incomplete")
	}
	if len(cands) == 0 {
		return nil, eris.Errorf("review: no candidates for %s", key)
	}
	rc, err := q.store.UpsertReviewCase(ctx, &model.ReviewCase{
		StagingRef:       ref,
		RecordKey:        key,
		OrganizationName: name,
		Candidates:       cands,
		Status:           model.ResolutionPending,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "review: enqueue %s", key)
	}
	q.log.Info("review case enqueued",
		zap.String("case_id", rc.ID),
		zap.String("record", key.String()),
		zap.Int("candidates", len(rc.Candidates)),
	)
	return rc, nil
}

// Resolve applies the reviewer's choice: chosenRef is a candidate ref of
// the case or NewEntityRef. The record link becomes final and the case is
// marked resolved.
func (q *Queue) Resolve(ctx context.Context, caseID, chosenRef string) (*model.CanonicalEntity, error) {
	rc, err := q.store.GetReviewCase(ctx, caseID)
	if err != nil {
		return nil, eris.Wrapf(err, "review: get case %s", caseID)
	}
	if rc.Status == model.ResolutionResolved {
		return nil, eris.Wrapf(ErrResolved, "case %s", caseID)
	}

	var chosen model.IdentityCandidate
	if chosenRef == NewEntityRef {
		chosen = model.IdentityCandidate{Name: rc.OrganizationName}
	} else {
		c, ok := rc.Candidate(chosenRef)
		if !ok {
			return nil, eris.Wrapf(ErrUnknownCandidate, "case %s ref %q", caseID, chosenRef)
		}
		chosen = c
	}

	ent, err := q.linker.PromoteLink(ctx, rc.RecordKey, chosen)
	if err != nil {
		return nil, eris.Wrapf(err, "review: promote case %s", caseID)
	}
	if err := q.store.MarkReviewResolved(ctx, caseID, ent.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, eris.Wrapf(ErrResolved, "case %s", caseID)
		}
		return nil, eris.Wrapf(err, "review: mark case %s resolved", caseID)
	}

	q.pub.Publish(ctx, events.Event{
		Event:     events.Topic(events.KindOrganization, events.ActionUpdated),
		SessionID: rc.StagingRef.SessionID,
		EntityRef: ent.ID,
		Data: map[string]any{
			"review_case_id": caseID,
			"record":         rc.RecordKey.String(),
			"chosen_ref":     chosenRef,
			"record_count":   ent.RecordCount,
		},
	})
	q.log.Info("review case resolved",
		zap.String("case_id", caseID),
		zap.String("entity_id", ent.ID),
	)
	return ent, nil
}

// List returns cases with the given status; empty status lists all.
func (q *Queue) List(ctx context.Context, status model.ResolutionStatus, limit int) ([]model.ReviewCase, error) {
	if status != "" && !status.Valid() {
		return nil, eris.Errorf("review: unknown status %q", status)
	}
	cases, err := q.store.ListReviewCases(ctx, store.ReviewFilter{Status: status, Limit: limit})
	return cases, eris.Wrap(err, "review: list")
}

// Get returns one case.
func (q *Queue) Get(ctx context.Context, id string) (*model.ReviewCase, error) {
	rc, err := q.store.GetReviewCase(ctx, id)
	return rc, eris.Wrapf(err, "review: get case %s", id)
}
