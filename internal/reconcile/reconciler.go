// Package reconcile turns normalized records and identity resolutions into
// create, update or existing decisions against storage.
package reconcile

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enforcement-cli/internal/identity"
	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/store"
)

// ReviewQueue receives records whose identity match is ambiguous.
type ReviewQueue interface {
	Enqueue(ctx context.Context, ref model.StagingRef, key model.RecordKey, name string, cands []model.IdentityCandidate) (*model.ReviewCase, error)
}

// Outcome is the result of reconciling one record.
type Outcome struct {
	Result    model.PersistenceStatus
	RecordKey model.RecordKey
	EntityID  string
	Link      model.LinkStatus
	Changes   []FieldChange
	// Entity is the linked entity, if any. EntityCreated is set when this
	// call inserted it.
	Entity        *model.CanonicalEntity
	EntityCreated bool
	ReviewCase    *model.ReviewCase
}

// Reconciler persists records. It holds no per-session state and is safe
// for concurrent use; races between sessions are settled by storage
// uniqueness constraints.
type Reconciler struct {
	store  store.Store
	review ReviewQueue
	log    *zap.Logger
}

// New creates a Reconciler. review may be nil, in which case ambiguous
// records are linked provisionally without a review case.
func New(st store.Store, review ReviewQueue) *Reconciler {
	return &Reconciler{
		store:  st,
		review: review,
		log:    zap.L().With(zap.String("component", "reconcile")),
	}
}

// SetReviewQueue attaches the queue after construction.
func (r *Reconciler) SetReviewQueue(q ReviewQueue) { r.review = q }

// Reconcile persists rec according to res. ref identifies the staging row
// the record came from and keys any review case.
//
// Absent records are inserted: a low tier creates (or finds) the entity and
// links final, exact and high link final to the resolved candidate, and
// medium links provisionally to the best local candidate and enqueues a
// review case. Present records are diffed and updated only when a field
// changed; a present medium record left without a final link or a pending
// case is enqueued again. An insert conflict falls back to the present
// path. Once the insert commits the result is created even if the stats
// refresh or the enqueue that follows it fails.
func (r *Reconciler) Reconcile(ctx context.Context, ref model.StagingRef, rec model.NormalizedRecord, res identity.Resolution) (Outcome, error) {
	key := rec.Key()
	out := Outcome{RecordKey: key}
	if key.Source == "" || key.RecordID == "" {
		return out, eris.Errorf("reconcile: record key incomplete: %q", key.String())
	}

	existing, err := r.store.GetRecord(ctx, key)
	switch {
	case err == nil:
		return r.reconcilePresent(ctx, existing, rec, ref, &res)
	case !errors.Is(err, store.ErrNotFound):
		return out, eris.Wrapf(err, "reconcile: lookup %s", key)
	}

	stored := &model.EnforcementRecord{NormalizedRecord: rec, LinkStatus: model.LinkNone}
	switch res.Tier {
	case model.TierLow:
		ent, created, err := r.findOrCreateEntity(ctx, rec.OrganizationName, res.NormalizedName, rec.Address, "", "")
		if err != nil {
			return out, err
		}
		out.Entity, out.EntityCreated = ent, created
		stored.EntityID, stored.LinkStatus = ent.ID, model.LinkFinal

	case model.TierExact, model.TierHigh:
		best, ok := res.Best()
		if !ok {
			return out, eris.Errorf("reconcile: %s tier without candidates for %s", res.Tier, key)
		}
		ent, created, err := r.entityFor(ctx, best)
		if err != nil {
			return out, err
		}
		out.Entity, out.EntityCreated = ent, created
		stored.EntityID, stored.LinkStatus = ent.ID, model.LinkFinal

	case model.TierMedium:
		if best, ok := res.BestLocal(); ok {
			stored.EntityID, stored.LinkStatus = best.EntityID, model.LinkProvisional
		}

	default:
		return out, eris.Errorf("reconcile: unknown tier %q", res.Tier)
	}

	if err := r.store.InsertRecord(ctx, stored); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return out, eris.Wrapf(err, "reconcile: insert %s", key)
		}
		// Another session inserted the record first.
		r.log.Debug("insert conflict, re-reading", zap.String("record", key.String()))
		winner, gerr := r.store.GetRecord(ctx, key)
		if gerr != nil {
			return out, eris.Wrapf(gerr, "reconcile: re-read %s after conflict", key)
		}
		// The winning session owns the enqueue.
		return r.reconcilePresent(ctx, winner, rec, ref, nil)
	}

	out.Result = model.PersistCreated
	out.EntityID, out.Link = stored.EntityID, stored.LinkStatus

	if stored.LinkStatus == model.LinkFinal {
		if err := r.refreshStats(ctx, out.Entity); err != nil {
			r.log.Warn("stats refresh after insert failed",
				zap.String("record", key.String()),
				zap.Error(err),
			)
		}
	}
	if res.Tier == model.TierMedium && r.review != nil {
		rc, err := r.review.Enqueue(ctx, ref, key, rec.OrganizationName, res.Candidates)
		if err != nil {
			r.log.Warn("enqueue after insert failed, retried on next sight of the record",
				zap.String("record", key.String()),
				zap.Error(err),
			)
			return out, nil
		}
		out.ReviewCase = rc
	}
	return out, nil
}

// reconcilePresent diffs and updates a stored record. When res is set, a
// medium record whose link is not final and that has no pending case is
// enqueued with the fresh candidates.
func (r *Reconciler) reconcilePresent(ctx context.Context, stored *model.EnforcementRecord, rec model.NormalizedRecord, ref model.StagingRef, res *identity.Resolution) (Outcome, error) {
	out := Outcome{
		RecordKey: stored.Key(),
		EntityID:  stored.EntityID,
		Link:      stored.LinkStatus,
		Result:    model.PersistExisting,
	}
	if res != nil {
		rc, err := r.reenqueue(ctx, stored, rec, ref, *res)
		if err != nil {
			return out, err
		}
		out.ReviewCase = rc
	}

	out.Changes = Diff(stored.NormalizedRecord, rec)
	if len(out.Changes) == 0 {
		return out, nil
	}

	updated := *stored
	updated.NormalizedRecord = rec
	if err := r.store.UpdateRecord(ctx, &updated); err != nil {
		return out, eris.Wrapf(err, "reconcile: update %s", out.RecordKey)
	}
	out.Result = model.PersistUpdated

	if stored.LinkStatus == model.LinkFinal && stored.EntityID != "" {
		ent, err := r.store.GetEntity(ctx, stored.EntityID)
		if err != nil {
			return out, eris.Wrapf(err, "reconcile: linked entity %s", stored.EntityID)
		}
		out.Entity = ent
		if amountsChanged(out.Changes) {
			if err := r.refreshStats(ctx, ent); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

func (r *Reconciler) reenqueue(ctx context.Context, stored *model.EnforcementRecord, rec model.NormalizedRecord, ref model.StagingRef, res identity.Resolution) (*model.ReviewCase, error) {
	if r.review == nil || res.Tier != model.TierMedium || stored.LinkStatus == model.LinkFinal {
		return nil, nil
	}
	key := stored.Key()
	pending, err := r.store.ListReviewCases(ctx, store.ReviewFilter{
		Status:    model.ResolutionPending,
		RecordKey: key,
		Limit:     1,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: pending cases for %s", key)
	}
	if len(pending) > 0 {
		return nil, nil
	}
	rc, err := r.review.Enqueue(ctx, ref, key, rec.OrganizationName, res.Candidates)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: re-enqueue review for %s", key)
	}
	r.log.Info("review case re-enqueued", zap.String("record", key.String()), zap.String("case_id", rc.ID))
	return rc, nil
}

// PromoteLink finalizes the link of key to the chosen candidate. External
// candidates are materialized as entities; a candidate with neither an
// entity nor an external id creates an entity from its name.
func (r *Reconciler) PromoteLink(ctx context.Context, key model.RecordKey, chosen model.IdentityCandidate) (*model.CanonicalEntity, error) {
	rec, err := r.store.GetRecord(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: promote %s", key)
	}
	if !rec.LinkStatus.CanTransition(model.LinkFinal) {
		return nil, eris.Errorf("reconcile: cannot finalize link of %s from %s", key, rec.LinkStatus)
	}

	var ent *model.CanonicalEntity
	switch {
	case chosen.EntityID != "" || chosen.External():
		ent, _, err = r.entityFor(ctx, chosen)
	default:
		name := chosen.Name
		if name == "" {
			name = rec.OrganizationName
		}
		addr := chosen.Address
		if addr.IsZero() {
			addr = rec.Address
		}
		ent, _, err = r.findOrCreateEntity(ctx, name, identity.Normalize(name), addr, "", "")
	}
	if err != nil {
		return nil, err
	}

	if rec.LinkStatus == model.LinkFinal && rec.EntityID == ent.ID {
		return ent, nil
	}
	if err := r.store.SetRecordLink(ctx, key, ent.ID, model.LinkFinal); err != nil {
		return nil, eris.Wrapf(err, "reconcile: link %s", key)
	}
	if err := r.refreshStats(ctx, ent); err != nil {
		return nil, err
	}
	if rec.LinkStatus == model.LinkFinal && rec.EntityID != "" && rec.EntityID != ent.ID {
		if _, err := r.store.RefreshEntityStats(ctx, rec.EntityID); err != nil {
			return nil, eris.Wrapf(err, "reconcile: refresh previous entity %s", rec.EntityID)
		}
	}
	r.log.Info("link promoted",
		zap.String("record", key.String()),
		zap.String("entity_id", ent.ID),
	)
	return ent, nil
}

// entityFor returns the entity a candidate refers to, materializing
// external registry hits.
func (r *Reconciler) entityFor(ctx context.Context, c model.IdentityCandidate) (*model.CanonicalEntity, bool, error) {
	if c.EntityID != "" {
		ent, err := r.store.GetEntity(ctx, c.EntityID)
		if err != nil {
			return nil, false, eris.Wrapf(err, "reconcile: candidate entity %s", c.EntityID)
		}
		return ent, false, nil
	}
	if !c.External() {
		return nil, false, eris.Errorf("reconcile: candidate %q has no entity", c.Ref())
	}
	return r.findOrCreateEntity(ctx, c.Name, identity.Normalize(c.Name), c.Address, c.Registry, c.ExternalID)
}

// findOrCreateEntity looks the entity up by registry id, then by
// normalized name, and inserts it when neither exists. A concurrent insert
// surfaces as ErrConflict and is settled by re-reading.
func (r *Reconciler) findOrCreateEntity(ctx context.Context, name, normalized string, addr model.Address, registry, registryID string) (*model.CanonicalEntity, bool, error) {
	if normalized == "" {
		return nil, false, eris.Errorf("reconcile: organization %q normalizes to nothing", name)
	}
	lookup := func() (*model.CanonicalEntity, error) {
		if registryID != "" {
			ent, err := r.store.GetEntityByRegistryID(ctx, registry, registryID)
			if err == nil || !errors.Is(err, store.ErrNotFound) {
				return ent, err
			}
		}
		return r.store.GetEntityByNormalizedName(ctx, normalized)
	}

	ent, err := lookup()
	if err == nil {
		return ent, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, eris.Wrapf(err, "reconcile: find entity %q", normalized)
	}

	ent = &model.CanonicalEntity{
		Name:           name,
		NormalizedName: normalized,
		Address:        addr,
		Registry:       registry,
		RegistryID:     registryID,
	}
	if err := r.store.InsertEntity(ctx, ent); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, false, eris.Wrapf(err, "reconcile: create entity %q", normalized)
		}
		winner, gerr := lookup()
		if gerr != nil {
			return nil, false, eris.Wrapf(gerr, "reconcile: re-read entity %q after conflict", normalized)
		}
		return winner, false, nil
	}
	r.log.Debug("entity created", zap.String("entity_id", ent.ID), zap.String("normalized_name", normalized))
	return ent, true, nil
}

func (r *Reconciler) refreshStats(ctx context.Context, ent *model.CanonicalEntity) error {
	if ent == nil {
		return nil
	}
	st, err := r.store.RefreshEntityStats(ctx, ent.ID)
	if err != nil {
		return eris.Wrapf(err, "reconcile: refresh stats %s", ent.ID)
	}
	ent.RecordCount = st.RecordCount
	ent.TotalFines, ent.TotalCosts = st.TotalFines, st.TotalCosts
	ent.LastActionDate = st.LastActionDate
	return nil
}
