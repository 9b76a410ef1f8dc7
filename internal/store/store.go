package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/enforcement-cli/internal/model"
)

// Sentinel errors. Implementations wrap them with eris so callers classify
// with errors.Is.
var (
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is a unique-key violation, e.g. two sessions inserting the
	// same record or entity concurrently.
	ErrConflict = eris.New("store: unique constraint conflict")
	// ErrTerminal is returned when a session in a terminal status is
	// mutated.
	ErrTerminal = eris.New("store: session is terminal")
)

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Source   string                `json:"source,omitempty"`
	Statuses []model.SessionStatus `json:"statuses,omitempty"`
	// UpdatedBefore selects sessions not touched since the given time.
	UpdatedBefore *time.Time `json:"updated_before,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// ReviewFilter specifies criteria for listing review cases.
type ReviewFilter struct {
	Status    model.ResolutionStatus `json:"status,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	RecordKey model.RecordKey        `json:"record_key,omitempty"`
	Limit     int                    `json:"limit,omitempty"`
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *model.Session) error
	// UpdateSessionStatus moves a non-terminal session to status. Moving to
	// a terminal status stamps finished_at. Returns ErrTerminal if the
	// session already finished.
	UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, lastErr string) error
	// CommitBatch adds entry.Counts to the session counters and appends the
	// processing log entry in one transaction.
	CommitBatch(ctx context.Context, entry *model.ProcessingLogEntry) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)
	ListProcessingLog(ctx context.Context, sessionID string) ([]model.ProcessingLogEntry, error)
	// LastCursor returns the most recent non-empty next cursor logged for
	// source and the page it followed.
	LastCursor(ctx context.Context, source string) (cursor string, page int, err error)

	// Staging
	UpsertStaging(ctx context.Context, rec model.StagingRecord) error
	ListStaging(ctx context.Context, sessionID string) ([]model.StagingRecord, error)

	// Records
	GetRecord(ctx context.Context, key model.RecordKey) (*model.EnforcementRecord, error)
	// InsertRecord returns ErrConflict if the key already exists.
	InsertRecord(ctx context.Context, rec *model.EnforcementRecord) error
	UpdateRecord(ctx context.Context, rec *model.EnforcementRecord) error
	SetRecordLink(ctx context.Context, key model.RecordKey, entityID string, status model.LinkStatus) error

	// Entities
	ListEntities(ctx context.Context) ([]model.CanonicalEntity, error)
	GetEntity(ctx context.Context, id string) (*model.CanonicalEntity, error)
	GetEntityByNormalizedName(ctx context.Context, normalized string) (*model.CanonicalEntity, error)
	GetEntityByRegistryID(ctx context.Context, registry, registryID string) (*model.CanonicalEntity, error)
	// InsertEntity returns ErrConflict if the normalized name or registry
	// id is taken.
	InsertEntity(ctx context.Context, e *model.CanonicalEntity) error
	// RefreshEntityStats recomputes the aggregates from linked records.
	RefreshEntityStats(ctx context.Context, id string) (*model.EntityStats, error)

	// Review cases
	// UpsertReviewCase creates the case for rc.StagingRef, or replaces the
	// candidates of the existing pending case. The stored case is returned.
	UpsertReviewCase(ctx context.Context, rc *model.ReviewCase) (*model.ReviewCase, error)
	GetReviewCase(ctx context.Context, id string) (*model.ReviewCase, error)
	ListReviewCases(ctx context.Context, filter ReviewFilter) ([]model.ReviewCase, error)
	MarkReviewResolved(ctx context.Context, id, entityID string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

type statRow struct {
	fine, costs decimal.Decimal
	date        *time.Time
}

// computeStats folds linked record amounts into aggregates.
func computeStats(rows []statRow) model.EntityStats {
	var st model.EntityStats
	for _, r := range rows {
		st.RecordCount++
		st.TotalFines = st.TotalFines.Add(r.fine)
		st.TotalCosts = st.TotalCosts.Add(r.costs)
		if r.date != nil && (st.LastActionDate == nil || r.date.After(*st.LastActionDate)) {
			d := *r.date
			st.LastActionDate = &d
		}
	}
	return st
}
