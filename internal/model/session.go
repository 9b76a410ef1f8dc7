package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// SessionStatus represents the lifecycle state of an ingestion session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionStopped   SessionStatus = "stopped"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionRunning, SessionCompleted, SessionFailed, SessionStopped:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionStopped:
		return true
	case SessionPending, SessionRunning:
		return false
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows moving from s to next.
//
//	pending -> running | failed | stopped
//	running -> completed | failed | stopped
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionPending:
		return next == SessionRunning || next == SessionFailed || next == SessionStopped
	case SessionRunning:
		return next == SessionCompleted || next == SessionFailed || next == SessionStopped
	case SessionCompleted, SessionFailed, SessionStopped:
		return false
	default:
		return false
	}
}

// Prior returns the statuses a session may move to s from.
func (s SessionStatus) Prior() []SessionStatus {
	var out []SessionStatus
	for _, from := range []SessionStatus{SessionPending, SessionRunning, SessionCompleted, SessionFailed, SessionStopped} {
		if from.CanTransition(s) {
			out = append(out, from)
		}
	}
	return out
}

// ParseSessionStatus converts a string into a SessionStatus.
func ParseSessionStatus(s string) (SessionStatus, error) {
	st := SessionStatus(s)
	if !st.Valid() {
		return "", eris.Errorf("model: unknown session status %q", s)
	}
	return st, nil
}

// Strategy names the fetch strategy a source uses.
type Strategy string

const (
	StrategyCursor      Strategy = "cursor"
	StrategyRangeDetail Strategy = "range_detail"
)

// RangeParams bounds a session's fetch. Cursor sources use the page bounds
// and StartCursor; range_detail sources use the date range.
type RangeParams struct {
	StartPage   int        `json:"start_page,omitempty"`
	EndPage     int        `json:"end_page,omitempty"`
	StartCursor string     `json:"start_cursor,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
}

// Counters are the per-session outcome tallies.
type Counters struct {
	Found    int `json:"found"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Existing int `json:"existing"`
	Errors   int `json:"errors"`
}

// Add returns the element-wise sum of c and o.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Found:    c.Found + o.Found,
		Created:  c.Created + o.Created,
		Updated:  c.Updated + o.Updated,
		Existing: c.Existing + o.Existing,
		Errors:   c.Errors + o.Errors,
	}
}

// Balanced reports whether found equals the sum of the outcome counters.
func (c Counters) Balanced() bool {
	return c.Found == c.Created+c.Updated+c.Existing+c.Errors
}

// Record tallies one persistence outcome, counting it as found.
func (c *Counters) Record(p PersistenceStatus) {
	c.Found++
	switch p {
	case PersistCreated:
		c.Created++
	case PersistUpdated:
		c.Updated++
	case PersistExisting:
		c.Existing++
	case PersistError, PersistPending:
		c.Errors++
	default:
		c.Errors++
	}
}

// Session is one bounded ingestion run over a source.
type Session struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	Strategy   Strategy      `json:"strategy"`
	Range      RangeParams   `json:"range_params"`
	Status     SessionStatus `json:"status"`
	Counters   Counters      `json:"counters"`
	LastError  string        `json:"last_error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// RecordSummary is the scraped snapshot of one record kept in the processing log.
type RecordSummary struct {
	RecordID         string            `json:"record_id"`
	OrganizationName string            `json:"organization_name"`
	Outcome          PersistenceStatus `json:"outcome"`
	Tier             string            `json:"tier,omitempty"`
}

// ProcessingLogEntry is the immutable audit row written once per committed page.
type ProcessingLogEntry struct {
	ID         int64           `json:"id,omitempty"`
	SessionID  string          `json:"session_id"`
	Page       int             `json:"page"`
	Counts     Counters        `json:"counts"`
	Errors     []string        `json:"errors,omitempty"`
	Summaries  []RecordSummary `json:"summaries,omitempty"`
	NextCursor string          `json:"next_cursor,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
