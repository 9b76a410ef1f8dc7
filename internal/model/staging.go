package model

import "time"

// ProcessingStatus tracks where an in-flight item is in the pipeline.
type ProcessingStatus string

const (
	ProcessingFetching   ProcessingStatus = "fetching"
	ProcessingFetched    ProcessingStatus = "fetched"
	ProcessingReconciled ProcessingStatus = "reconciled"
	ProcessingError      ProcessingStatus = "error"
)

// Valid reports whether p is a known processing status.
func (p ProcessingStatus) Valid() bool {
	switch p {
	case ProcessingFetching, ProcessingFetched, ProcessingReconciled, ProcessingError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an item may move from p to next.
func (p ProcessingStatus) CanTransition(next ProcessingStatus) bool {
	switch p {
	case ProcessingFetching:
		return next == ProcessingFetched || next == ProcessingError
	case ProcessingFetched:
		return next == ProcessingReconciled || next == ProcessingError
	case ProcessingReconciled, ProcessingError:
		return false
	default:
		return false
	}
}

// PersistenceStatus is the storage outcome for an item.
type PersistenceStatus string

const (
	PersistPending  PersistenceStatus = "pending"
	PersistCreated  PersistenceStatus = "created"
	PersistUpdated  PersistenceStatus = "updated"
	PersistExisting PersistenceStatus = "existing"
	PersistError    PersistenceStatus = "error"
)

// Valid reports whether p is a known persistence status.
func (p PersistenceStatus) Valid() bool {
	switch p {
	case PersistPending, PersistCreated, PersistUpdated, PersistExisting, PersistError:
		return true
	default:
		return false
	}
}

// StagingRef identifies a staging record.
type StagingRef struct {
	SessionID      string `json:"session_id"`
	SourceRecordID string `json:"source_record_id"`
	Page           int    `json:"page"`
}

// StagingRecord tracks one fetched item through reconciliation. Rows are
// retained for audit after the session ends.
type StagingRecord struct {
	StagingRef
	ProcessingStatus  ProcessingStatus  `json:"processing_status"`
	PersistenceStatus PersistenceStatus `json:"persistence_status"`
	Error             string            `json:"error,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
