package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies an enforcement record.
type Kind string

const (
	KindProsecution Kind = "prosecution"
	KindNotice      Kind = "notice"
)

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	switch k {
	case KindProsecution, KindNotice:
		return true
	default:
		return false
	}
}

// LinkStatus describes how firmly a record is attached to its entity.
type LinkStatus string

const (
	LinkNone        LinkStatus = "none"
	LinkProvisional LinkStatus = "provisional"
	LinkFinal       LinkStatus = "final"
)

// Valid reports whether l is a known link status.
func (l LinkStatus) Valid() bool {
	switch l {
	case LinkNone, LinkProvisional, LinkFinal:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a record link may move from l to next.
// Final links never move back to provisional.
func (l LinkStatus) CanTransition(next LinkStatus) bool {
	switch l {
	case LinkNone:
		return next == LinkProvisional || next == LinkFinal
	case LinkProvisional:
		return next == LinkFinal || next == LinkProvisional
	case LinkFinal:
		return next == LinkFinal
	default:
		return false
	}
}

// Address holds postal address fields for an organization.
type Address struct {
	Line1    string `json:"line1,omitempty"`
	Line2    string `json:"line2,omitempty"`
	Town     string `json:"town,omitempty"`
	County   string `json:"county,omitempty"`
	Postcode string `json:"postcode,omitempty"`
	Country  string `json:"country,omitempty"`
}

// IsZero reports whether no address field is set.
func (a Address) IsZero() bool {
	return a == Address{}
}

// RecordKey is the unique key of an enforcement record.
type RecordKey struct {
	Source   string `json:"source"`
	RecordID string `json:"record_id"`
}

// String renders the key as "source/record_id".
func (k RecordKey) String() string {
	return k.Source + "/" + k.RecordID
}

// NormalizedRecord is a source record mapped onto the common field set.
type NormalizedRecord struct {
	Source           string          `json:"source"`
	RecordID         string          `json:"record_id"`
	Kind             Kind            `json:"kind"`
	OrganizationName string          `json:"organization_name"`
	Address          Address         `json:"address"`
	Regulator        string          `json:"regulator,omitempty"`
	OffenceType      string          `json:"offence_type,omitempty"`
	Description      string          `json:"description,omitempty"`
	ActionDate       *time.Time      `json:"action_date,omitempty"`
	FineAmount       decimal.Decimal `json:"fine_amount"`
	CostsAmount      decimal.Decimal `json:"costs_amount"`
	Outcome          string          `json:"outcome,omitempty"`
	URL              string          `json:"url,omitempty"`
}

// Key returns the record's unique key.
func (r NormalizedRecord) Key() RecordKey {
	return RecordKey{Source: r.Source, RecordID: r.RecordID}
}

// EnforcementRecord is the persisted form of a NormalizedRecord.
type EnforcementRecord struct {
	NormalizedRecord
	EntityID   string     `json:"entity_id,omitempty"`
	LinkStatus LinkStatus `json:"link_status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
