package model

import (
	"strings"
	"time"
)

// Tier is the confidence classification of an identity match.
type Tier string

const (
	TierExact  Tier = "exact"
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierExact, TierHigh, TierMedium, TierLow:
		return true
	default:
		return false
	}
}

// ResolutionStatus is the decision state of a review case.
type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionResolved ResolutionStatus = "resolved"
)

// Valid reports whether r is a known resolution status.
func (r ResolutionStatus) Valid() bool {
	switch r {
	case ResolutionPending, ResolutionResolved:
		return true
	default:
		return false
	}
}

// ExternalRefPrefix separates the registry name from the external id in a
// candidate ref, e.g. "companies_house:01234567".
const ExternalRefPrefix = ":"

// IdentityCandidate is a proposed match for an incoming organization. Either
// EntityID is set (local entity) or Registry and ExternalID are (external
// registry hit).
type IdentityCandidate struct {
	EntityID      string  `json:"entity_id,omitempty"`
	ExternalID    string  `json:"external_id,omitempty"`
	Registry      string  `json:"registry"`
	Name          string  `json:"name"`
	Address       Address `json:"address,omitempty"`
	Score         float64 `json:"score"`
	LinkedRecords int     `json:"linked_records"`
}

// Ref returns the stable reference used to pick this candidate during review.
func (c IdentityCandidate) Ref() string {
	if c.EntityID != "" {
		return c.EntityID
	}
	return c.Registry + ExternalRefPrefix + c.ExternalID
}

// External reports whether the candidate comes from an external registry.
func (c IdentityCandidate) External() bool {
	return c.EntityID == "" && c.ExternalID != ""
}

// ParseCandidateRef splits a ref into registry and external id. ok is false
// for local entity refs.
func ParseCandidateRef(ref string) (registry, externalID string, ok bool) {
	registry, externalID, ok = strings.Cut(ref, ExternalRefPrefix)
	if !ok || registry == "" || externalID == "" {
		return "", "", false
	}
	return registry, externalID, true
}

// ReviewCase is a pending human decision between identity candidates for one
// ambiguous staging record.
type ReviewCase struct {
	ID               string              `json:"id"`
	StagingRef       StagingRef          `json:"staging_record_ref"`
	RecordKey        RecordKey           `json:"record_key"`
	OrganizationName string              `json:"organization_name"`
	Candidates       []IdentityCandidate `json:"candidates"`
	Status           ResolutionStatus    `json:"resolution_status"`
	ResolvedEntityID string              `json:"resolved_entity_ref,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	ResolvedAt       *time.Time          `json:"resolved_at,omitempty"`
}

// Candidate returns the candidate with the given ref.
func (rc *ReviewCase) Candidate(ref string) (IdentityCandidate, bool) {
	for _, c := range rc.Candidates {
		if c.Ref() == ref {
			return c, true
		}
	}
	return IdentityCandidate{}, false
}
