package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalEntity is the deduplicated identity of an offending organization.
// NormalizedName is derived from Name and unique across entities. The
// aggregate stats are recomputed from linked records, never edited.
type CanonicalEntity struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	NormalizedName string          `json:"normalized_name"`
	Address        Address         `json:"address"`
	Registry       string          `json:"registry,omitempty"`
	RegistryID     string          `json:"registry_id,omitempty"`
	RecordCount    int             `json:"record_count"`
	TotalFines     decimal.Decimal `json:"total_fines"`
	TotalCosts     decimal.Decimal `json:"total_costs"`
	LastActionDate *time.Time      `json:"last_action_date,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EntityStats are aggregates computed over an entity's linked records.
type EntityStats struct {
	RecordCount    int             `json:"record_count"`
	TotalFines     decimal.Decimal `json:"total_fines"`
	TotalCosts     decimal.Decimal `json:"total_costs"`
	LastActionDate *time.Time      `json:"last_action_date,omitempty"`
}
