package reconcile

import (
	"github.com/sells-group/enforcement-cli/internal/model"
)

// FieldChange is one differing field between a stored record and an
// incoming one.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// Diff compares the source-owned fields of a stored record against an
// incoming normalized record. Link state and timestamps are not compared.
// Amounts compare by value, so "1500" and "1500.00" are equal.
func Diff(stored, incoming model.NormalizedRecord) []FieldChange {
	var changes []FieldChange
	add := func(field, was, now string) {
		if was != now {
			changes = append(changes, FieldChange{Field: field, Old: was, New: now})
		}
	}

	add("kind", string(stored.Kind), string(incoming.Kind))
	add("organization_name", stored.OrganizationName, incoming.OrganizationName)
	add("address.line1", stored.Address.Line1, incoming.Address.Line1)
	add("address.line2", stored.Address.Line2, incoming.Address.Line2)
	add("address.town", stored.Address.Town, incoming.Address.Town)
	add("address.county", stored.Address.County, incoming.Address.County)
	add("address.postcode", stored.Address.Postcode, incoming.Address.Postcode)
	add("address.country", stored.Address.Country, incoming.Address.Country)
	add("regulator", stored.Regulator, incoming.Regulator)
	add("offence_type", stored.OffenceType, incoming.OffenceType)
	add("description", stored.Description, incoming.Description)
	add("action_date", formatDate(stored), formatDate(incoming))
	if !stored.FineAmount.Equal(incoming.FineAmount) {
		changes = append(changes, FieldChange{Field: "fine_amount", Old: stored.FineAmount.String(), New: incoming.FineAmount.String()})
	}
	if !stored.CostsAmount.Equal(incoming.CostsAmount) {
		changes = append(changes, FieldChange{Field: "costs_amount", Old: stored.CostsAmount.String(), New: incoming.CostsAmount.String()})
	}
	add("outcome", stored.Outcome, incoming.Outcome)
	add("url", stored.URL, incoming.URL)
	return changes
}

func formatDate(r model.NormalizedRecord) string {
	if r.ActionDate == nil {
		return ""
	}
	return r.ActionDate.UTC().Format("2006-01-02")
}

// amountsChanged reports whether any change affects entity aggregates.
func amountsChanged(changes []FieldChange) bool {
	for _, c := range changes {
		switch c.Field {
		case "fine_amount", "costs_amount", "action_date":
			return true
		}
	}
	return false
}
