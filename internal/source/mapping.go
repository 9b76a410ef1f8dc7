package source

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/enforcement-cli/internal/model"
)

// Canonical field names accepted as FieldMap keys.
const (
	FieldRecordID     = "record_id"
	FieldKind         = "kind"
	FieldOrganization = "organization_name"
	FieldAddress1     = "address_line1"
	FieldAddress2     = "address_line2"
	FieldTown         = "town"
	FieldCounty       = "county"
	FieldPostcode     = "postcode"
	FieldCountry      = "country"
	FieldRegulator    = "regulator"
	FieldOffenceType  = "offence_type"
	FieldDescription  = "description"
	FieldActionDate   = "action_date"
	FieldFine         = "fine_amount"
	FieldCosts        = "costs_amount"
	FieldOutcome      = "outcome"
	FieldURL          = "url"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"02/01/2006",
	"2 January 2006",
	"02 Jan 2006",
}

// mapper turns a flat source field set into a NormalizedRecord using the
// configured field map. Unmapped canonical fields are looked up under their
// canonical name.
type mapper struct {
	source    string
	kind      model.Kind
	regulator string
	fieldMap  map[string]string
}

func newMapper(cfg Config) mapper {
	return mapper{source: cfg.Name, kind: cfg.Kind, regulator: cfg.Regulator, fieldMap: cfg.FieldMap}
}

func (m mapper) key(canonical string) string {
	if k, ok := m.fieldMap[canonical]; ok && k != "" {
		return k
	}
	return canonical
}

func (m mapper) str(fields map[string]any, canonical string) string {
	return strings.TrimSpace(stringify(fields[m.key(canonical)]))
}

// mapRecord builds a record from fields. itemID is the source's own id for
// the item, used when no record_id field is mapped.
func (m mapper) mapRecord(itemID string, fields map[string]any) (model.NormalizedRecord, error) {
	rec := model.NormalizedRecord{
		Source:           m.source,
		RecordID:         m.str(fields, FieldRecordID),
		Kind:             m.kind,
		OrganizationName: m.str(fields, FieldOrganization),
		Address: model.Address{
			Line1:    m.str(fields, FieldAddress1),
			Line2:    m.str(fields, FieldAddress2),
			Town:     m.str(fields, FieldTown),
			County:   m.str(fields, FieldCounty),
			Postcode: strings.ToUpper(m.str(fields, FieldPostcode)),
			Country:  m.str(fields, FieldCountry),
		},
		Regulator:   m.str(fields, FieldRegulator),
		OffenceType: m.str(fields, FieldOffenceType),
		Description: m.str(fields, FieldDescription),
		Outcome:     m.str(fields, FieldOutcome),
		URL:         m.str(fields, FieldURL),
		FineAmount:  decimal.Zero,
		CostsAmount: decimal.Zero,
	}
	if rec.RecordID == "" {
		rec.RecordID = strings.TrimSpace(itemID)
	}
	if rec.RecordID == "" {
		return rec, eris.New("record has no id")
	}
	if rec.OrganizationName == "" {
		return rec, eris.Errorf("record %s has no organization name", rec.RecordID)
	}
	if rec.Regulator == "" {
		rec.Regulator = m.regulator
	}

	if k := strings.ToLower(m.str(fields, FieldKind)); k != "" {
		kind := model.Kind(k)
		if !kind.Valid() {
			return rec, eris.Errorf("record %s has unknown kind %q", rec.RecordID, k)
		}
		rec.Kind = kind
	}

	if raw := m.str(fields, FieldActionDate); raw != "" {
		d, err := parseDate(raw)
		if err != nil {
			return rec, eris.Wrapf(err, "record %s", rec.RecordID)
		}
		rec.ActionDate = &d
	}

	var err error
	if rec.FineAmount, err = parseAmount(fields[m.key(FieldFine)]); err != nil {
		return rec, eris.Wrapf(err, "record %s fine", rec.RecordID)
	}
	if rec.CostsAmount, err = parseAmount(fields[m.key(FieldCosts)]); err != nil {
		return rec, eris.Wrapf(err, "record %s costs", rec.RecordID)
	}
	return rec, nil
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			y, mo, d := t.Date()
			return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, eris.Errorf("unparseable date %q", raw)
}

// parseAmount accepts numbers and strings such as "£12,500.00". Amounts
// are stored to the penny, so values are rounded half away from zero to
// two places.
func parseAmount(v any) (decimal.Decimal, error) {
	d, err := parseRawAmount(v)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Round(2), nil
}

func parseRawAmount(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case json.Number:
		return decimal.NewFromString(x.String())
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	}

	s := strings.TrimSpace(stringify(v))
	s = strings.NewReplacer("£", "", "$", "", "€", "", ",", "", " ", "").Replace(s)
	if s == "" || s == "-" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Errorf("unparseable amount %q", v)
	}
	return d, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			parts = append(parts, stringify(p))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(x)
	}
}
